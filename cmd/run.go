package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/irqbridge/internal/client"
	"firestige.xyz/irqbridge/internal/config"
	"firestige.xyz/irqbridge/internal/log"
	"firestige.xyz/irqbridge/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client: handshake, throughput test and report",
	Long: `Run the bridge client once.

The client will:
  1. Load configuration and initialize logging
  2. Start the metrics server (if enabled)
  3. Open the device and resolve the peer with interrupts masked
  4. Arm interrupts and perform the handshake
  5. Send the completion message and run the throughput test
  6. Print the run report

Examples:
  irqbridge run                       # Run with built-in defaults
  irqbridge run -c irqbridge.yml      # Run with a config file`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runClient(); err != nil {
			slog.Error("run failed", "error", err)
			exitWithError("run failed", err)
		}
	},
}

func runClient() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, nil)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				slog.Error("error stopping metrics server", "error", err)
			}
		}()
		opts = append(opts, client.WithRegisterer(prometheus.DefaultRegisterer))
	}

	dev, err := client.OpenDevice(cfg)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	c, err := client.New(cfg, dev, opts...)
	if err != nil {
		dev.Close()
		return err
	}
	defer c.Close()

	slog.Info("starting irqbridge client",
		"run_id", c.RunID(),
		"device", cfg.Device.Type,
		"node", fmt.Sprintf("%s:%d", cfg.Node.IP, cfg.Node.Port),
		"peer", fmt.Sprintf("%s:%d", cfg.Peer.IP, cfg.Peer.Port))

	if err := c.BringUp(ctx); err != nil {
		return err
	}
	if _, err := c.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	return nil
}
