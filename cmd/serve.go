package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/irqbridge/internal/config"
	"firestige.xyz/irqbridge/internal/log"
	"firestige.xyz/irqbridge/internal/peer"
)

var serveOnce bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host-side peer for the client",
	Long: `Listen on peer.ip:peer.port and answer client sessions from node.ip:node.port.

Each finished session prints the number of bytes and records received.

Examples:
  irqbridge serve -c irqbridge.yml            # Serve until interrupted
  irqbridge serve -c irqbridge.yml --once     # Exit after one session`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			exitWithError("serve failed", err)
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "exit after the first session")
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := peer.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	srv, err := peer.New(ctx, cfg, dev, peer.WithOutput(os.Stdout))
	if err != nil {
		dev.Close()
		return err
	}
	defer srv.Close()

	fmt.Printf("Listening on %s:%d for %s:%d\n", cfg.Peer.IP, cfg.Peer.Port, cfg.Node.IP, cfg.Node.Port)
	if !serveOnce {
		return srv.Serve(ctx)
	}
	sum, err := srv.Session(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	fmt.Printf("Received %d bytes in %d records\n", sum.Bytes, sum.Records)
	return nil
}
