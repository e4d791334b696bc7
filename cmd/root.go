// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, set with -ldflags at release time.
var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "irqbridge",
	Short: "irqbridge - interrupt-driven UDP transport bridge for a secure channel",
	Long: `irqbridge bridges an interrupt-driven network device to a non-blocking
secure-channel engine. The device handler fills a fixed ring of frame slots;
the engine polls the ring and sends through a single transmit buffer.

Features:
  - Lock-free single-producer/single-consumer receive ring
  - Flush-on-send invalidation of stale inbound frames
  - Handshake and throughput metrics measured in cycles
  - UDP socket or raw Ethernet (pcap) devices`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults are used when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
