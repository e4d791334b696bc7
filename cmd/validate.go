package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/irqbridge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file and print the effective settings",
	Long: `Load and validate a configuration file, then print the effective
configuration (defaults and environment overrides applied) as YAML.

Examples:
  irqbridge validate -c irqbridge.yml
  IRQBRIDGE_RING_SLOTS=32 irqbridge validate -c irqbridge.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(map[string]*config.Config{"irqbridge": cfg})
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	fmt.Fprintln(w, "VALID")
	_, err = w.Write(out)
	return err
}
