// Package main is the entry point for the irqbridge client and peer.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/irqbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
