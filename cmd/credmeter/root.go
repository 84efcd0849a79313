package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "credmeter",
	Short: "Credit metering and quota accounting for generation workloads",
	Long: `Credmeter is the accounting core for metered generation workloads.

It keeps an append-only credit ledger, enforces daily quota counters for
subscribers, coordinates charge-then-execute job accounting, and refunds
failed work.

Quick start:
  credmeter serve     # Start the HTTP API

Management:
  credmeter users     # Manage users
  credmeter credits   # Inspect and grant credits
  credmeter plans     # List subscription plans
  credmeter sweep     # Run period maintenance once
  credmeter validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "credmeter.yaml", "config file path")
}
