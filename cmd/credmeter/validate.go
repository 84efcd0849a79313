package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the credmeter configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Plans and models are well formed
  - Database is writable (optional)

Examples:
  credmeter validate
  credmeter validate --config /etc/credmeter/config.yaml`,
	RunE: runValidate,
}

var validateCheckDatabase bool

const (
	checkMark = "✓"
	crossMark = "✗"
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config is valid\n", crossMark)
		return err
	}
	fmt.Printf("  %s Config is valid\n", checkMark)
	fmt.Printf("  %s %d plans, %d models configured\n", checkMark, len(cfg.Plans), len(cfg.Models))

	if validateCheckDatabase {
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			fmt.Printf("  %s Database is writable\n", crossMark)
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			fmt.Printf("  %s Database migrations apply\n", crossMark)
			return err
		}
		fmt.Printf("  %s Database is writable\n", checkMark)
	}

	fmt.Println("\nConfiguration OK")
	return nil
}
