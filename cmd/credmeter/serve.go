package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the accounting HTTP API",
	Long: `Start the credmeter server.

The server will:
  - Load configuration from credmeter.yaml (or --config)
  - Or load configuration from CREDMETER_* environment variables
  - Connect to the database and run migrations
  - Seed plans and the model catalog from config
  - Serve the /v1 accounting API and the /admin API

Environment variables (for Docker deployments):
  CREDMETER_DATABASE_DSN  - Database path (default: credmeter.db)
  CREDMETER_SERVER_PORT   - Server port (default: 8080)
  CREDMETER_ADMIN_TOKEN   - Bearer token for the admin API
  CREDMETER_LOG_LEVEL     - Log level: debug, info, warn, error

Examples:
  credmeter serve
  credmeter serve --config /etc/credmeter/config.yaml

  # Docker (env vars only):
  CREDMETER_DATABASE_DSN=/data/credmeter.db credmeter serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if _, err := os.Stat(path); err != nil {
		fmt.Println("Running with environment variables (no config file)")
		path = ""
	}

	app, err := bootstrap.New(bootstrap.Options{ConfigPath: path})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
