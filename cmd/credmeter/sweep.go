package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/artpar/credmeter/adapters/clock"
	"github.com/artpar/credmeter/adapters/idgen"
	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run period maintenance once",
	Long: `Reset expired quota counters and expire lapsed subscriptions.

The server runs these sweeps continuously; this command runs one pass
for cron-style deployments or manual recovery.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	logger := zerolog.Nop()
	store := sqlite.NewStore(db)
	clk := clock.Real{}
	ids := idgen.UUID{}

	quotas := app.NewQuotaService(
		store, store.Quotas(), store.Subscriptions(), store.Plans(),
		clk, ids, nil, logger, cfg.Billing.FreeDailyQuota)
	subs := app.NewSubscriptionService(
		store, store.Users(), store.Subscriptions(), store.Plans(),
		quotas, clk, ids, logger, cfg.Billing.FreeDailyQuota)

	ctx := context.Background()
	resets, err := quotas.ResetExpired(ctx)
	if err != nil {
		return fmt.Errorf("quota sweep: %w", err)
	}
	expired, err := subs.ExpireDue(ctx)
	if err != nil {
		return fmt.Errorf("subscription sweep: %w", err)
	}

	fmt.Printf("Reset %d quota counters, expired %d subscriptions\n", resets, expired)
	return nil
}
