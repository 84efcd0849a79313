// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/adapters/clock"
	"github.com/artpar/credmeter/adapters/hasher"
	"github.com/artpar/credmeter/adapters/idgen"
	"github.com/artpar/credmeter/adapters/metrics"
	"github.com/artpar/credmeter/adapters/payment"
	"github.com/artpar/credmeter/adapters/runner"
	"github.com/artpar/credmeter/adapters/sqlite"
	"github.com/artpar/credmeter/app"
	"github.com/artpar/credmeter/config"
	"github.com/artpar/credmeter/domain/entitlement"
	"github.com/artpar/credmeter/domain/plan"
	"github.com/artpar/credmeter/ports"
	"github.com/artpar/credmeter/web"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	// Services
	Credits  *app.CreditService
	Quotas   *app.QuotaService
	Access   *app.AccessService
	Charges  *app.ChargeService
	Refunds  *app.RefundService
	Subs     *app.SubscriptionService
	Allows   *app.AllowanceService
	Payments *app.PaymentService
	Usage    *app.UsageService

	// Adapters (for cleanup)
	usageRecorder ports.UsageRecorder
	sweeper       *app.Sweeper
	sweepCancel   context.CancelFunc
}

// Options configures application initialization.
type Options struct {
	// ConfigPath is the YAML config file. Empty means env-only config.
	ConfigPath string
	// Runner executes charged jobs. Defaults to the no-op runner, which
	// accepts every handoff; real deployments inject their queue here.
	Runner ports.JobRunner
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing credmeter")

	a := &App{Logger: logger}

	if opts.ConfigPath != "" {
		holder, err := config.NewHolder(opts.ConfigPath, logger)
		if err != nil {
			return nil, fmt.Errorf("config holder: %w", err)
		}
		a.Config = holder
	} else {
		a.Config = config.NewStaticHolder(cfg, logger)
	}

	if err := a.initDatabase(cfg); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	ctx := context.Background()
	store := sqlite.NewStore(a.DB)
	if err := a.seedPlans(ctx, store.Plans(), cfg.Plans); err != nil {
		return nil, fmt.Errorf("seed plans: %w", err)
	}
	if err := a.seedModels(ctx, store.Catalog(), cfg.Models); err != nil {
		return nil, fmt.Errorf("seed models: %w", err)
	}

	a.initServices(cfg, store, opts.Runner)
	a.initHTTPServer(cfg, store)

	return a, nil
}

func (a *App) initDatabase(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database ready")
	return nil
}

func (a *App) initServices(cfg *config.Config, store *sqlite.Store, jobRunner ports.JobRunner) {
	clk := clock.Real{}
	ids := idgen.UUID{}
	logger := a.Logger

	if jobRunner == nil {
		jobRunner = runner.NewNoop()
	}

	a.usageRecorder = NewLocalUsageRecorder(
		store.Usage(), logger, cfg.Usage.BatchSize, cfg.Usage.FlushInterval)

	var provider ports.PaymentProvider
	switch cfg.Payments.Mode {
	case "stripe":
		provider = payment.NewStripeProvider(payment.StripeConfig{
			SecretKey:     cfg.Payments.StripeSecretKey,
			WebhookSecret: cfg.Payments.StripeWebhookSecret,
		})
		logger.Info().Msg("stripe payments enabled")
	default:
		provider = payment.NewNoopProvider()
	}

	// The allow-list for the enterprise override is read through the
	// holder so a config reload takes effect without a restart.
	allowedApps := a.Config.UnlimitedApps
	allowanceApp := cfg.Billing.AllowanceApp
	freeDaily := cfg.Billing.FreeDailyQuota

	a.Credits = app.NewCreditService(store, store.Ledger(), clk, ids, a.Metrics, logger)
	a.Quotas = app.NewQuotaService(
		store, store.Quotas(), store.Subscriptions(), store.Plans(),
		clk, ids, a.Metrics, logger, freeDaily)
	a.Allows = app.NewAllowanceService(store, store.Users(), clk, logger)
	a.Access = app.NewAccessService(
		store.Users(), store.Catalog(), store.Ledger(), a.Quotas,
		clk, allowedApps, allowanceApp, logger)
	a.Charges = app.NewChargeService(
		store, store.Users(), store.Jobs(), store.Catalog(),
		a.Credits, a.Quotas, a.Allows,
		jobRunner, a.usageRecorder, clk, ids, a.Metrics, logger,
		allowedApps, allowanceApp)
	a.Refunds = app.NewRefundService(
		store, store.Jobs(), store.Catalog(), clk, ids, a.Metrics, logger)
	a.Subs = app.NewSubscriptionService(
		store, store.Users(), store.Subscriptions(), store.Plans(),
		a.Quotas, clk, ids, logger, freeDaily)
	a.Payments = app.NewPaymentService(provider, store, clk, ids, logger)
	a.Usage = app.NewUsageService(store.Usage())

	a.sweeper = app.NewSweeper(a.Quotas, a.Subs, a.Metrics, logger)
	if cfg.Sweep.QuotaInterval > 0 {
		a.sweeper.QuotaInterval = cfg.Sweep.QuotaInterval
	}
	if cfg.Sweep.SubscriptionInterval > 0 {
		a.sweeper.SubscriptionInterval = cfg.Sweep.SubscriptionInterval
	}
}

func (a *App) initHTTPServer(cfg *config.Config, store *sqlite.Store) {
	handler := web.NewHandler(web.Deps{
		Credits:     a.Credits,
		Quotas:      a.Quotas,
		Access:      a.Access,
		Charges:     a.Charges,
		Refunds:     a.Refunds,
		Subs:        a.Subs,
		Allows:      a.Allows,
		Payments:    a.Payments,
		Usage:       a.Usage,
		Users:       store.Users(),
		Jobs:        store.Jobs(),
		Plans:       store.Plans(),
		Catalog:     store.Catalog(),
		Hasher:      hasher.NewBcrypt(0),
		IDGen:       idgen.UUID{},
		Clock:       clock.Real{},
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		AdminToken:  cfg.Server.AdminToken,
		MetricsPath: cfg.Metrics.Path,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// seedPlans upserts configured plans into the store.
func (a *App) seedPlans(ctx context.Context, store ports.PlanStore, plans []config.PlanConfig) error {
	now := time.Now().UTC()
	for _, pc := range plans {
		p := plan.Plan{
			ID:           pc.ID,
			Name:         pc.Name,
			Tier:         entitlement.Tier(pc.Tier),
			DailyQuota:   pc.DailyQuota,
			MonthlyQuota: pc.MonthlyQuota,
			MaxModelTier: entitlement.Tier(pc.MaxModelTier),
			PriceCents:   pc.PriceCents,
			BillingCycle: plan.BillingCycle(pc.BillingCycle),
			Enabled:      pc.IsEnabled(),
			UpdatedAt:    now,
		}
		if p.MaxModelTier == "" {
			p.MaxModelTier = p.Tier
		}
		if p.BillingCycle == "" {
			p.BillingCycle = plan.CycleMonthly
		}

		existing, err := store.Get(ctx, p.ID)
		if err == nil {
			p.CreatedAt = existing.CreatedAt
			if err := store.Update(ctx, p); err != nil {
				return err
			}
			continue
		}
		p.CreatedAt = now
		if err := store.Create(ctx, p); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("count", len(plans)).Msg("plans seeded")
	return nil
}

// seedModels upserts the configured model catalog into the store.
func (a *App) seedModels(ctx context.Context, store *sqlite.CatalogStore, models []config.ModelConfig) error {
	for _, mc := range models {
		m := entitlement.Model{
			Key:           mc.Key(),
			AppID:         mc.AppID,
			ModelID:       mc.ModelID,
			Name:          mc.Name,
			Provider:      mc.Provider,
			Tier:          entitlement.Tier(mc.Tier),
			Enabled:       mc.IsEnabled(),
			FlatCost:      mc.FlatCost,
			QuotaCost:     mc.QuotaCost,
			CostPerSecond: mc.CostPerSecond,
			CostPerPixel:  mc.CostPerMegapixel,
			UnitCost:      mc.UnitCost,
			AddOnUnitCost: mc.AddOnUnitCost,
		}
		if m.Tier == "" {
			m.Tier = entitlement.TierFree
		}
		if err := store.Upsert(ctx, m); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("count", len(models)).Msg("model catalog seeded")
	return nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	go a.sweeper.Run(sweepCtx)

	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	a.Config.WatchSignals()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.sweepCancel != nil {
		a.sweepCancel()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.usageRecorder != nil {
		if err := a.usageRecorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	if a.Config != nil {
		a.Config.Stop()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
			return err
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
