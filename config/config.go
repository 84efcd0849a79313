// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Billing  BillingConfig  `yaml:"billing"`
	Payments PaymentsConfig `yaml:"payments"`
	Usage    UsageConfig    `yaml:"usage"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Plans    []PlanConfig   `yaml:"plans"`
	Models   []ModelConfig  `yaml:"models"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AdminToken protects the admin endpoints (grants, refunds, plans).
	AdminToken string `yaml:"admin_token,omitempty"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`
}

// BillingConfig configures the charging rules.
type BillingConfig struct {
	// FreeDailyQuota is the daily quota for users without an active plan.
	FreeDailyQuota int64 `yaml:"free_daily_quota"`
	// UnlimitedApps is the allow-list of apps the enterprise override
	// tag applies to. Reloadable.
	UnlimitedApps []string `yaml:"unlimited_apps"`
	// AllowanceApp is the one app whose usage the per-user unlimited
	// allowance can absorb.
	AllowanceApp string `yaml:"allowance_app"`
}

// PaymentsConfig configures the payment provider.
// Use "none" to disable credit purchases.
type PaymentsConfig struct {
	Mode                string `yaml:"mode"` // "none" or "stripe"
	StripeSecretKey     string `yaml:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret,omitempty"`
}

// UsageConfig configures usage event recording.
type UsageConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SweepConfig configures the maintenance sweeps.
type SweepConfig struct {
	QuotaInterval        time.Duration `yaml:"quota_interval"`
	SubscriptionInterval time.Duration `yaml:"subscription_interval"`
}

// PlanConfig configures a subscription plan.
type PlanConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Tier         string `yaml:"tier"` // free, basic, pro, enterprise
	DailyQuota   int64  `yaml:"daily_quota"`
	MonthlyQuota int64  `yaml:"monthly_quota"`
	MaxModelTier string `yaml:"max_model_tier"`
	PriceCents   int64  `yaml:"price_cents"`
	BillingCycle string `yaml:"billing_cycle"` // monthly or yearly
	Enabled      *bool  `yaml:"enabled,omitempty"`
}

// ModelConfig seeds the model catalog.
type ModelConfig struct {
	AppID            string  `yaml:"app_id"`
	ModelID          string  `yaml:"model_id"`
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"`
	Tier             string  `yaml:"tier"`
	Enabled          *bool   `yaml:"enabled,omitempty"`
	FlatCost         int64   `yaml:"flat_cost"`
	QuotaCost        int64   `yaml:"quota_cost"`
	CostPerSecond    float64 `yaml:"cost_per_second"`
	CostPerMegapixel float64 `yaml:"cost_per_megapixel"`
	UnitCost         int64   `yaml:"unit_cost"`
	AddOnUnitCost    int64   `yaml:"addon_unit_cost"`
}

// Key returns the catalog key for the model.
func (m ModelConfig) Key() string { return m.AppID + ":" + m.ModelID }

// IsEnabled resolves the enabled flag, defaulting to true.
func (m ModelConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// IsEnabled resolves the enabled flag, defaulting to true.
func (p PlanConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables,
// for deployments that run without a config file.
//
// Environment variables:
//
//	CREDMETER_DATABASE_DSN       - Database path (default: credmeter.db)
//	CREDMETER_SERVER_HOST        - Server host (default: 0.0.0.0)
//	CREDMETER_SERVER_PORT        - Server port (default: 8080)
//	CREDMETER_ADMIN_TOKEN        - Admin API bearer token
//	CREDMETER_FREE_DAILY_QUOTA   - Daily quota without a plan (default: 10)
//	CREDMETER_UNLIMITED_APPS     - Comma-separated enterprise override apps
//	CREDMETER_ALLOWANCE_APP      - App covered by the unlimited allowance
//	CREDMETER_PAYMENTS_MODE      - "none" or "stripe" (default: none)
//	CREDMETER_STRIPE_SECRET_KEY  - Stripe API key
//	CREDMETER_STRIPE_WEBHOOK_SECRET - Stripe webhook signing secret
//	CREDMETER_LOG_LEVEL          - debug, info, warn, error (default: info)
//	CREDMETER_LOG_FORMAT         - json or console (default: json)
//	CREDMETER_METRICS_ENABLED    - Enable /metrics (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies CREDMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CREDMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CREDMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CREDMETER_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("CREDMETER_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("CREDMETER_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}

	if v := os.Getenv("CREDMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CREDMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("CREDMETER_FREE_DAILY_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Billing.FreeDailyQuota = n
		}
	}
	if v := os.Getenv("CREDMETER_UNLIMITED_APPS"); v != "" {
		cfg.Billing.UnlimitedApps = splitList(v)
	}
	if v := os.Getenv("CREDMETER_ALLOWANCE_APP"); v != "" {
		cfg.Billing.AllowanceApp = v
	}

	if v := os.Getenv("CREDMETER_PAYMENTS_MODE"); v != "" {
		cfg.Payments.Mode = v
	}
	if v := os.Getenv("CREDMETER_STRIPE_SECRET_KEY"); v != "" {
		cfg.Payments.StripeSecretKey = v
	}
	if v := os.Getenv("CREDMETER_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payments.StripeWebhookSecret = v
	}

	if v := os.Getenv("CREDMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CREDMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("CREDMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("CREDMETER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "credmeter.db"
	}

	if cfg.Billing.FreeDailyQuota == 0 {
		cfg.Billing.FreeDailyQuota = 10
	}
	if cfg.Billing.AllowanceApp == "" {
		cfg.Billing.AllowanceApp = "pose-generator"
	}

	if cfg.Payments.Mode == "" {
		cfg.Payments.Mode = "none"
	}

	if cfg.Usage.BatchSize == 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = 10 * time.Second
	}

	if cfg.Sweep.QuotaInterval == 0 {
		cfg.Sweep.QuotaInterval = 10 * time.Minute
	}
	if cfg.Sweep.SubscriptionInterval == 0 {
		cfg.Sweep.SubscriptionInterval = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be 'sqlite', got %q", cfg.Database.Driver)
	}

	validPayments := map[string]bool{"none": true, "stripe": true}
	if !validPayments[cfg.Payments.Mode] {
		return fmt.Errorf("payments.mode must be 'none' or 'stripe', got %q", cfg.Payments.Mode)
	}
	if cfg.Payments.Mode == "stripe" && cfg.Payments.StripeWebhookSecret == "" {
		return fmt.Errorf("payments.stripe_webhook_secret is required when payments.mode is 'stripe'")
	}

	validTiers := map[string]bool{"": true, "free": true, "basic": true, "pro": true, "enterprise": true}
	validCycles := map[string]bool{"": true, "monthly": true, "yearly": true}

	seen := map[string]bool{}
	for i, p := range cfg.Plans {
		if p.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("plans[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if !validTiers[p.Tier] {
			return fmt.Errorf("plans[%d].tier %q is not a known tier", i, p.Tier)
		}
		if !validCycles[p.BillingCycle] {
			return fmt.Errorf("plans[%d].billing_cycle must be 'monthly' or 'yearly', got %q", i, p.BillingCycle)
		}
		if p.DailyQuota < 0 {
			return fmt.Errorf("plans[%d].daily_quota must not be negative", i)
		}
	}

	seenModels := map[string]bool{}
	for i, m := range cfg.Models {
		if m.AppID == "" || m.ModelID == "" {
			return fmt.Errorf("models[%d]: app_id and model_id are required", i)
		}
		if seenModels[m.Key()] {
			return fmt.Errorf("models[%d]: %q is duplicated", i, m.Key())
		}
		seenModels[m.Key()] = true
		if !validTiers[m.Tier] {
			return fmt.Errorf("models[%d].tier %q is not a known tier", i, m.Tier)
		}
	}

	return nil
}
