// Package config содержит логику чтения конфигурации сервиса сверки выручки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AdminToken  string `env:"ADMIN_TOKEN"`

	ReportingCurrency string        `env:"REPORTING_CURRENCY" envDefault:"EUR"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"1h"`
	LookbackWindow    time.Duration `env:"ATTRIBUTION_LOOKBACK" envDefault:"720h"`
	BackfillDays      int           `env:"BACKFILL_DAYS" envDefault:"365"`
	UpsertMode        bool          `env:"SYNC_UPSERT"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeAddress       string `env:"STRIPE_ADDRESS"`
	HotmartClientID     string `env:"HOTMART_CLIENT_ID"`
	HotmartClientSecret string `env:"HOTMART_CLIENT_SECRET"`
	HotmartAddress      string `env:"HOTMART_ADDRESS"`
	KajabiAPIKey        string `env:"KAJABI_API_KEY"`
	KajabiAddress       string `env:"KAJABI_ADDRESS"`

	GA4PropertyID   string `env:"GA4_PROPERTY_ID"`
	GA4ClientID     string `env:"GA4_OAUTH_CLIENT_ID"`
	GA4ClientSecret string `env:"GA4_OAUTH_CLIENT_SECRET"`
	GA4RefreshToken string `env:"GA4_OAUTH_REFRESH_TOKEN"`
	GA4Address      string `env:"GA4_ADDRESS"`

	MetaAccessToken string `env:"META_ACCESS_TOKEN"`
	MetaAdAccountID string `env:"META_AD_ACCOUNT_ID"`
	MetaAddress     string `env:"META_ADDRESS"`

	FXAddress     string `env:"FX_ADDRESS"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
