package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/pricing"
)

// Config captures runtime configuration values used by the membership service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// Stripe price identifiers for the two line items of every membership.
	PriceBaseMonthly string `env:"STRIPE_PRICE_FAMILY_BASE_MONTHLY"`
	PriceBaseYearly  string `env:"STRIPE_PRICE_FAMILY_BASE_YEARLY"`
	PriceSeatMonthly string `env:"STRIPE_PRICE_ADDITIONAL_CHILD_MONTHLY"`
	PriceSeatYearly  string `env:"STRIPE_PRICE_ADDITIONAL_CHILD_YEARLY"`

	// JWTSecret verifies HS256 access tokens issued by the identity provider.
	JWTSecret string `env:"AUTH_JWT_SECRET"`

	// AppURL is the frontend origin used for checkout and portal return URLs.
	AppURL string `env:"APP_URL" envDefault:"http://localhost:3000"`

	// RedisURL enables the shared webhook event log. Empty keeps it in memory.
	RedisURL string `env:"REDIS_URL"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"no-reply@localhost"`

	// SweepInterval is how often the pending-change sweeper runs. Zero disables it.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	Pricing PricingConfig `envPrefix:"PRICING_"`
}

// PricingConfig overrides the price list.
type PricingConfig struct {
	BasePrice      int     `env:"BASE_PRICE" envDefault:"17"`
	PerChildPrice  int     `env:"PER_CHILD_PRICE" envDefault:"10"`
	MinChildren    int     `env:"MIN_CHILDREN" envDefault:"1"`
	MaxChildren    int     `env:"MAX_CHILDREN" envDefault:"10"`
	AnnualDiscount float64 `env:"ANNUAL_DISCOUNT" envDefault:"0.25"`
}

const (
	envDatabaseURL         = "DATABASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envJWTSecret           = "AUTH_JWT_SECRET"
	envAppURL              = "APP_URL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	required := []struct {
		name  string
		value string
	}{
		{envDatabaseURL, cfg.DatabaseURL},
		{envStripeSecretKey, cfg.StripeSecretKey},
		{envStripeWebhookSecret, cfg.StripeWebhookSecret},
		{"STRIPE_PRICE_FAMILY_BASE_MONTHLY", cfg.PriceBaseMonthly},
		{"STRIPE_PRICE_FAMILY_BASE_YEARLY", cfg.PriceBaseYearly},
		{"STRIPE_PRICE_ADDITIONAL_CHILD_MONTHLY", cfg.PriceSeatMonthly},
		{"STRIPE_PRICE_ADDITIONAL_CHILD_YEARLY", cfg.PriceSeatYearly},
		{envJWTSecret, cfg.JWTSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s is required", r.name)
		}
	}

	if _, err := url.ParseRequestURI(cfg.AppURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppURL, err)
	}

	p := cfg.Pricing
	if p.MinChildren < 1 || p.MaxChildren < p.MinChildren {
		return Config{}, fmt.Errorf("invalid seat range %d..%d", p.MinChildren, p.MaxChildren)
	}
	if p.AnnualDiscount < 0 || p.AnnualDiscount >= 1 {
		return Config{}, fmt.Errorf("annual discount must be in [0,1), got %v", p.AnnualDiscount)
	}

	if cfg.SweepInterval < 0 {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}

	return cfg, nil
}

// LoadDatabaseURL reads only DATABASE_URL, for tools that never touch Stripe.
func LoadDatabaseURL() (string, error) {
	cfg, err := env.ParseAs[struct {
		DatabaseURL string `env:"DATABASE_URL"`
	}]()
	if err != nil {
		return "", fmt.Errorf("parse environment: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	return cfg.DatabaseURL, nil
}

// LoadPricing reads only the PRICING_* overrides.
func LoadPricing() (pricing.Config, error) {
	p, err := env.ParseAsWithOptions[PricingConfig](env.Options{Prefix: "PRICING_"})
	if err != nil {
		return pricing.Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return Config{Pricing: p}.PricingRules(), nil
}

// PricingRules returns the price list as the pricing package models it.
func (c Config) PricingRules() pricing.Config {
	return pricing.Config{
		BasePrice:      c.Pricing.BasePrice,
		PerChildPrice:  c.Pricing.PerChildPrice,
		MinChildren:    c.Pricing.MinChildren,
		MaxChildren:    c.Pricing.MaxChildren,
		AnnualDiscount: c.Pricing.AnnualDiscount,
	}
}

// PriceCatalog returns the processor price ids.
func (c Config) PriceCatalog() billing.PriceCatalog {
	return billing.PriceCatalog{
		BaseMonthly: c.PriceBaseMonthly,
		BaseYearly:  c.PriceBaseYearly,
		SeatMonthly: c.PriceSeatMonthly,
		SeatYearly:  c.PriceSeatYearly,
	}
}

// EmailEnabled reports whether Postmark credentials are present.
func (c Config) EmailEnabled() bool {
	return c.PostmarkServerToken != ""
}
