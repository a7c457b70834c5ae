// Package config loads the service's environment-variable configuration.
// It is the Go-idiomatic equivalent of the original backend's
// pydantic-settings Settings class.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived setting the service needs.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	UpstreamClientID     string `env:"UPSTREAM_CLIENT_ID,required"`
	UpstreamClientSecret string `env:"UPSTREAM_CLIENT_SECRET,required"`
	WebhookVerifyToken   string `env:"UPSTREAM_WEBHOOK_VERIFY_TOKEN"`
	WebhookSubscriptionID string `env:"UPSTREAM_WEBHOOK_SUBSCRIPTION_ID"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON     bool   `env:"LOG_JSON" envDefault:"false"`

	// Scheduler tuning, defaults match the original round-robin scheduler.
	ItemsPerUserPerCycle int `env:"ITEMS_PER_USER_PER_CYCLE" envDefault:"2"`
	BatchSize            int `env:"BATCH_SIZE" envDefault:"5"`
	WorkerPoolSize       int `env:"WORKER_POOL_SIZE" envDefault:"4"`
	CycleInterval        int `env:"CYCLE_INTERVAL_SECONDS" envDefault:"5"`

	// Quota limits, defaults match Strava's documented public API caps.
	Quota15MinLimit int `env:"QUOTA_15MIN_LIMIT" envDefault:"100"`
	QuotaDailyLimit int `env:"QUOTA_DAILY_LIMIT" envDefault:"1000"`

	APIAddr     string `env:"API_ADDR" envDefault:"127.0.0.1:8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:"127.0.0.1:9090"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Environment == "production" {
		if cfg.LogLevel == "info" {
			cfg.LogLevel = "warn"
		}
	}
	return cfg, nil
}
