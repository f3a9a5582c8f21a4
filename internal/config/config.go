// Package config содержит логику чтения конфигурации магазина кредитов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	PartnerAPIURL string `env:"PARTNER_API_URL"`

	PartnerAPIKey  string        `env:"PARTNER_API_KEY"`
	PartnerTimeout time.Duration `env:"PARTNER_TIMEOUT" envDefault:"10s"`

	JWTSecret      string `env:"JWT_SECRET"`
	ServiceRoleKey string `env:"SERVICE_ROLE_KEY"`
	WebhookToken   string `env:"WEBHOOK_TOKEN"`
	RedisURL       string `env:"REDIS_URL"`

	Fulfillment FulfillmentConfig
	Dispatch    DispatchConfig
	Sweep       SweepConfig
}

// FulfillmentConfig содержит задержки алгоритма выдачи кредитов.
type FulfillmentConfig struct {
	ClaimJitterMin      time.Duration `env:"CLAIM_JITTER_MIN" envDefault:"200ms"`
	ClaimJitterMax      time.Duration `env:"CLAIM_JITTER_MAX" envDefault:"800ms"`
	GhostRecoveryDelay  time.Duration `env:"GHOST_RECOVERY_DELAY" envDefault:"2s"`
	GhostRecoveryWindow time.Duration `env:"GHOST_RECOVERY_WINDOW" envDefault:"2m"`
}

// DispatchConfig содержит параметры очереди заданий на выдачу.
type DispatchConfig struct {
	PollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"1s"`
	MaxAttempts  int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"5"`
	BatchSize    int           `env:"DISPATCH_BATCH_SIZE" envDefault:"10"`
}

// SweepConfig содержит параметры фоновой сверки зависших заказов.
type SweepConfig struct {
	Interval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	StaleClaimTimeout time.Duration `env:"STALE_CLAIM_TIMEOUT" envDefault:"10m"`
}

// Parse считывает конфигурацию из .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPartnerURL := cfg.PartnerAPIURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PartnerAPIURL, "p", "", "partner credits API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPartnerURL != "" {
		cfg.PartnerAPIURL = envPartnerURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.Fulfillment.ClaimJitterMax < cfg.Fulfillment.ClaimJitterMin {
		return nil, fmt.Errorf("CLAIM_JITTER_MAX (%s) is less than CLAIM_JITTER_MIN (%s)",
			cfg.Fulfillment.ClaimJitterMax, cfg.Fulfillment.ClaimJitterMin)
	}

	return cfg, nil
}
