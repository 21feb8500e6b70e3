// Package config содержит логику чтения конфигурации сервиса выплат поощрений.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса выплат поощрений.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisURL    string `env:"REDIS_URL"`

	GatewayURL        string        `env:"REWARD_GATEWAY_URL"`
	GatewayClientID   string        `env:"REWARD_GATEWAY_CLIENT_ID"`
	GatewaySigningKey string        `env:"REWARD_GATEWAY_SIGNING_KEY"`
	GatewaySource     string        `env:"REWARD_GATEWAY_SOURCE" envDefault:"incentive-dashboard"`
	GatewayTimeout    time.Duration `env:"REWARD_GATEWAY_TIMEOUT" envDefault:"30s"`
	ProjectScope      string        `env:"PROJECT_SCOPE" envDefault:"INC"`

	WebhookEncryptionSecret string        `env:"WEBHOOK_ENCRYPTION_SECRET"`
	WebhookSigningKey       string        `env:"WEBHOOK_SIGNING_KEY"`
	WebhookSenderID         string        `env:"WEBHOOK_SENDER_ID"`
	WebhookReplayWindow     time.Duration `env:"WEBHOOK_REPLAY_WINDOW" envDefault:"300s"`

	AuthSecret   string        `env:"AUTH_SECRET"`
	OTPTTL       time.Duration `env:"OTP_TTL" envDefault:"5m"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	// RequireLineEchoes запрещает сопоставлять строки ответа шлюза по порядку отправки.
	RequireLineEchoes bool `env:"REQUIRE_LINE_ECHOES"`
	// ClearOnGatewayFailure освобождает записи для повторной выплаты при вебхуках
	// о нехватке средств или ошибке валидации.
	ClearOnGatewayFailure bool `env:"WEBHOOK_FAILURE_CLEARS_TRANSACTION"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_SETTLEMENT_TOPIC" envDefault:"incentive.settlement"`

	StaleInFlightAfter time.Duration `env:"STALE_IN_FLIGHT_AFTER" envDefault:"24h"`
}

// WebhookConfigured сообщает, заданы ли все секреты для приёма вебхуков.
func (c *Config) WebhookConfigured() bool {
	return c.WebhookEncryptionSecret != "" && c.WebhookSigningKey != "" && c.WebhookSenderID != ""
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisURL := cfg.RedisURL
	envGatewayURL := cfg.GatewayURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisURL, "redis", "localhost:6379", "redis address or URL for one-time codes")
	flag.StringVar(&cfg.GatewayURL, "g", "", "reward gateway batch endpoint")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envGatewayURL != "" {
		cfg.GatewayURL = envGatewayURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.WebhookReplayWindow <= 0 {
		return nil, fmt.Errorf("webhook replay window must be positive, got %s", cfg.WebhookReplayWindow)
	}
	if cfg.OTPTTL <= 0 {
		return nil, fmt.Errorf("otp ttl must be positive, got %s", cfg.OTPTTL)
	}

	return cfg, nil
}
