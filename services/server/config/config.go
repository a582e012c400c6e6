package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// Config holds typed configuration for the proxy server.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string
	APISecret   string

	Policy         string
	QueueSize      int
	TaskMaxRun     time.Duration
	SweepSpec      string
	StaleAge       time.Duration
	DiscordBaseURL string

	RedisAddr   string
	TaskTTL     time.Duration
	PostgresDSN string

	KafkaBrokers string
	NotifyTopic  string
	EventsTopic  string
	EventsGroup  string
	WebhookURL   string

	RateLimit       int
	RateLimitWindow time.Duration

	OTelEndpoint string

	Accounts []domain.Account
}

// Load reads all values from the given viper instance. Accounts come from
// the "accounts" list of the config file; there is no flag form for them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:    v.GetString("log_level"),
		HTTPPort:    v.GetString("http_port"),
		MetricsAddr: v.GetString("metrics_addr"),
		APISecret:   v.GetString("api_secret"),

		Policy:         v.GetString("policy"),
		QueueSize:      v.GetInt("queue_size"),
		TaskMaxRun:     v.GetDuration("task_max_run"),
		SweepSpec:      v.GetString("sweep_spec"),
		StaleAge:       v.GetDuration("stale_age"),
		DiscordBaseURL: v.GetString("discord_base_url"),

		RedisAddr:   v.GetString("redis_addr"),
		TaskTTL:     v.GetDuration("task_ttl"),
		PostgresDSN: v.GetString("postgres_dsn"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		NotifyTopic:  v.GetString("notify_topic"),
		EventsTopic:  v.GetString("events_topic"),
		EventsGroup:  v.GetString("events_group"),
		WebhookURL:   v.GetString("webhook_url"),

		RateLimit:       v.GetInt("rate_limit"),
		RateLimitWindow: v.GetDuration("rate_limit_window"),

		OTelEndpoint: v.GetString("otel_endpoint"),
	}

	if err := v.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
		return Config{}, fmt.Errorf("parse accounts: %w", err)
	}

	validate := validator.New()
	for n, account := range cfg.Accounts {
		if err := validate.Struct(account); err != nil {
			return Config{}, fmt.Errorf("account %d (%s): %w", n, account.ID, err)
		}
	}
	return cfg, nil
}
