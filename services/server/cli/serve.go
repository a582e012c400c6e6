package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/we-make-money/midjourney-proxy/internal/api"
	"github.com/we-make-money/midjourney-proxy/internal/balancer"
	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/dispatch"
	"github.com/we-make-money/midjourney-proxy/internal/events"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
	"github.com/we-make-money/midjourney-proxy/internal/notify"
	"github.com/we-make-money/midjourney-proxy/internal/ratelimit"
	"github.com/we-make-money/midjourney-proxy/internal/scheduler"
	"github.com/we-make-money/midjourney-proxy/internal/store"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
	"github.com/we-make-money/midjourney-proxy/services/server/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("api-secret", "", "mj-api-secret value required on /mj routes; empty disables the check")
	serveCmd.Flags().String("policy", balancer.PolicyBestWaitIdle, "instance selection policy: best_wait_idle | round_robin | random | weight")
	serveCmd.Flags().Int("queue-size", 0, "pending queue bound per instance; 0 means unbounded")
	serveCmd.Flags().Duration("task-max-run", 30*time.Minute, "watchdog limit for a single task")
	serveCmd.Flags().String("sweep-spec", "@every 1m", "cron spec for the abandoned-task sweep")
	serveCmd.Flags().Duration("stale-age", time.Hour, "age after which an unowned non-terminal task is failed")
	serveCmd.Flags().String("discord-base-url", "", "override for the upstream API host")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty keeps tasks in memory only")
	serveCmd.Flags().Duration("task-ttl", 24*time.Hour, "Redis TTL for task snapshots")
	serveCmd.Flags().String("postgres-dsn", "", "Postgres DSN for the task audit trail; empty disables it")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables Kafka")
	serveCmd.Flags().String("notify-topic", "mj.task-changes", "Kafka topic for task change notifications")
	serveCmd.Flags().String("events-topic", "mj.events", "Kafka topic carrying inbound upstream events")
	serveCmd.Flags().String("events-group", "midjourney-proxy", "Kafka consumer group for the events topic")
	serveCmd.Flags().String("webhook-url", "", "callback URL notified on every task change; empty disables it")
	serveCmd.Flags().Int("rate-limit", 0, "max submissions per caller per window; 0 disables throttling")
	serveCmd.Flags().Duration("rate-limit-window", time.Minute, "rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("api_secret", serveCmd.Flags(), "api-secret")
	bindFlag("policy", serveCmd.Flags(), "policy")
	bindFlag("queue_size", serveCmd.Flags(), "queue-size")
	bindFlag("task_max_run", serveCmd.Flags(), "task-max-run")
	bindFlag("sweep_spec", serveCmd.Flags(), "sweep-spec")
	bindFlag("stale_age", serveCmd.Flags(), "stale-age")
	bindFlag("discord_base_url", serveCmd.Flags(), "discord-base-url")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("task_ttl", serveCmd.Flags(), "task-ttl")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("notify_topic", serveCmd.Flags(), "notify-topic")
	bindFlag("events_topic", serveCmd.Flags(), "events-topic")
	bindFlag("events_group", serveCmd.Flags(), "events-group")
	bindFlag("webhook_url", serveCmd.Flags(), "webhook-url")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_limit_window", serveCmd.Flags(), "rate-limit-window")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return errors.New("no accounts configured; add an 'accounts' list to the config file")
	}
	logger := buildLogger(cfg.LogLevel, "midjourney-proxy")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "midjourney-proxy", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── task store ────────────────────────────────────────────────────────────
	var taskStore store.Store = store.NewMemoryStore()
	limiter := ratelimit.Limiter(ratelimit.Unlimited{})
	if cfg.RedisAddr != "" {
		redisClient := store.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		taskStore = store.NewRedisStore(redisClient, cfg.TaskTTL)
		if cfg.RateLimit > 0 {
			limiter = ratelimit.NewLimiter(redisClient, cfg.RateLimit, cfg.RateLimitWindow)
		}
	}
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := store.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		audit := store.NewAuditStore(taskStore, pool, logger)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = audit.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		taskStore = audit
	}

	// ── notification channels ─────────────────────────────────────────────────
	notifier := notify.NewMulti(logger)
	if cfg.WebhookURL != "" {
		notifier.Add("webhook", notify.NewWebhook(cfg.WebhookURL, logger))
	}
	var brokers []string
	if cfg.KafkaBrokers != "" {
		brokers = strings.Split(cfg.KafkaBrokers, ",")
	}
	if len(brokers) > 0 && cfg.NotifyTopic != "" {
		producer := notify.NewKafkaProducer(brokers, cfg.NotifyTopic)
		defer func() { _ = producer.Close() }()
		notifier.Add("kafka", producer)
	}

	// ── instances ─────────────────────────────────────────────────────────────
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	registry := instance.NewRegistry(logger)
	for n := range cfg.Accounts {
		account := cfg.Accounts[n]
		client := discord.NewHTTPClient(&cfg.Accounts[n], logger).WithBaseURL(cfg.DiscordBaseURL)
		inst := instance.New(account, client, taskStore, notifier, logger,
			instance.WithQueueSize(cfg.QueueSize),
			instance.WithMaxRunDuration(cfg.TaskMaxRun),
		)
		registry.Register(inst)
		inst.Start(runCtx)
		defer inst.Stop()
	}

	rule, err := balancer.FromName(cfg.Policy)
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewService(registry, rule, taskStore, logger)

	// ── background workers ────────────────────────────────────────────────────
	housekeeper, err := scheduler.NewHousekeeper(registry, taskStore, cfg.SweepSpec, cfg.StaleAge, logger)
	if err != nil {
		return err
	}
	housekeeper.Start()
	defer housekeeper.Stop()

	if len(brokers) > 0 && cfg.EventsTopic != "" {
		bridge := events.NewBridge(registry, logger)
		consumer := events.NewConsumer(brokers, cfg.EventsTopic, cfg.EventsGroup, bridge, logger)
		go func() {
			if err := consumer.Run(runCtx); err != nil {
				logger.Error("events consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handlers := api.NewHandlers(dispatcher, logger)
	router := api.NewRouter(handlers, cfg.APISecret, limiter, logger)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      chimw.Recoverer(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("HTTP API starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("policy", rule.Name()),
			slog.Int("accounts", len(cfg.Accounts)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
