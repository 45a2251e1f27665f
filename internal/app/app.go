// Package app assembles the leave workflow from configuration. The server
// and the operator CLI share it so both run against the same store,
// directory and event stream.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"careleave/internal/beneficiary"
	"careleave/internal/leave/events"
	"careleave/internal/leave/export"
	"careleave/internal/leave/metrics"
	"careleave/internal/leave/monitor"
	"careleave/internal/leave/service"
	"careleave/internal/leave/store"
	"careleave/internal/platform/config"
	"careleave/internal/platform/kafka"
	"careleave/internal/platform/postgres"
	"careleave/internal/platform/redis"
	ratelimit "careleave/internal/ratelimit/middleware"
	rlmodels "careleave/internal/ratelimit/models"
	"careleave/internal/ratelimit/store/bucket"
	"careleave/pkg/platform/circuit"
)

const (
	eventBreakerName     = "kafka-transition-events"
	eventBreakerCooldown = 30 * time.Second
	topicSetupTimeout    = 10 * time.Second
	rateLimitBreaker     = "ratelimit-redis"
)

// App holds the wired components and the connections they own.
type App struct {
	Config    config.Server
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	DB        *sql.DB
	Redis     *redis.Client
	Kafka     *kgo.Client
	Directory beneficiary.Directory
	Relay     *events.Relay
	Service   *service.Service
	Monitor   *monitor.Monitor
	Exporter  *export.Exporter
	Limiter   *ratelimit.Middleware
}

// Build connects to the configured backends and wires the workflow. Every
// backend is optional: no DSN runs on the in-memory store, no Redis drops the
// scan lease, no brokers drops transition events. With both a database and
// brokers, events go through the outbox and Relay must be run.
func Build(ctx context.Context, cfg config.Server, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(reg),
	}

	broker, err := a.connectKafka(ctx)
	if err != nil {
		return nil, err
	}

	leaveStore, publisher, err := a.openStore(ctx, broker)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	a.Directory, err = a.directory()
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(a.Metrics),
		service.WithPublisher(publisher),
	}
	if a.Directory != nil {
		opts = append(opts, service.WithDirectory(a.Directory))
	}
	a.Service = service.New(leaveStore, opts...)

	monitorOpts := []monitor.Option{
		monitor.WithLocation(cfg.Facility.Location),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithConcurrency(cfg.Monitor.Concurrency),
		monitor.WithLogger(logger),
		monitor.WithMetrics(a.Metrics),
	}
	if a.Redis != nil {
		monitorOpts = append(monitorOpts, monitor.WithLease(a.Redis, cfg.Monitor.LeaseTTL))
	}
	a.Monitor = monitor.New(a.Service, monitorOpts...)
	a.Exporter = export.New(a.Service, cfg.Facility.Location)
	a.Limiter = a.rateLimiter()

	return a, nil
}

// rateLimiter counts in Redis when it is configured so replicas share one
// budget, falling back to per-replica counting while Redis is down.
func (a *App) rateLimiter() *ratelimit.Middleware {
	cfg := a.Config.RateLimit
	opts := []ratelimit.Option{
		ratelimit.WithDisabled(cfg.Disabled),
		ratelimit.WithLimit(rlmodels.ClassWrite, rlmodels.Limit{Requests: cfg.WritesPerMinute, Window: time.Minute}),
		ratelimit.WithLimit(rlmodels.ClassExport, rlmodels.Limit{Requests: cfg.ExportsPerMinute, Window: time.Minute}),
	}
	if a.Redis == nil {
		return ratelimit.New(bucket.New(), a.Logger, opts...)
	}
	breaker := circuit.New(rateLimitBreaker, circuit.WithCooldown(eventBreakerCooldown))
	opts = append(opts, ratelimit.WithFallback(bucket.New(), breaker))
	return ratelimit.New(bucket.NewRedis(a.Redis.Client), a.Logger, opts...)
}

// openStore picks the store and the publisher the service calls after
// commit. A nil broker means events are not published at all.
func (a *App) openStore(ctx context.Context, broker *events.KafkaPublisher) (service.Store, events.Publisher, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.WarnContext(ctx, "DATABASE_URL not set, leave requests are kept in memory")
		return store.NewInMemoryStore(), a.directPublisher(broker), nil
	}
	db, err := postgres.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	if broker == nil {
		return store.NewPostgres(db, store.WithLogger(a.Logger)), events.Noop{}, nil
	}

	a.Relay = events.NewRelay(db, broker,
		events.WithRelayLogger(a.Logger),
		events.WithRelayMetrics(a.Metrics),
	)
	return store.NewPostgres(db, store.WithOutbox(), store.WithLogger(a.Logger)), events.Noop{}, nil
}

// directory layers the Redis cache over the static seed when both exist.
// With neither configured the service skips beneficiary checks.
func (a *App) directory() (beneficiary.Directory, error) {
	var static *beneficiary.Static
	if a.Config.Facility.Beneficiaries != "" {
		parsed, err := beneficiary.ParseStatic(a.Config.Facility.Beneficiaries)
		if err != nil {
			return nil, fmt.Errorf("parse BENEFICIARY_DIRECTORY: %w", err)
		}
		static = parsed
	}

	switch {
	case a.Redis != nil && static != nil:
		return beneficiary.NewRedis(a.Redis.Client, beneficiary.WithSource(static)), nil
	case a.Redis != nil:
		return beneficiary.NewRedis(a.Redis.Client), nil
	case static != nil:
		return static, nil
	default:
		return nil, nil
	}
}

func (a *App) connectKafka(ctx context.Context) (*events.KafkaPublisher, error) {
	client, err := kafka.NewProducer(ctx, a.Config.Kafka)
	if errors.Is(err, kafka.ErrNotConfigured) {
		a.Logger.InfoContext(ctx, "KAFKA_BROKERS not set, transition events are not published")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	a.Kafka = client

	setupCtx, cancel := context.WithTimeout(ctx, topicSetupTimeout)
	defer cancel()
	if err := kafka.EnsureTopic(setupCtx, client, a.Config.Kafka); err != nil {
		a.Logger.WarnContext(ctx, "could not ensure transition topic",
			"topic", a.Config.Kafka.Topic,
			"error", err,
		)
	}

	return events.NewKafkaPublisher(client, a.Config.Kafka.Topic), nil
}

// directPublisher guards the broker with a circuit breaker so an outage
// does not slow every transition down to the delivery timeout.
func (a *App) directPublisher(broker *events.KafkaPublisher) events.Publisher {
	if broker == nil {
		return events.Noop{}
	}
	breaker := circuit.New(eventBreakerName, circuit.WithCooldown(eventBreakerCooldown))
	return events.NewGuarded(broker, breaker,
		events.WithLogger(a.Logger),
		events.WithMetrics(a.Metrics),
	)
}

// Health reports whether the configured backends answer.
func (a *App) Health(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close flushes pending events and releases connections.
func (a *App) Close() {
	if a.Kafka != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Kafka.Flush(flushCtx); err != nil {
			a.Logger.Warn("kafka flush on shutdown failed", "error", err)
		}
		cancel()
		a.Kafka.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("database close failed", "error", err)
		}
	}
}
