package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/taskstream/internal/bus"
	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/gateway"
	"github.com/basket/taskstream/internal/otel"
	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/queue"
	"github.com/basket/taskstream/internal/sessioncache"
	"github.com/basket/taskstream/internal/streambus"
)

// components are the pieces shared by serve and worker.
type components struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	otel     *otel.Provider
	metrics  *otel.Metrics
	store    *persistence.Store
	redis    *redis.Client
	streams  streambus.Bus
	queue    *queue.Client
	queueDef queue.Descriptor
}

// openComponents brings up telemetry, the task store, the optional Redis
// client, the stream bus and the broker client. It exits on failure.
func openComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) *components {
	c := &components{cfg: cfg, logger: logger, bus: bus.New()}

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	c.otel = provider
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	c.metrics = metrics

	store, err := persistence.Open(cfg.DatabasePath, c.bus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	c.store = store
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.DatabasePath)

	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.streams = streambus.NewRedis(c.redis, cfg.Redis.KeyPrefix, cfg.Redis.StreamMaxLen)
		logger.Info("stream bus ready", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		c.streams = streambus.NewSQLite(store)
		logger.Info("stream bus ready", "backend", "sqlite")
	}

	c.queue = queue.NewClient(queue.Config{
		URL:         cfg.Queue.URL,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffStep: cfg.Queue.BackoffStep(),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
	})
	c.queueDef = queue.Descriptor{
		Exchange:   cfg.Queue.Exchange,
		Queue:      cfg.Queue.Name,
		RoutingKey: cfg.Queue.RoutingKey,
	}
	return c
}

// setupQueue declares broker resources. A broker that is down at startup is
// not fatal: publishing declares on demand and consumers retry.
func (c *components) setupQueue(ctx context.Context) {
	if err := c.queue.SetupResources(ctx, c.queueDef); err != nil {
		c.logger.Warn("queue resources not declared at startup", "error", err)
		return
	}
	c.logger.Info("startup phase", "phase", "queue_ready")
}

func (c *components) sessionCache() sessioncache.Cache {
	ttl := time.Duration(c.cfg.Redis.SessionTTLHours) * time.Hour
	if c.redis != nil {
		return sessioncache.NewRedis(c.redis, c.cfg.Redis.KeyPrefix, ttl)
	}
	return sessioncache.NewKV(c.store, ttl)
}

// purger is set only when streams live outside the task database.
func (c *components) purger() streambus.Purger {
	if p, ok := c.streams.(streambus.Purger); ok && c.redis != nil {
		return p
	}
	return nil
}

func (c *components) retentionPolicy() persistence.RetentionPolicy {
	return persistence.RetentionPolicy{
		StreamEntriesAge: time.Duration(c.cfg.Retention.StreamEntriesHours) * time.Hour,
		TaskEventsAge:    time.Duration(c.cfg.Retention.TaskEventsDays) * 24 * time.Hour,
	}
}

func (c *components) healthChecks() []gateway.HealthCheck {
	checks := []gateway.HealthCheck{
		{Name: "sqlite", Check: c.store.Ping},
		{Name: "queue", Check: c.queue.Ping},
	}
	if c.redis != nil {
		checks = append(checks, gateway.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return c.redis.Ping(ctx).Err() },
		})
	}
	return checks
}

func (c *components) Close() {
	_ = c.queue.Close()
	if c.redis != nil {
		_ = c.redis.Close()
	}
	_ = c.store.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.otel.Shutdown(shutdownCtx)
}
