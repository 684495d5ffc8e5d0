package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/basket/taskstream/internal/audit"
	"github.com/basket/taskstream/internal/cron"
	"github.com/basket/taskstream/internal/dispatch"
	"github.com/basket/taskstream/internal/gateway"
)

func runServe(ctx context.Context, args []string) {
	cfg, logger, cleanup := bootstrap("serve", args)
	defer cleanup()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	watchConfig(ctx, cfg, logger)

	c := openComponents(ctx, cfg, logger)
	defer c.Close()

	audit.SetDB(c.store.DB())
	go audit.Watch(ctx, c.bus)

	c.setupQueue(ctx)

	disp := dispatch.New(dispatch.Config{
		Store:     c.store,
		Publisher: c.queue,
		Queue:     c.queueDef,
		Bus:       c.bus,
		Logger:    logger,
		Metrics:   c.metrics,
		Tracer:    c.otel.Tracer,
	})

	gw := gateway.New(gateway.Config{
		Store:             c.store,
		Dispatcher:        disp,
		Streams:           c.streams,
		Bus:               c.bus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowedOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		HealthChecks:      c.healthChecks(),
		PollInterval:      cfg.Stream.PollInterval(),
		StreamTimeout:     cfg.Stream.Timeout(),
		ReadBatch:         cfg.Stream.ReadBatch,
		Block:             time.Duration(cfg.Stream.BlockMs) * time.Millisecond,
		Logger:            logger,
		Metrics:           c.metrics,
		Tracer:            c.otel.Tracer,
	})
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	sched, err := cron.NewScheduler(cron.Config{
		Store:    c.store,
		Purger:   c.purger(),
		Schedule: cfg.Retention.Schedule,
		Policy:   c.retentionPolicy(),
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "retention_scheduled", "schedule", cfg.Retention.Schedule)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			return rc.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let background enqueues settle before the
	// broker and store close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout(cfg.DrainTimeoutSeconds))
	defer cancelDrain()
	if err := disp.Drain(drainCtx); err != nil {
		logger.Warn("enqueue drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func drainTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(seconds) * time.Second
}
