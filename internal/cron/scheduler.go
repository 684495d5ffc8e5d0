// Package cron runs the retention sweep on a cron schedule: old progress
// entries of finished tasks, old status history, expired KV rows, and the
// Redis streams of tasks that finished long ago.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskstream/internal/persistence"
	"github.com/basket/taskstream/internal/streambus"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const purgeBatch = 500

// RetentionStore is the slice of persistence.Store the sweep needs.
type RetentionStore interface {
	RunRetention(ctx context.Context, p persistence.RetentionPolicy) (persistence.RetentionResult, error)
	TerminalTaskIDs(ctx context.Context, completedBefore time.Time, limit int) ([]string, error)
}

type Config struct {
	Store RetentionStore
	// Purger, when set, drops the external streams of tasks past the stream
	// entry age. The sqlite StreamBus needs none; its rows go with RunRetention.
	Purger   streambus.Purger
	Schedule string
	Policy   persistence.RetentionPolicy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Sweep is the outcome of one retention run.
type Sweep struct {
	persistence.RetentionResult
	PurgedStreams int `json:"purged_streams"`
}

// Scheduler fires the retention sweep on its cron schedule. Runs never overlap.
type Scheduler struct {
	store    RetentionStore
	purger   streambus.Purger
	schedule string
	policy   persistence.RetentionPolicy
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
	last *Sweep
}

// NewScheduler validates the schedule expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		purger:   cfg.Purger,
		schedule: cfg.Schedule,
		policy:   cfg.Policy,
		logger:   cfg.Logger.With("component", "cron"),
		now:      cfg.Now,
	}, nil
}

// Start schedules the sweep. Sweeps use ctx and stop being scheduled once
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron: scheduler already started")
	}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("cron: add retention job: %w", err)
	}
	c.Start()
	s.cron = c
	next, _ := NextRunTime(s.schedule, s.now())
	s.logger.InfoContext(ctx, "retention scheduler started", "schedule", s.schedule, "next_run_at", next)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// RunOnce performs one sweep immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (Sweep, error) {
	var sweep Sweep
	res, err := s.store.RunRetention(ctx, s.policy)
	if err != nil {
		return sweep, err
	}
	sweep.RetentionResult = res

	if s.purger != nil && s.policy.StreamEntriesAge > 0 {
		cutoff := s.now().Add(-s.policy.StreamEntriesAge)
		ids, err := s.store.TerminalTaskIDs(ctx, cutoff, purgeBatch)
		if err != nil {
			return sweep, err
		}
		for _, id := range ids {
			if err := s.purger.Purge(ctx, id); err != nil {
				s.logger.WarnContext(ctx, "purge task stream failed", "task_id", id, "error", err)
				continue
			}
			sweep.PurgedStreams++
		}
	}

	s.mu.Lock()
	s.last = &sweep
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "retention sweep complete",
		"stream_entries", sweep.PurgedStreamEntries,
		"task_events", sweep.PurgedTaskEvents,
		"audit_logs", sweep.PurgedAuditLogs,
		"kv", sweep.PurgedKV,
		"streams", sweep.PurgedStreams,
	)
	return sweep, nil
}

// LastSweep returns the most recent sweep result, if any.
func (s *Scheduler) LastSweep() (Sweep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Sweep{}, false
	}
	return *s.last, true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
