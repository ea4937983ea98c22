// Package housekeeping reclaims space: counters of finished rate windows and
// usage records past their retention. Neither is needed for correctness.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/limiter"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// UsageCleaner deletes usage records older than cutoff.
type UsageCleaner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression in UTC; empty disables
	// the scheduler.
	Schedule      string
	RetentionDays int // 0 keeps usage records forever
	DeleteBatch   int
	RunTimeout    time.Duration
}

// Report summarizes one housekeeping run.
type Report struct {
	WindowsSwept   int64
	RecordsDeleted int64
	Cutoff         time.Time
}

type Janitor struct {
	store limiter.Store
	usage UsageCleaner
	clock clock.Clock
	log   *zap.Logger
	cfg   Config

	mu   sync.Mutex
	cron *cron.Cron
}

func New(store limiter.Store, usage UsageCleaner, clk clock.Clock, cfg Config, log *zap.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DeleteBatch <= 0 {
		cfg.DeleteBatch = 5000
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Janitor{store: store, usage: usage, clock: clk, log: log, cfg: cfg}
}

// RunOnce sweeps stale windows and applies usage retention. Both steps run
// even if the first fails.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	now := j.clock.Now().UTC()
	var rep Report
	var errs []error

	swept, err := j.store.Sweep(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep %s windows: %w", j.store.Name(), err))
	}
	rep.WindowsSwept = swept

	if j.cfg.RetentionDays > 0 && j.usage != nil {
		rep.Cutoff = now.AddDate(0, 0, -j.cfg.RetentionDays)
		deleted, err := j.usage.DeleteOlderThan(ctx, rep.Cutoff, j.cfg.DeleteBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("usage retention: %w", err))
		}
		rep.RecordsDeleted = deleted
	}

	return rep, errors.Join(errs...)
}

// Run schedules RunOnce and blocks until ctx is cancelled, then waits for a
// running job to finish.
func (j *Janitor) Run(ctx context.Context) error {
	if j.cfg.Schedule == "" {
		j.log.Info("housekeeping schedule not configured, skipping scheduler")
		<-ctx.Done()
		return nil
	}

	if _, err := cron.ParseStandard(j.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", j.cfg.Schedule, err)
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}

	j.mu.Lock()
	j.cron = c
	j.mu.Unlock()

	c.Start()
	j.log.Info("housekeeping scheduler started",
		zap.String("schedule", j.cfg.Schedule),
		zap.Int("retention_days", j.cfg.RetentionDays),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	j.log.Info("housekeeping scheduler stopped")
	return nil
}

// NextRun returns the next scheduled run, or nil when not scheduled.
func (j *Janitor) NextRun() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron == nil {
		return nil
	}
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (j *Janitor) runScheduled(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	rep, err := j.RunOnce(ctx)
	if err != nil {
		j.log.Error("housekeeping run failed", zap.Error(err))
	}
	j.log.Info("housekeeping run completed",
		zap.Int64("windows_swept", rep.WindowsSwept),
		zap.Int64("records_deleted", rep.RecordsDeleted),
		zap.Duration("took", time.Since(start)),
	)
}
