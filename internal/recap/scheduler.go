// Package recap provides a periodic scheduler that writes a daily summary
// of completed tasks as a system log entry.
package recap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/acrewood/tangle/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the recap scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	OwnerID  int64
	Schedule string        // 5-field cron expression; defaults to 18:00 daily
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and, when the configured cron
// schedule comes due, appends a recap log counting the tasks completed
// since the previous recap.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	ownerID  int64
	schedule string
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 18 * * *"
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		ownerID:  cfg.OwnerID,
		schedule: schedule,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	now := time.Now()
	next, err := NextRunTime(s.schedule, now)
	if err != nil {
		return fmt.Errorf("parse recap schedule %q: %w", s.schedule, err)
	}
	s.mu.Lock()
	s.nextRun = next
	s.lastRun = now.Add(-24 * time.Hour)
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("recap scheduler started", "schedule", s.schedule, "next_run_at", next)
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("recap scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires the recap when the schedule has come due.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	since := s.lastRun
	s.mu.Unlock()
	if !due {
		return
	}

	if err := s.fire(ctx, since, now); err != nil {
		s.logger.Error("recap: failed to append recap log", "error", err)
		return
	}

	next, err := NextRunTime(s.schedule, now)
	if err != nil {
		s.logger.Error("recap: failed to compute next run time",
			"schedule", s.schedule,
			"error", err,
		)
		return
	}
	s.mu.Lock()
	s.lastRun = now
	s.nextRun = next
	s.mu.Unlock()
	s.logger.Info("recap: fired", "next_run_at", next)
}

// fire counts completions since the previous recap and appends the summary
// as a system log.
func (s *Scheduler) fire(ctx context.Context, since, now time.Time) error {
	count, err := s.store.CompletedSince(ctx, s.ownerID, since)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("Daily recap: %d task(s) completed since %s.",
		count, since.Format("2006-01-02 15:04"))
	_, err = s.store.CreateLog(ctx, s.ownerID, persistence.CreateLogParams{
		Content: content,
		Source:  persistence.LogSourceSystem,
	})
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
