// Package cron runs the periodic maintenance jobs: expiring abandoned
// dialogs and purging completed tasks past the retention window.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/dialog"
	"github.com/basket/taskdeck/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// defaultRetentionExpr runs the purge nightly at 03:00.
const defaultRetentionExpr = "0 3 * * *"

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store  *persistence.Store
	States *dialog.StateStore
	Bus    *bus.Bus
	Logger *slog.Logger

	// DialogTTL is how long an untouched pending dialog survives.
	DialogTTL time.Duration
	// RetentionDays is how long completed tasks are kept; 0 disables purging.
	RetentionDays int
	// SweepInterval is the tick interval; defaults to 1 minute if zero.
	SweepInterval time.Duration
	// RetentionExpr overrides the purge schedule; defaults to nightly.
	RetentionExpr string
}

// Scheduler ticks at a fixed interval, sweeping stale dialogs every tick and
// firing the retention purge when its cron schedule comes due.
type Scheduler struct {
	store         *persistence.Store
	states        *dialog.StateStore
	events        *bus.Bus
	logger        *slog.Logger
	dialogTTL     time.Duration
	retentionDays int
	interval      time.Duration
	retentionExpr string

	nextPurge time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.RetentionExpr
	if expr == "" {
		expr = defaultRetentionExpr
	}
	return &Scheduler{
		store:         cfg.Store,
		states:        cfg.States,
		events:        cfg.Bus,
		logger:        logger,
		dialogTTL:     cfg.DialogTTL,
		retentionDays: cfg.RetentionDays,
		interval:      interval,
		retentionExpr: expr,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if next, err := NextRunTime(s.retentionExpr, time.Now()); err == nil {
		s.nextPurge = next
	} else {
		s.logger.Error("invalid retention schedule, purging disabled", "expr", s.retentionExpr, "error", err)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "dialog_ttl", s.dialogTTL)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
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

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.sweepDialogs()
	if s.retentionDays > 0 && !s.nextPurge.IsZero() && !now.Before(s.nextPurge) {
		s.purgeCompleted(ctx, now)
		if next, err := NextRunTime(s.retentionExpr, now); err == nil {
			s.nextPurge = next
		}
	}
}

// sweepDialogs clears pending dialogs idle past the TTL so an abandoned
// prompt does not pin the user's slot forever.
func (s *Scheduler) sweepDialogs() {
	if s.dialogTTL <= 0 {
		return
	}
	expired := s.states.ExpireIdle(s.dialogTTL)
	for _, key := range expired {
		s.logger.Info("expired stale dialog", "platform", key.Platform, "user_id", key.UserID)
		if s.events != nil {
			s.events.Publish(bus.TopicDialogExpired, bus.AccountEvent{
				Platform:   key.Platform,
				PlatformID: key.UserID,
			})
		}
	}
}

func (s *Scheduler) purgeCompleted(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	purged, err := s.store.PurgeCompletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("retention purge", "purged", purged, "cutoff", cutoff)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
