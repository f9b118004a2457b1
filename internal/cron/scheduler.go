// Package cron runs the periodic retention sweep that purges finished
// research jobs from the persistence store.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/deep-research/internal/persistence"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@daily" or "@every 6h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Purger is the slice of the store the scheduler needs.
type Purger interface {
	RunRetention(ctx context.Context, jobRetention time.Duration) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store     Purger
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to "@daily"
	Retention time.Duration // non-positive disables purging
	// RunOnStart performs one sweep as soon as Start is called.
	RunOnStart bool
}

// Scheduler fires a retention sweep on a cron schedule.
type Scheduler struct {
	store     Purger
	logger    *slog.Logger
	schedule  cronlib.Schedule
	expr      string
	retention time.Duration
	onStart   bool

	mu     sync.Mutex
	runner *cronlib.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   persistence.RetentionResult
	runs   int
}

// NewScheduler validates the schedule expression and returns a stopped
// scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@daily"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		expr:      expr,
		retention: cfg.Retention,
		onStart:   cfg.RunOnStart,
	}, nil
}

// Start registers the sweep with a cron runner. It returns immediately; the
// runner stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.runner = cronlib.New(cronlib.WithParser(cronParser))
	s.runner.Schedule(s.schedule, cronlib.FuncJob(func() { s.Sweep(s.ctx) }))
	s.runner.Start()

	if s.onStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Sweep(s.ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		<-s.runner.Stop().Done()
	}()
	s.logger.Info("retention scheduler started",
		"schedule", s.expr,
		"retention", s.retention,
		"next_run_at", s.schedule.Next(time.Now()),
	)
}

// Stop cancels the runner and waits for any in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// Sweep runs a single retention pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	res, err := s.store.RunRetention(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.mu.Lock()
	s.last = res
	s.runs++
	s.mu.Unlock()
	if res.PurgedJobs > 0 {
		s.logger.Info("retention sweep purged jobs", "purged_jobs", res.PurgedJobs)
	} else {
		s.logger.Debug("retention sweep found nothing to purge")
	}
}

// Stats returns the number of completed sweeps and the last result.
func (s *Scheduler) Stats() (int, persistence.RetentionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.last
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
