// Package cron runs periodic maintenance jobs on a cron schedule. The
// registrar uses it to evict stale trust records even when no grant or
// authentication triggers a save.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/registrar/internal/clock"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @hourly or @every 10m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type Config struct {
	Name   string
	Spec   string
	Job    Job
	Clock  clock.Clock
	Logger *slog.Logger
	// Interval is how often the schedule is checked; defaults to 1 minute.
	Interval time.Duration
}

// Scheduler fires Job once at start and then whenever the schedule is due.
type Scheduler struct {
	name     string
	schedule cronlib.Schedule
	job      Job
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time
	runs    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the spec and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		name:     cfg.Name,
		schedule: sched,
		job:      cfg.Job,
		clock:    clk,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "job", s.name, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped", "job", s.name)
}

// Runs reports how many times the job has fired.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// NextRun reports when the job is next due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fire(ctx, s.clock.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	if now.Before(s.NextRun()) {
		return
	}
	s.fire(ctx, now)
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	if err := s.job(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", s.name, "error", err)
	}
	next := s.schedule.Next(now)

	s.mu.Lock()
	s.runs++
	s.nextRun = next
	s.mu.Unlock()

	s.logger.Debug("cron: job fired", "job", s.name, "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
