// Package cron runs periodic maintenance jobs (session workdir sweeps,
// audit retention) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	name     string
	spec     string
	schedule cronlib.Schedule
	run      Job
	next     time.Time
	runs     int
	lastErr  error
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	Runs    int       `json:"runs"`
	LastErr string    `json:"last_error,omitempty"`
}

// Scheduler checks its jobs on every tick and runs the ones that are due.
// Jobs run sequentially on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*entry

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
	return &Scheduler{
		logger:   logger,
		interval: interval,
	}
}

// Add registers job under name. The first run is the first activation of
// spec after now.
func (s *Scheduler) Add(name, spec string, job Job) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron job %s: parse %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.name == name {
			return fmt.Errorf("cron job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, &entry{
		name:     name,
		spec:     spec,
		schedule: sched,
		run:      job,
		next:     sched.Next(time.Now()),
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.Status()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs every job due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !now.Before(e.next) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	err := safeRun(ctx, e.run)

	s.mu.Lock()
	e.runs++
	e.lastErr = err
	e.next = e.schedule.Next(now)
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.name, "error", err)
		return
	}
	s.logger.Info("cron: job completed",
		"job", e.name,
		"duration_ms", time.Since(start).Milliseconds(),
		"next_run_at", next,
	)
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *entry
	for _, e := range s.jobs {
		if e.name == name {
			found = e
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("cron job %s not registered", name)
	}
	return safeRun(ctx, found.run)
}

// Status returns a snapshot of every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobStatus{Name: e.name, Spec: e.spec, NextRun: e.next, Runs: e.runs}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
