// Package cron runs the daemon's periodic housekeeping jobs (heartbeat,
// audit retention) on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 5m" and "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is a scheduled unit of work. The context is cancelled on Stop.
type Job func(ctx context.Context)

type Config struct {
	Logger   *slog.Logger
	Location *time.Location
}

type Scheduler struct {
	logger *slog.Logger
	runner *cronlib.Cron

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	adapter := slogAdapter{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		runner: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.SkipIfStillRunning(adapter), cronlib.Recover(adapter)),
		),
		entries: make(map[string]cronlib.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name. Re-adding a name replaces the previous entry.
func (s *Scheduler) Add(name, spec string, job Job) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[name]; ok {
		s.runner.Remove(prev)
	}
	ctx := s.ctx
	s.entries[name] = s.runner.Schedule(sched, cronlib.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	}))
	s.logger.Info("cron job registered", "job", name, "schedule", spec)
	return nil
}

// Next returns the next activation time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.runner.Entry(id).Next, true
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	s.runner.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.runner.Entries()))
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.runner.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
