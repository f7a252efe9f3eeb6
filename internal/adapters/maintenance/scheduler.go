// Package maintenance runs periodic housekeeping: retiring observed profiles
// older than the retention window, forgetting finished batch jobs and
// reporting correction cache usage.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"soundspeed/internal/core"
)

// DefaultReason is recorded on profiles retired by retention.
const DefaultReason = "retention window elapsed"

// Service is the subset of core.Service the scheduler drives.
type Service interface {
	RetireBefore(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// CacheStats reports correction cache usage. *correction.Engine satisfies it.
type CacheStats interface {
	CacheLen() int
	Computations() int64
}

// JobPruner forgets finished jobs. *batch.Worker satisfies it.
type JobPruner interface {
	Prune(cutoff time.Time) int
}

// Report is the outcome of one maintenance pass.
type Report struct {
	RanAt        time.Time
	Cutoff       time.Time
	Retired      int
	PrunedJobs   int
	CacheEntries int
	Computations int64
	Err          error
}

// Config schedules the pass. Retention of zero disables retirement;
// JobRetention of zero keeps finished jobs forever.
type Config struct {
	Schedule     string
	Retention    time.Duration
	JobRetention time.Duration
	Reason       string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(c core.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l core.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCacheStats adds cache usage to each report.
func WithCacheStats(c CacheStats) Option {
	return func(s *Scheduler) { s.cache = c }
}

// WithJobPruner drops finished jobs older than Config.JobRetention on each
// pass.
func WithJobPruner(p JobPruner) Option {
	return func(s *Scheduler) { s.jobs = p }
}

// Scheduler owns a cron runner with a single maintenance entry.
type Scheduler struct {
	svc    Service
	cfg    Config
	cache  CacheStats
	jobs   JobPruner
	clock  core.Clock
	logger core.Logger

	cron *cron.Cron

	mu      sync.Mutex
	last    Report
	hasLast bool
	runs    int
}

// New validates the schedule and builds a stopped scheduler.
func New(svc Service, cfg Config, opts ...Option) (*Scheduler, error) {
	if svc == nil {
		return nil, errors.New("maintenance: nil service")
	}
	if cfg.Retention < 0 || cfg.JobRetention < 0 {
		return nil, fmt.Errorf("maintenance: negative retention %s/%s", cfg.Retention, cfg.JobRetention)
	}
	if cfg.Reason == "" {
		cfg.Reason = DefaultReason
	}
	s := &Scheduler{
		svc:    svc,
		cfg:    cfg,
		clock:  core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger: core.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started", "schedule", s.cfg.Schedule, "retention", s.cfg.Retention.String())
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports when the schedule fires next; zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs one pass immediately.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	now := s.clock.Now()
	rep := Report{RanAt: now}
	if s.cfg.Retention > 0 {
		rep.Cutoff = now.Add(-s.cfg.Retention)
		n, err := s.svc.RetireBefore(ctx, rep.Cutoff, s.cfg.Reason)
		rep.Retired, rep.Err = n, err
		if err != nil {
			s.logger.Error("retention pass failed", "cutoff", rep.Cutoff, "retired", n, "error", err)
		}
	}
	if s.jobs != nil && s.cfg.JobRetention > 0 {
		rep.PrunedJobs = s.jobs.Prune(now.Add(-s.cfg.JobRetention))
	}
	if s.cache != nil {
		rep.CacheEntries = s.cache.CacheLen()
		rep.Computations = s.cache.Computations()
	}
	s.logger.Info("maintenance pass",
		"retired", rep.Retired, "pruned_jobs", rep.PrunedJobs, "cache_entries", rep.CacheEntries, "computations", rep.Computations)
	s.mu.Lock()
	s.last, s.hasLast = rep, true
	s.runs++
	s.mu.Unlock()
	return rep
}

// Last returns the most recent report.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Runs counts completed passes.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct{ l core.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
