// Package retention clears accumulated monitor events on a cron schedule.
// Clearing resets the counts used for threshold alerting, so the schedule
// also bounds how long a repeated event type counts toward an alert.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Clearer drops accumulated events and reports how many were removed.
// *monitor.Monitor satisfies it.
type Clearer interface {
	ClearEvents() int
}

// parser accepts standard five-field expressions and descriptors such as
// "@daily" or "@every 1h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler runs the clearing job.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	target   Clearer
	metrics  *Metrics
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a scheduler for expr. metrics may be nil.
func New(expr string, target Clearer, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("retention target is required")
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheduler{
		expr:     expr,
		schedule: sched,
		target:   target,
		metrics:  metrics,
		logger:   logger,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.RunOnce() }))
	return s, nil
}

// Start begins the schedule. The returned function stops it and waits for a
// running job to finish. Cancelling ctx stops it as well.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.cron.Start()
	s.logger.InfoContext(ctx, "retention scheduler started",
		slog.String("schedule", s.expr),
		slog.Time("next_run", s.NextAfter(time.Now())),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("retention scheduler stopped")
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce clears the target immediately and returns the number of events
// removed.
func (s *Scheduler) RunOnce() int {
	start := time.Now()
	n := s.target.ClearEvents()
	if s.metrics != nil {
		s.metrics.Runs.Inc()
		s.metrics.EventsCleared.Add(float64(n))
		s.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("monitor events cleared", slog.Int("cleared", n))
	return n
}

// NextAfter returns the first scheduled run after t.
func (s *Scheduler) NextAfter(t time.Time) time.Time {
	return s.schedule.Next(t)
}
