package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/logging"
)

// Scheduler triggers a full run of the experiment directory on a cron
// schedule. A tick that lands while a run is still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	runner   *chaos.Runner
	dir      string
	spec     string
	logger   *logging.Logger
}

func NewScheduler(spec string, runner *chaos.Runner, dir string, logger *logging.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Scheduler{
		schedule: schedule,
		runner:   runner,
		dir:      dir,
		spec:     spec,
		logger:   logger.WithField("component", "scheduler"),
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	return s, nil
}

// Start registers the job and starts ticking. Runs it launches stop with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.spec, "next", s.schedule.Next(time.Now()))
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := s.runner.RunDir(ctx, s.dir)
	switch {
	case errors.Is(err, chaos.ErrRunnerBusy):
		s.logger.Info("Scheduled run skipped, runner busy")
	case err != nil && summary == nil:
		s.logger.Error("Scheduled run failed", "error", err)
	case err != nil:
		s.logger.Warn("Scheduled run stopped early", "run_id", summary.RunID, "error", err)
	default:
		s.logger.Info("Scheduled run finished", "run_id", summary.RunID, "failed", summary.Failed())
	}
}

// Stop waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
