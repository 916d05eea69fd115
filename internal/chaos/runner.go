package chaos

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-chaos/internal/experiment"
	"agent-chaos/internal/logging"
)

var ErrRunnerBusy = errors.New("runner is already executing experiments")

// ReportWriter persists one finished report and returns where it went.
type ReportWriter interface {
	Write(ctx context.Context, report *ExperimentReport) (string, error)
}

// ExperimentResult is one experiment's entry in a RunSummary.
type ExperimentResult struct {
	ExperimentID string            `json:"experiment_id"`
	Outcome      Outcome           `json:"outcome"`
	Passed       bool              `json:"passed"`
	AbortReason  string            `json:"abort_reason,omitempty"`
	ReportPath   string            `json:"report_path,omitempty"`
	WriteError   string            `json:"write_error,omitempty"`
	Error        string            `json:"error,omitempty"`
	Report       *ExperimentReport `json:"-"`
}

// RunSummary describes one RunAll invocation.
type RunSummary struct {
	RunID         string             `json:"run_id"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	Total         int                `json:"total"`
	Completed     int                `json:"completed"`
	Aborted       int                `json:"aborted"`
	Crashed       int                `json:"crashed"`
	Passed        int                `json:"passed"`
	WriteFailures int                `json:"write_failures"`
	Skipped       int                `json:"skipped"`
	Results       []ExperimentResult `json:"results"`
}

// Failed reports whether the run hit an internal error: a crash or a report
// that could not be persisted. Kill-switch aborts are not failures.
func (s *RunSummary) Failed() bool {
	return s.Crashed > 0 || s.WriteFailures > 0
}

type RunnerStatus struct {
	Running bool          `json:"running"`
	RunID   string        `json:"run_id,omitempty"`
	Current *Progress     `json:"current,omitempty"`
	Last    *RunSummary   `json:"last_run,omitempty"`
	Totals  GlobalMetrics `json:"totals"`
}

// Runner executes experiments strictly one after another.
type Runner struct {
	executor  *Executor
	writer    ReportWriter
	loader    *experiment.Loader
	collector *MetricCollector
	logger    *logging.Logger

	mu        sync.RWMutex
	isRunning bool
	runID     string
	last      *RunSummary
}

// NewRunner creates a runner handing every finished report to writer.
func NewRunner(executor *Executor, writer ReportWriter, loader *experiment.Loader, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		executor:  executor,
		writer:    writer,
		loader:    loader,
		collector: NewMetricCollector(),
		logger:    logger.WithField("component", "runner"),
	}
}

func (r *Runner) acquire() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return "", ErrRunnerBusy
	}
	r.isRunning = true
	r.runID = uuid.New().String()
	return r.runID, nil
}

func (r *Runner) release(summary *RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRunning = false
	r.runID = ""
	r.last = summary
}

// WhileIdle runs fn while holding the runner, so no run can start until fn
// returns. It fails with ErrRunnerBusy when a run is in progress. fn must not
// call back into the runner.
func (r *Runner) WhileIdle(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return ErrRunnerBusy
	}
	return fn()
}

// Busy reports whether a run is in progress.
func (r *Runner) Busy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

func (r *Runner) Status() RunnerStatus {
	r.mu.RLock()
	status := RunnerStatus{
		Running: r.isRunning,
		RunID:   r.runID,
		Last:    r.last,
	}
	r.mu.RUnlock()

	if p, ok := r.executor.Progress(); ok {
		status.Current = &p
	}
	status.Totals = r.collector.GetGlobalMetrics()
	return status
}

// RunDir loads every experiment in dir and runs them. A single invalid
// document fails the whole run before any turn is dispatched.
func (r *Runner) RunDir(ctx context.Context, dir string) (*RunSummary, error) {
	specs, err := r.Load(dir)
	if err != nil {
		return nil, err
	}
	return r.RunAll(ctx, specs)
}

// Load validates every experiment document in dir without running anything.
func (r *Runner) Load(dir string) ([]*experiment.Spec, error) {
	if r.loader == nil {
		return nil, errors.New("runner has no experiment loader")
	}
	return r.loader.LoadDir(dir)
}

// Start claims the runner and executes specs in the background. The run id
// is returned once the run is claimed; done, if set, receives the outcome.
func (r *Runner) Start(ctx context.Context, specs []*experiment.Spec, done func(*RunSummary, error)) (string, error) {
	runID, err := r.acquire()
	if err != nil {
		return "", err
	}
	go func() {
		summary, err := r.run(ctx, runID, specs)
		if done != nil {
			done(summary, err)
		}
	}()
	return runID, nil
}

// RunAll executes specs in order. Aborted and crashed experiments are
// recorded and the run moves on; cancellation of ctx stops it. The remaining
// experiments are counted as skipped, not in Total, and each still gets a
// cancelled report.
func (r *Runner) RunAll(ctx context.Context, specs []*experiment.Spec) (*RunSummary, error) {
	runID, err := r.acquire()
	if err != nil {
		return nil, err
	}
	return r.run(ctx, runID, specs)
}

func (r *Runner) run(ctx context.Context, runID string, specs []*experiment.Spec) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     runID,
		StartedAt: time.Now(),
		Results:   make([]ExperimentResult, 0, len(specs)),
	}
	defer func() { r.release(summary) }()

	r.collector.RecordRun()
	ctx = logging.WithRunID(ctx, runID)
	logger := r.logger.WithContext(ctx)
	logger.Info("Starting chaos run", "experiments", len(specs))

	var runErr error
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			runErr = err
			for _, skipped := range specs[i:] {
				res := r.skip(ctx, runID, skipped)
				summary.Skipped++
				summary.Results = append(summary.Results, res)
				if res.WriteError != "" {
					summary.WriteFailures++
				}
			}
			break
		}

		res := r.runOne(ctx, runID, spec)
		summary.Total++
		summary.Results = append(summary.Results, res)
		switch res.Outcome {
		case OutcomeCompleted:
			summary.Completed++
		case OutcomeAborted:
			summary.Aborted++
		case OutcomeCrashed:
			summary.Crashed++
		}
		if res.Passed {
			summary.Passed++
		}
		if res.WriteError != "" {
			summary.WriteFailures++
		}
	}

	summary.EndedAt = time.Now()
	logger.Info("Chaos run finished",
		"total", summary.Total,
		"completed", summary.Completed,
		"aborted", summary.Aborted,
		"crashed", summary.Crashed,
		"passed", summary.Passed,
		"write_failures", summary.WriteFailures,
		"skipped", summary.Skipped,
		"duration_seconds", summary.EndedAt.Sub(summary.StartedAt).Seconds(),
	)
	return summary, runErr
}

// skip writes the cancelled report of an experiment the run never reached.
func (r *Runner) skip(ctx context.Context, runID string, spec *experiment.Spec) ExperimentResult {
	report := NewSkippedReport(spec, runID, time.Now())
	res := ExperimentResult{
		ExperimentID: spec.ID,
		Outcome:      report.Outcome,
		AbortReason:  *report.AbortReason,
		Error:        report.Error,
		Report:       report,
	}
	if r.writer != nil {
		path, err := r.writer.Write(ctx, report)
		res.ReportPath = path
		if err != nil {
			res.WriteError = err.Error()
			r.logger.WithContext(ctx).Error("Report write failed for skipped experiment",
				"experiment_id", spec.ID, "error", err)
		}
	}
	return res
}

// runOne isolates one experiment: a panic or internal error becomes a
// crashed outcome with a minimal report instead of ending the run.
func (r *Runner) runOne(ctx context.Context, runID string, spec *experiment.Spec) (res ExperimentResult) {
	started := time.Now()
	res.ExperimentID = spec.ID

	var report *ExperimentReport
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.WithContext(ctx).Error("Experiment crashed",
					"experiment_id", spec.ID,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
				report = NewCrashReport(spec, runID, started, fmt.Sprintf("panic: %v", p))
			}
		}()

		var err error
		report, err = r.executor.Run(ctx, spec)
		switch {
		case err == nil:
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// cancellation is an abort and already recorded on the report
		default:
			r.logger.WithContext(ctx).Error("Experiment failed", "experiment_id", spec.ID, "error", err)
			if report == nil {
				report = NewCrashReport(spec, runID, started, err.Error())
			} else {
				report.Outcome = OutcomeCrashed
				report.Error = err.Error()
			}
		}
	}()

	report.RunID = runID
	res.Report = report
	res.Outcome = report.Outcome
	res.Error = report.Error
	if report.AbortReason != nil {
		res.AbortReason = *report.AbortReason
	}

	var writeErr error
	if r.writer != nil {
		res.ReportPath, writeErr = r.writer.Write(ctx, report)
		if writeErr != nil {
			res.WriteError = writeErr.Error()
			r.logger.WithContext(ctx).Error("Report write failed, report kept in memory",
				"experiment_id", spec.ID, "error", writeErr)
		}
	}
	res.Passed = report.Passed

	r.collector.RecordExperiment(report, writeErr)
	return res
}
