package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/monitoring"
)

const (
	fileTimeLayout = "20060102_150405"
	fileSink       = "file"
	runIDPrefixLen = 8
)

// WriteError is returned when the report file could not be written after the retry.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write report %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Sink receives every serialized report after the file has been written.
// Sink failures are logged and counted, never returned.
type Sink interface {
	Name() string
	Store(ctx context.Context, report *chaos.ExperimentReport, data []byte) error
}

// FileName is the report artifact name for one experiment:
// <id>_<YYYYMMDD_HHMMSS>.json, plus _<run id prefix> when the report belongs
// to a run. Experiment ids are unique within a run, so two runs finishing the
// same experiment in the same second write different files.
func FileName(experimentID, runID string, at time.Time) string {
	if runID == "" {
		return fmt.Sprintf("%s_%s.json", experimentID, at.Format(fileTimeLayout))
	}
	if len(runID) > runIDPrefixLen {
		runID = runID[:runIDPrefixLen]
	}
	return fmt.Sprintf("%s_%s_%s.json", experimentID, at.Format(fileTimeLayout), runID)
}

// Exporter evaluates, serializes and persists experiment reports.
type Exporter struct {
	dir        string
	sinks      []Sink
	logger     *logging.Logger
	metrics    *monitoring.Metrics
	now        func() time.Time
	retryDelay time.Duration
	writeFile  func(path string, data []byte) error
}

type Option func(*Exporter)

func WithSinks(sinks ...Sink) Option {
	return func(e *Exporter) { e.sinks = append(e.sinks, sinks...) }
}

func WithMetrics(m *monitoring.Metrics) Option { return func(e *Exporter) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Exporter) { e.now = now } }

func NewExporter(dir string, logger *logging.Logger, opts ...Option) *Exporter {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Exporter{
		dir:        dir,
		logger:     logger.WithField("component", "exporter"),
		now:        time.Now,
		retryDelay: 100 * time.Millisecond,
		writeFile:  writeFile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Write evaluates the criteria, writes the FileName artifact to the reports
// directory and fans out to the sinks. The report is left complete in memory
// whatever happens to the write.
func (e *Exporter) Write(ctx context.Context, r *chaos.ExperimentReport) (string, error) {
	Evaluate(r)

	path := filepath.Join(e.dir, FileName(r.ExperimentID, r.RunID, e.now()))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		werr := &WriteError{Path: path, Err: fmt.Errorf("encode report: %w", err)}
		e.metrics.RecordReportWrite(fileSink, werr)
		return "", werr
	}

	if err := e.writeWithRetry(ctx, path, data); err != nil {
		werr := &WriteError{Path: path, Err: err}
		e.metrics.RecordReportWrite(fileSink, werr)
		e.logger.ErrorContext(ctx, "Report write failed", "experiment_id", r.ExperimentID, "path", path, "error", err)
		e.fanOut(ctx, r, data)
		return "", werr
	}
	e.metrics.RecordReportWrite(fileSink, nil)

	e.logger.InfoContext(ctx, "Report written",
		"experiment_id", r.ExperimentID,
		"path", path,
		"outcome", r.Outcome,
		"passed", r.Passed,
	)
	e.fanOut(ctx, r, data)
	return path, nil
}

func (e *Exporter) writeWithRetry(ctx context.Context, path string, data []byte) error {
	err := e.writeFile(path, data)
	if err == nil {
		return nil
	}
	e.logger.WarnContext(ctx, "Report write failed, retrying once", "path", path, "error", err)

	timer := time.NewTimer(e.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		// the retry still runs; a cancelled run must not lose its report
	}
	return e.writeFile(path, data)
}

func (e *Exporter) fanOut(ctx context.Context, r *chaos.ExperimentReport, data []byte) {
	for _, sink := range e.sinks {
		err := sink.Store(ctx, r, data)
		e.metrics.RecordReportWrite(sink.Name(), err)
		if err != nil {
			e.logger.WarnContext(ctx, "Report sink failed", "sink", sink.Name(), "experiment_id", r.ExperimentID, "error", err)
		}
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
