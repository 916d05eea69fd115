package chaos

import (
	"sync"
	"time"
)

// GlobalMetrics accumulates experiment outcomes across every run of the process.
type GlobalMetrics struct {
	StartTime            time.Time      `json:"start_time"`
	Runs                 int64          `json:"runs"`
	Experiments          int64          `json:"experiments"`
	Completed            int64          `json:"completed"`
	Aborted              int64          `json:"aborted"`
	Crashed              int64          `json:"crashed"`
	Passed               int64          `json:"passed"`
	Turns                int64          `json:"turns"`
	FailedTurns          int64          `json:"failed_turns"`
	ReportWriteErrors    int64          `json:"report_write_errors"`
	AbortReasons         map[string]int `json:"abort_reasons"`
	LastExperimentAt     time.Time      `json:"last_experiment_at,omitempty"`
	AverageRecoveryTurns float64        `json:"average_recovery_turns"`

	recoveredCount  int64
	recoveryTurnSum int64
}

// MetricCollector folds finished experiment reports into GlobalMetrics.
type MetricCollector struct {
	mu      sync.RWMutex
	metrics GlobalMetrics
}

func NewMetricCollector() *MetricCollector {
	return &MetricCollector{
		metrics: GlobalMetrics{
			StartTime:    time.Now(),
			AbortReasons: make(map[string]int),
		},
	}
}

func (mc *MetricCollector) RecordRun() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.Runs++
}

// RecordExperiment folds one report in. writeErr is the exporter's result.
func (mc *MetricCollector) RecordExperiment(report *ExperimentReport, writeErr error) {
	if report == nil {
		return
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := &mc.metrics
	m.Experiments++
	m.LastExperimentAt = report.EndedAt
	switch report.Outcome {
	case OutcomeCompleted:
		m.Completed++
	case OutcomeAborted:
		m.Aborted++
	case OutcomeCrashed:
		m.Crashed++
	}
	if report.AbortReason != nil {
		m.AbortReasons[*report.AbortReason]++
	}
	if report.Passed {
		m.Passed++
	}
	if writeErr != nil {
		m.ReportWriteErrors++
	}

	for _, t := range report.Turns {
		m.Turns++
		if !t.Metrics.Succeeded {
			m.FailedTurns++
		}
	}

	if report.RecoveryTurns != nil {
		m.recoveredCount++
		m.recoveryTurnSum += int64(*report.RecoveryTurns)
		m.AverageRecoveryTurns = float64(m.recoveryTurnSum) / float64(m.recoveredCount)
	}
}

// GetGlobalMetrics returns a copy.
func (mc *MetricCollector) GetGlobalMetrics() GlobalMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := mc.metrics
	out.AbortReasons = make(map[string]int, len(mc.metrics.AbortReasons))
	for k, v := range mc.metrics.AbortReasons {
		out.AbortReasons[k] = v
	}
	return out
}
