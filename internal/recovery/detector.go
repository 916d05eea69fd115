package recovery

import (
	"fmt"

	"agent-chaos/internal/config"
	"agent-chaos/internal/telemetry"
)

const (
	DefaultConfirmationTurns = 3
	DefaultMaxRecoveryTurns  = 10
)

// Thresholds are the per-metric upper bounds of a healthy turn. A value equal to
// its threshold is still healthy.
type Thresholds struct {
	ContextSize              int     `json:"context_size"`
	LLMLatencySeconds        float64 `json:"llm_latency_seconds"`
	FirstChunkLatencySeconds float64 `json:"first_chunk_latency_seconds"`
	Retries                  int     `json:"retries"`
	MemoryRetrievals         int     `json:"memory_retrievals"`
}

// WarnThresholds decide health during recovery.
func WarnThresholds() Thresholds {
	return Thresholds{
		ContextSize:              8500,
		LLMLatencySeconds:        5.0,
		FirstChunkLatencySeconds: 2.5,
		Retries:                  1,
		MemoryRetrievals:         2,
	}
}

// CriticalThresholds classify a turn as critical in reports and logs.
func CriticalThresholds() Thresholds {
	return Thresholds{
		ContextSize:              12000,
		LLMLatencySeconds:        8.0,
		FirstChunkLatencySeconds: 4.5,
		Retries:                  3,
		MemoryRetrievals:         5,
	}
}

func ThresholdsFromConfig(cfg config.RecoveryConfig) Thresholds {
	return Thresholds{
		ContextSize:              cfg.ContextSizeWarn,
		LLMLatencySeconds:        cfg.LLMLatencyWarn,
		FirstChunkLatencySeconds: cfg.FirstChunkLatencyWarn,
		Retries:                  cfg.RetriesWarn,
		MemoryRetrievals:         cfg.MemoryRetrievalsWarn,
	}
}

// Violations lists every metric of m above t. A failed turn is a violation on its own.
func (t Thresholds) Violations(m telemetry.TurnMetrics) []string {
	var out []string
	if !m.Succeeded {
		out = append(out, "turn_failed")
	}
	if m.ContextSize > t.ContextSize {
		out = append(out, fmt.Sprintf("%s=%d>%d", telemetry.ContextSize, m.ContextSize, t.ContextSize))
	}
	if m.LLMLatencySeconds > t.LLMLatencySeconds {
		out = append(out, fmt.Sprintf("%s=%.2f>%.2f", telemetry.LLMLatencySeconds, m.LLMLatencySeconds, t.LLMLatencySeconds))
	}
	if m.FirstChunkLatencySeconds > t.FirstChunkLatencySeconds {
		out = append(out, fmt.Sprintf("%s=%.2f>%.2f", telemetry.FirstChunkLatencySeconds, m.FirstChunkLatencySeconds, t.FirstChunkLatencySeconds))
	}
	if m.Retries > t.Retries {
		out = append(out, fmt.Sprintf("%s=%d>%d", telemetry.Retries, m.Retries, t.Retries))
	}
	if m.MemoryRetrievals > t.MemoryRetrievals {
		out = append(out, fmt.Sprintf("%s=%d>%d", telemetry.MemoryRetrievals, m.MemoryRetrievals, t.MemoryRetrievals))
	}
	return out
}

func (t Thresholds) Healthy(m telemetry.TurnMetrics) bool {
	return len(t.Violations(m)) == 0
}

// Severity is healthy, warning or critical.
func Severity(m telemetry.TurnMetrics) string {
	if len(CriticalThresholds().Violations(m)) > 0 {
		return "critical"
	}
	if len(WarnThresholds().Violations(m)) > 0 {
		return "warning"
	}
	return "healthy"
}

// Detector tracks consecutive healthy turns after chaos ends.
type Detector struct {
	thresholds     Thresholds
	confirmation   int
	maxTurns       int
	observed       int
	streak         int
	firstUnhealthy int // 1-based index of the first unhealthy turn, 0 if none
	recovered      bool
	recoveryTurns  int
}

// NewDetector builds a detector. Non-positive counts fall back to the defaults.
func NewDetector(thresholds Thresholds, confirmationTurns, maxTurns int) *Detector {
	if confirmationTurns <= 0 {
		confirmationTurns = DefaultConfirmationTurns
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxRecoveryTurns
	}
	return &Detector{
		thresholds:   thresholds,
		confirmation: confirmationTurns,
		maxTurns:     maxTurns,
	}
}

// Observe feeds one recovery turn. It returns true exactly on the turn that
// completes the confirmation streak.
func (d *Detector) Observe(m telemetry.TurnMetrics) bool {
	if d.recovered || d.Exhausted() {
		return false
	}
	d.observed++

	if !d.thresholds.Healthy(m) {
		d.streak = 0
		if d.firstUnhealthy == 0 {
			d.firstUnhealthy = d.observed
		}
		return false
	}

	d.streak++
	if d.streak < d.confirmation {
		return false
	}

	d.recovered = true
	d.recoveryTurns = d.observed - d.firstUnhealthy
	return true
}

func (d *Detector) Recovered() bool { return d.recovered }

// RecoveryTurns is valid only once recovery is confirmed.
func (d *Detector) RecoveryTurns() (int, bool) {
	if !d.recovered {
		return 0, false
	}
	return d.recoveryTurns, true
}

// Exhausted reports whether the ceiling was reached without recovery.
func (d *Detector) Exhausted() bool {
	return !d.recovered && d.observed >= d.maxTurns
}

func (d *Detector) Observed() int { return d.observed }

func (d *Detector) Streak() int { return d.streak }

func (d *Detector) MaxTurns() int { return d.maxTurns }

func (d *Detector) Reset() {
	d.observed = 0
	d.streak = 0
	d.firstUnhealthy = 0
	d.recovered = false
	d.recoveryTurns = 0
}
