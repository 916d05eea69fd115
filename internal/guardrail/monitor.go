package guardrail

import (
	"context"
	"sync"
	"time"

	"agent-chaos/internal/logging"
	"agent-chaos/internal/telemetry"
)

// Counters is the rolling guardrail state of one experiment.
type Counters struct {
	Turns                           int     `json:"turns"`
	ProbeFailures                   int     `json:"probe_failures"`
	ConsecutiveCriticalLatencyTurns int     `json:"consecutive_critical_latency_turns"`
	RetryCount                      int     `json:"retry_count"` // retries of the last request
	TotalRetries                    int     `json:"total_retries"`
	CumulativeTokens                int     `json:"cumulative_tokens"`
	SessionElapsedSeconds           float64 `json:"session_elapsed_seconds"`
	ConsecutiveFailures             int     `json:"consecutive_failures"`
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Counters        Counters `json:"counters"`
	Limits          Limits   `json:"limits"`
	TokensRemaining int      `json:"tokens_remaining"`
	Warnings        []string `json:"warnings,omitempty"`
	Breach          *Breach  `json:"breach,omitempty"`
}

// Monitor evaluates the guardrails once per turn. The first breach is sticky.
type Monitor struct {
	mu       sync.RWMutex
	limits   Limits
	counters Counters
	started  time.Time
	now      func() time.Time
	warned   map[string]bool
	warnings []string
	breach   *Breach
	logger   *logging.Logger
}

func NewMonitor(limits Limits, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Discard()
	}
	if limits.WarnRatio == 0 {
		limits.WarnRatio = DefaultWarnRatio
	}
	return &Monitor{
		limits: limits,
		now:    time.Now,
		warned: make(map[string]bool),
		logger: logger.WithField("component", "kill_switch"),
	}
}

// SetClock replaces the wall clock used for the session duration guardrail.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start marks the beginning of the session.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = m.now()
}

func (m *Monitor) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Observe updates every counter with one turn and returns the first breached
// guardrail in precedence order, or nil.
func (m *Monitor) Observe(metrics telemetry.TurnMetrics) *Breach {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breach != nil {
		return m.breach
	}
	if m.started.IsZero() {
		m.started = m.now()
	}

	c := &m.counters
	c.Turns++
	c.ProbeFailures += metrics.ProbeFailures
	if metrics.LLMLatencySeconds > m.limits.CriticalLatencySeconds {
		c.ConsecutiveCriticalLatencyTurns++
	} else {
		c.ConsecutiveCriticalLatencyTurns = 0
	}
	c.RetryCount = metrics.Retries
	c.TotalRetries += metrics.Retries
	c.CumulativeTokens += metrics.Tokens()
	c.SessionElapsedSeconds = m.now().Sub(m.started).Seconds()
	if metrics.Succeeded {
		c.ConsecutiveFailures = 0
	} else {
		c.ConsecutiveFailures++
	}

	m.checkWarnings()

	if breach := m.evaluate(); breach != nil {
		breach.Turn = c.Turns
		m.breach = breach
		m.logger.GuardrailEvent(context.Background(), breach.Guardrail, "critical", map[string]interface{}{
			"reason": string(breach.Reason),
			"value":  breach.Value,
			"limit":  breach.Limit,
			"turn":   breach.Turn,
		})
		return breach
	}
	return nil
}

func (m *Monitor) evaluate() *Breach {
	c, l := m.counters, m.limits

	if c.ProbeFailures > l.MaxProbeFailures {
		return &Breach{Reason: ReasonProbeFailures, Guardrail: NameProbeFailures,
			Value: float64(c.ProbeFailures), Limit: float64(l.MaxProbeFailures)}
	}
	if c.ConsecutiveCriticalLatencyTurns >= l.LatencyStreakTurns {
		return &Breach{Reason: ReasonLatencyStreak, Guardrail: NameLatencyStreak,
			Value: float64(c.ConsecutiveCriticalLatencyTurns), Limit: float64(l.LatencyStreakTurns)}
	}
	if c.RetryCount > l.MaxRetriesPerRequest {
		return &Breach{Reason: ReasonRetryLimit, Guardrail: NameRetriesPerRequest,
			Value: float64(c.RetryCount), Limit: float64(l.MaxRetriesPerRequest)}
	}
	if c.CumulativeTokens > l.MaxTokensPerSession {
		return &Breach{Reason: ReasonTokenBudget, Guardrail: NameTokenBudget,
			Value: float64(c.CumulativeTokens), Limit: float64(l.MaxTokensPerSession)}
	}
	if c.SessionElapsedSeconds > l.MaxSessionDuration.Seconds() {
		return &Breach{Reason: ReasonSessionDuration, Guardrail: NameSessionDuration,
			Value: c.SessionElapsedSeconds, Limit: l.MaxSessionDuration.Seconds()}
	}
	if c.ConsecutiveFailures > l.MaxConsecutiveFailures {
		return &Breach{Reason: ReasonConsecutiveFailures, Guardrail: NameConsecutiveFailures,
			Value: float64(c.ConsecutiveFailures), Limit: float64(l.MaxConsecutiveFailures)}
	}
	return nil
}

// checkWarnings logs once per guardrail when a budget crosses the warn ratio.
func (m *Monitor) checkWarnings() {
	c, l := m.counters, m.limits

	tokenWarn := float64(l.MaxTokensPerSession) * l.WarnRatio
	if !m.warned[NameTokenBudget] && l.MaxTokensPerSession > 0 && float64(c.CumulativeTokens) >= tokenWarn {
		m.warn(NameTokenBudget, float64(c.CumulativeTokens), float64(l.MaxTokensPerSession))
	}

	durationLimit := l.MaxSessionDuration.Seconds()
	if !m.warned[NameSessionDuration] && durationLimit > 0 && c.SessionElapsedSeconds >= durationLimit*l.WarnRatio {
		m.warn(NameSessionDuration, c.SessionElapsedSeconds, durationLimit)
	}
}

func (m *Monitor) warn(name string, value, limit float64) {
	m.warned[name] = true
	m.warnings = append(m.warnings, name)
	m.logger.GuardrailEvent(context.Background(), name, "warning", map[string]interface{}{
		"value": value,
		"limit": limit,
		"ratio": value / limit,
	})
}

// Breached returns the recorded breach, if any.
func (m *Monitor) Breached() *Breach {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breach
}

// Status returns a snapshot of counters and limits.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	remaining := m.limits.MaxTokensPerSession - m.counters.CumulativeTokens
	if remaining < 0 {
		remaining = 0
	}
	var warnings []string
	if len(m.warnings) > 0 {
		warnings = append(warnings, m.warnings...)
	}
	var breach *Breach
	if m.breach != nil {
		b := *m.breach
		breach = &b
	}
	return Status{
		Counters:        m.counters,
		Limits:          m.limits,
		TokensRemaining: remaining,
		Warnings:        warnings,
		Breach:          breach,
	}
}

// Reset clears counters, warnings and any breach for a new experiment.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = Counters{}
	m.started = time.Time{}
	m.warned = make(map[string]bool)
	m.warnings = nil
	m.breach = nil
}
