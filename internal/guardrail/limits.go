package guardrail

import (
	"fmt"
	"time"

	"agent-chaos/internal/config"
)

// Named safety constants. A counter exactly at its limit does not breach.
const (
	DefaultMaxProbeFailures       = 3
	DefaultCriticalLatencySeconds = 8.0
	DefaultLatencyStreakTurns     = 5
	DefaultMaxRetriesPerRequest   = 5
	DefaultMaxTokensPerSession    = 50000
	DefaultMaxSessionDuration     = 300 * time.Second
	DefaultMaxConsecutiveFailures = 10
	DefaultWarnRatio              = 0.8
)

// Guardrail names accepted as success-criteria overrides.
const (
	NameProbeFailures       = "probe_failures"
	NameCriticalLatency     = "critical_latency_seconds"
	NameLatencyStreak       = "latency_streak_turns"
	NameRetriesPerRequest   = "retries_per_request"
	NameTokenBudget         = "token_budget"
	NameSessionDuration     = "session_duration_seconds"
	NameConsecutiveFailures = "consecutive_failures"
)

// Reason is the abort reason recorded on a report.
type Reason string

const (
	ReasonProbeFailures       Reason = "probe_failures_exceeded"
	ReasonLatencyStreak       Reason = "latency_streak_exceeded"
	ReasonRetryLimit          Reason = "retry_limit_exceeded"
	ReasonTokenBudget         Reason = "token_budget_exceeded"
	ReasonSessionDuration     Reason = "session_duration_exceeded"
	ReasonConsecutiveFailures Reason = "consecutive_failures_exceeded"
	ReasonCancelled           Reason = "cancelled"
)

var reasonByName = map[string]Reason{
	NameProbeFailures:       ReasonProbeFailures,
	NameCriticalLatency:     ReasonLatencyStreak,
	NameLatencyStreak:       ReasonLatencyStreak,
	NameRetriesPerRequest:   ReasonRetryLimit,
	NameTokenBudget:         ReasonTokenBudget,
	NameSessionDuration:     ReasonSessionDuration,
	NameConsecutiveFailures: ReasonConsecutiveFailures,
}

// ReasonFor maps a guardrail name onto the abort reason it produces.
func ReasonFor(name string) (Reason, bool) {
	r, ok := reasonByName[name]
	return r, ok
}

// Limits is one experiment's guardrail configuration. A counter trips its
// guardrail once it exceeds the limit. The latency streak is the exception: it
// trips when the streak reaches LatencyStreakTurns.
type Limits struct {
	MaxProbeFailures       int           `json:"max_probe_failures"`
	CriticalLatencySeconds float64       `json:"critical_latency_seconds"`
	LatencyStreakTurns     int           `json:"latency_streak_turns"`
	MaxRetriesPerRequest   int           `json:"max_retries_per_request"`
	MaxTokensPerSession    int           `json:"max_tokens_per_session"`
	MaxSessionDuration     time.Duration `json:"max_session_duration"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	WarnRatio              float64       `json:"warn_ratio"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxProbeFailures:       DefaultMaxProbeFailures,
		CriticalLatencySeconds: DefaultCriticalLatencySeconds,
		LatencyStreakTurns:     DefaultLatencyStreakTurns,
		MaxRetriesPerRequest:   DefaultMaxRetriesPerRequest,
		MaxTokensPerSession:    DefaultMaxTokensPerSession,
		MaxSessionDuration:     DefaultMaxSessionDuration,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		WarnRatio:              DefaultWarnRatio,
	}
}

func LimitsFromConfig(cfg config.GuardrailConfig) Limits {
	return Limits{
		MaxProbeFailures:       cfg.MaxProbeFailures,
		CriticalLatencySeconds: cfg.CriticalLatencySeconds,
		LatencyStreakTurns:     cfg.LatencyStreakTurns,
		MaxRetriesPerRequest:   cfg.MaxRetriesPerRequest,
		MaxTokensPerSession:    cfg.MaxTokensPerSession,
		MaxSessionDuration:     cfg.MaxSessionDuration,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		WarnRatio:              cfg.WarnRatio,
	}
}

// Override returns a copy of l with the named guardrail set to value.
func (l Limits) Override(name string, value float64) (Limits, error) {
	if value < 0 {
		return l, fmt.Errorf("guardrail %s cannot be negative: %v", name, value)
	}
	switch name {
	case NameProbeFailures:
		l.MaxProbeFailures = int(value)
	case NameCriticalLatency:
		if value == 0 {
			return l, fmt.Errorf("guardrail %s must be positive", name)
		}
		l.CriticalLatencySeconds = value
	case NameLatencyStreak:
		if value < 1 {
			return l, fmt.Errorf("guardrail %s must be at least 1", name)
		}
		l.LatencyStreakTurns = int(value)
	case NameRetriesPerRequest:
		l.MaxRetriesPerRequest = int(value)
	case NameTokenBudget:
		l.MaxTokensPerSession = int(value)
	case NameSessionDuration:
		l.MaxSessionDuration = time.Duration(value * float64(time.Second))
	case NameConsecutiveFailures:
		l.MaxConsecutiveFailures = int(value)
	default:
		return l, fmt.Errorf("unknown guardrail: %q", name)
	}
	return l, nil
}

// Limit reads the named guardrail as a float.
func (l Limits) Limit(name string) float64 {
	switch name {
	case NameProbeFailures:
		return float64(l.MaxProbeFailures)
	case NameCriticalLatency:
		return l.CriticalLatencySeconds
	case NameLatencyStreak:
		return float64(l.LatencyStreakTurns)
	case NameRetriesPerRequest:
		return float64(l.MaxRetriesPerRequest)
	case NameTokenBudget:
		return float64(l.MaxTokensPerSession)
	case NameSessionDuration:
		return l.MaxSessionDuration.Seconds()
	case NameConsecutiveFailures:
		return float64(l.MaxConsecutiveFailures)
	}
	return 0
}

// Breach describes the guardrail that forced an abort.
type Breach struct {
	Reason    Reason  `json:"reason"`
	Guardrail string  `json:"guardrail"`
	Value     float64 `json:"value"`
	Limit     float64 `json:"limit"`
	Turn      int     `json:"turn"`
}

func (b *Breach) Error() string {
	return fmt.Sprintf("kill switch: %s (%s=%v, limit %v)", b.Reason, b.Guardrail, b.Value, b.Limit)
}
