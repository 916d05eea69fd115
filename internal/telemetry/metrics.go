package telemetry

import "fmt"

// Metric names one per-turn measurement.
type Metric string

const (
	TokensIn                 Metric = "tokens_in"
	TokensOut                Metric = "tokens_out"
	ContextSize              Metric = "context_size"
	LLMLatencySeconds        Metric = "llm_latency_seconds"
	FirstChunkLatencySeconds Metric = "first_chunk_latency_seconds"
	Retries                  Metric = "retries"
	MemoryRetrievals         Metric = "memory_retrievals"
	ToolCalls                Metric = "tool_calls"
)

// Metrics lists every recorded metric in report order.
var Metrics = []Metric{
	TokensIn,
	TokensOut,
	ContextSize,
	LLMLatencySeconds,
	FirstChunkLatencySeconds,
	Retries,
	MemoryRetrievals,
	ToolCalls,
}

func ParseMetric(name string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric: %q", name)
}

// TurnMetrics is the measurement of one agent turn. Treated as an immutable value.
type TurnMetrics struct {
	TokensIn                 int     `json:"tokens_in"`
	TokensOut                int     `json:"tokens_out"`
	ContextSize              int     `json:"context_size"`
	LLMLatencySeconds        float64 `json:"llm_latency_seconds"`
	FirstChunkLatencySeconds float64 `json:"first_chunk_latency_seconds"`
	Retries                  int     `json:"retries"`
	MemoryRetrievals         int     `json:"memory_retrievals"`
	ToolCalls                int     `json:"tool_calls"`
	ProbeFailures            int     `json:"probe_failures"`
	Succeeded                bool    `json:"succeeded"`
	Error                    string  `json:"error,omitempty"`
}

// Value reads one metric as a sample.
func (m TurnMetrics) Value(metric Metric) float64 {
	switch metric {
	case TokensIn:
		return float64(m.TokensIn)
	case TokensOut:
		return float64(m.TokensOut)
	case ContextSize:
		return float64(m.ContextSize)
	case LLMLatencySeconds:
		return m.LLMLatencySeconds
	case FirstChunkLatencySeconds:
		return m.FirstChunkLatencySeconds
	case Retries:
		return float64(m.Retries)
	case MemoryRetrievals:
		return float64(m.MemoryRetrievals)
	case ToolCalls:
		return float64(m.ToolCalls)
	}
	return 0
}

// Tokens is the turn's contribution to the session token budget.
func (m TurnMetrics) Tokens() int {
	return m.TokensIn + m.TokensOut
}
