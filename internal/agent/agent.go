package agent

import (
	"context"
	"fmt"

	"agent-chaos/internal/config"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/telemetry"
)

// TurnRequest is one conversational turn handed to the agent runtime, together
// with the fault state the runtime must honour for this turn.
type TurnRequest struct {
	ExperimentID string       `json:"experiment_id"`
	Phase        string       `json:"phase"`
	Turn         int          `json:"turn"`     // 1-based within the phase
	Sequence     int          `json:"sequence"` // 0-based across the experiment
	Prompt       string       `json:"prompt"`
	Faults       faults.State `json:"faults"`
}

// TurnExecutor runs one turn and measures it. A returned error marks the turn
// failed; the metrics, if any, are still recorded.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, req TurnRequest) (telemetry.TurnMetrics, error)
}

// TurnExecutorFunc adapts a function to TurnExecutor.
type TurnExecutorFunc func(ctx context.Context, req TurnRequest) (telemetry.TurnMetrics, error)

func (f TurnExecutorFunc) ExecuteTurn(ctx context.Context, req TurnRequest) (telemetry.TurnMetrics, error) {
	return f(ctx, req)
}

// New builds the executor selected by cfg.Mode.
func New(cfg config.AgentConfig, logger *logging.Logger) (TurnExecutor, error) {
	switch cfg.Mode {
	case "", "simulated":
		return NewSimulator(SimulatorConfigFromConfig(cfg), logger), nil
	case "http":
		return NewHTTPClient(cfg.Endpoint, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent mode: %s", cfg.Mode)
	}
}
