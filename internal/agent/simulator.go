package agent

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"agent-chaos/internal/config"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/telemetry"
)

var (
	ErrRateLimited   = errors.New("llm provider rate limited")
	ErrToolExecution = errors.New("tool execution failed")
)

// SimulatorConfig shapes the synthetic agent.
type SimulatorConfig struct {
	Seed                 int64
	BaseLatencySeconds   float64
	FirstChunkRatio      float64
	JitterRatio          float64
	TokensInPerTurn      int
	TokensOutPerTurn     int
	BaseContextSize      int
	ContextGrowthPerTurn int
	MaxRetryAttempts     int
	RetryBackoffSeconds  float64
	SimulateWallClock    bool
}

func SimulatorConfigFromConfig(cfg config.AgentConfig) SimulatorConfig {
	return SimulatorConfig{
		Seed:                 cfg.Seed,
		BaseLatencySeconds:   cfg.BaseLatencySeconds,
		FirstChunkRatio:      cfg.FirstChunkRatio,
		JitterRatio:          cfg.JitterRatio,
		TokensInPerTurn:      cfg.TokensInPerTurn,
		TokensOutPerTurn:     cfg.TokensOutPerTurn,
		BaseContextSize:      cfg.BaseContextSize,
		ContextGrowthPerTurn: cfg.ContextGrowthPerTurn,
		MaxRetryAttempts:     cfg.MaxRetryAttempts,
		RetryBackoffSeconds:  cfg.RetryBackoffSeconds,
		SimulateWallClock:    cfg.SimulateWallClock,
	}
}

// Simulator is a deterministic stand-in for the agent runtime. It realizes the
// fault state of each request synthetically: the same seed, experiment and
// sequence always yield the same measurement.
type Simulator struct {
	config SimulatorConfig
	logger *logging.Logger
}

func NewSimulator(cfg SimulatorConfig, logger *logging.Logger) *Simulator {
	if logger == nil {
		logger = logging.Discard()
	}

	defaults := SimulatorConfigFromConfig(config.DefaultConfig().Agent)
	if cfg.BaseLatencySeconds <= 0 {
		cfg.BaseLatencySeconds = defaults.BaseLatencySeconds
	}
	if cfg.FirstChunkRatio <= 0 || cfg.FirstChunkRatio > 1 {
		cfg.FirstChunkRatio = defaults.FirstChunkRatio
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if cfg.TokensInPerTurn <= 0 {
		cfg.TokensInPerTurn = defaults.TokensInPerTurn
	}
	if cfg.TokensOutPerTurn <= 0 {
		cfg.TokensOutPerTurn = defaults.TokensOutPerTurn
	}
	if cfg.BaseContextSize <= 0 {
		cfg.BaseContextSize = defaults.BaseContextSize
	}
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}

	return &Simulator{
		config: cfg,
		logger: logger.WithField("component", "agent_simulator"),
	}
}

func (s *Simulator) rng(req TurnRequest) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(req.ExperimentID))
	seed := s.config.Seed ^ int64(h.Sum64()) ^ int64(req.Sequence)*7919
	return rand.New(rand.NewSource(seed))
}

// ExecuteTurn produces the metrics of one synthetic turn.
func (s *Simulator) ExecuteTurn(ctx context.Context, req TurnRequest) (telemetry.TurnMetrics, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.TurnMetrics{}, err
	}

	cfg := s.config
	f := req.Faults
	rng := s.rng(req)

	latencyMultiplier := math.Max(f.LLMLatencyMultiplier, 1)
	inflation := math.Max(f.MemoryInflationFactor, 1)

	jitter := 1 + cfg.JitterRatio*(2*rng.Float64()-1)
	latency := cfg.BaseLatencySeconds * jitter * latencyMultiplier
	firstChunk := latency * cfg.FirstChunkRatio

	contextSize := float64(cfg.BaseContextSize+cfg.ContextGrowthPerTurn*req.Sequence) * inflation
	m := telemetry.TurnMetrics{
		TokensIn:                 int(float64(cfg.TokensInPerTurn) * inflation),
		TokensOut:                cfg.TokensOutPerTurn,
		ContextSize:              int(contextSize),
		MemoryRetrievals:         int(math.Ceil(inflation)),
		FirstChunkLatencySeconds: firstChunk,
		Succeeded:                true,
	}

	// every attempt may be rate limited; each limited attempt costs a retry and a backoff
	var turnErr error
	for attempt := 0; attempt <= cfg.MaxRetryAttempts; attempt++ {
		if rng.Float64() >= f.RateLimitProbability {
			turnErr = nil
			break
		}
		turnErr = ErrRateLimited
		if attempt < cfg.MaxRetryAttempts {
			m.Retries++
			latency += cfg.RetryBackoffSeconds * math.Pow(2, float64(attempt))
		}
	}

	if turnErr == nil && rng.Float64() < f.ToolFailureRate {
		m.ToolCalls = 1
		turnErr = ErrToolExecution
	} else if turnErr == nil {
		m.ToolCalls = rng.Intn(2)
	}

	// persistence failures are retried in the background and never fail the turn
	if rng.Float64() < f.PersistenceFailureRate {
		m.Retries++
	}

	m.LLMLatencySeconds = latency
	if s.config.SimulateWallClock {
		timer := time.NewTimer(time.Duration(latency * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return m, ctx.Err()
		case <-timer.C:
		}
	}

	if turnErr != nil {
		m.Succeeded = false
		m.Error = turnErr.Error()
		s.logger.Debug("Simulated turn failed", "experiment_id", req.ExperimentID, "phase", req.Phase, "turn", req.Turn, "error", turnErr)
		return m, turnErr
	}
	return m, nil
}
