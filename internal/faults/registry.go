package faults

import (
	"sync"
	"time"

	"agent-chaos/internal/logging"
)

// State is the live value of every fault kind plus the experiment that set them.
// Agents receive it by value before each turn.
type State struct {
	Enabled                bool      `json:"enabled"`
	ExperimentID           string    `json:"experiment_id,omitempty"`
	ExperimentType         string    `json:"experiment_type,omitempty"`
	LLMLatencyMultiplier   float64   `json:"llm_latency_multiplier"`
	RateLimitProbability   float64   `json:"rate_limit_probability"`
	ToolFailureRate        float64   `json:"tool_failure_rate"`
	PersistenceFailureRate float64   `json:"persistence_failure_rate"`
	MemoryInflationFactor  float64   `json:"memory_inflation_factor"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// DefaultState returns the all-disabled state.
func DefaultState() State {
	return State{
		LLMLatencyMultiplier:  1.0,
		MemoryInflationFactor: 1.0,
	}
}

// Value reads a single kind.
func (s State) Value(k Kind) float64 {
	switch k {
	case LLMLatencyMultiplier:
		return s.LLMLatencyMultiplier
	case RateLimitProbability:
		return s.RateLimitProbability
	case ToolFailureRate:
		return s.ToolFailureRate
	case PersistenceFailureRate:
		return s.PersistenceFailureRate
	case MemoryInflationFactor:
		return s.MemoryInflationFactor
	}
	return 0
}

func (s *State) set(k Kind, v float64) {
	switch k {
	case LLMLatencyMultiplier:
		s.LLMLatencyMultiplier = v
	case RateLimitProbability:
		s.RateLimitProbability = v
	case ToolFailureRate:
		s.ToolFailureRate = v
	case PersistenceFailureRate:
		s.PersistenceFailureRate = v
	case MemoryInflationFactor:
		s.MemoryInflationFactor = v
	}
}

// IsDefault reports whether every kind is at its disabled value and no experiment owns the state.
func (s State) IsDefault() bool {
	if s.Enabled || s.ExperimentID != "" || s.ExperimentType != "" {
		return false
	}
	for _, k := range Kinds() {
		if s.Value(k) != k.Default() {
			return false
		}
	}
	return true
}

// Values flattens the fault kinds into a map keyed by name.
func (s State) Values() map[string]float64 {
	out := make(map[string]float64, len(kinds))
	for _, k := range Kinds() {
		out[string(k)] = s.Value(k)
	}
	return out
}

// Registry holds the process-wide fault state. One writer (the active executor),
// many readers (agent adapters, the control-plane API).
type Registry struct {
	mu        sync.RWMutex
	state     State
	resets    uint64
	listeners []func(State)
	logger    *logging.Logger
}

func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		state:  DefaultState(),
		logger: logger.WithField("component", "fault_registry"),
	}
}

// Subscribe registers fn to receive every state change. Callbacks run outside the lock.
func (r *Registry) Subscribe(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Set validates and overwrites one kind. An invalid value leaves the state untouched.
func (r *Registry) Set(kind Kind, value float64) error {
	if err := kind.Validate(value); err != nil {
		return err
	}

	r.mu.Lock()
	r.state.set(kind, value)
	r.state.Enabled = true
	r.state.UpdatedAt = time.Now()
	snapshot, listeners := r.state, r.listeners
	r.mu.Unlock()

	r.notify(listeners, snapshot)
	return nil
}

// Apply installs every param for one experiment. All values are validated first,
// so a single bad value writes nothing.
func (r *Registry) Apply(params map[Kind]float64, experimentID, experimentType string) error {
	for k, v := range params {
		if err := k.Validate(v); err != nil {
			return err
		}
	}

	r.mu.Lock()
	next := DefaultState()
	for k, v := range params {
		next.set(k, v)
	}
	next.Enabled = true
	next.ExperimentID = experimentID
	next.ExperimentType = experimentType
	next.UpdatedAt = time.Now()
	r.state = next
	listeners := r.listeners
	r.mu.Unlock()

	r.logger.Warn("CHAOS ENABLED",
		"experiment_id", experimentID,
		"experiment_type", experimentType,
		"faults", next.Values(),
	)
	r.notify(listeners, next)
	return nil
}

// Snapshot returns a copy of the live state.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Reset restores the all-disabled default.
func (r *Registry) Reset() {
	r.mu.Lock()
	previous := r.state.ExperimentID
	r.state = DefaultState()
	r.state.UpdatedAt = time.Now()
	r.resets++
	snapshot, listeners := r.state, r.listeners
	r.mu.Unlock()

	r.logger.Info("Chaos faults cleared", "experiment_id", previous)
	r.notify(listeners, snapshot)
}

// Resets counts Reset calls since construction.
func (r *Registry) Resets() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resets
}

func (r *Registry) notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
