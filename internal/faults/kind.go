package faults

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Kind names one synthetic fault parameter.
type Kind string

const (
	LLMLatencyMultiplier   Kind = "llm_latency_multiplier"   // >= 1.0
	RateLimitProbability   Kind = "rate_limit_probability"   // [0,1]
	ToolFailureRate        Kind = "tool_failure_rate"        // [0,1]
	PersistenceFailureRate Kind = "persistence_failure_rate" // [0,1]
	MemoryInflationFactor  Kind = "memory_inflation_factor"  // >= 1.0
)

var (
	ErrInvalidFaultValue = errors.New("invalid fault value")
	ErrUnknownFaultKind  = errors.New("unknown fault kind")
)

// InvalidFaultValueError is returned when a value falls outside a kind's range.
type InvalidFaultValueError struct {
	Kind  Kind
	Value float64
}

func (e *InvalidFaultValueError) Error() string {
	return fmt.Sprintf("invalid fault value %v for %s (allowed %s)", e.Value, e.Kind, e.Kind.Range())
}

func (e *InvalidFaultValueError) Unwrap() error { return ErrInvalidFaultValue }

// UnknownFaultKindError is returned for a parameter name that is not a Kind.
type UnknownFaultKindError struct {
	Name string
}

func (e *UnknownFaultKindError) Error() string {
	return fmt.Sprintf("unknown fault kind: %q", e.Name)
}

func (e *UnknownFaultKindError) Unwrap() error { return ErrUnknownFaultKind }

var kinds = map[Kind]bool{
	LLMLatencyMultiplier:   true,
	RateLimitProbability:   true,
	ToolFailureRate:        true,
	PersistenceFailureRate: true,
	MemoryInflationFactor:  true,
}

// Kinds returns every known kind in lexical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind maps a document key onto a Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !kinds[k] {
		return "", &UnknownFaultKindError{Name: name}
	}
	return k, nil
}

func (k Kind) IsMultiplier() bool {
	return k == LLMLatencyMultiplier || k == MemoryInflationFactor
}

// Default is the disabled value of the kind.
func (k Kind) Default() float64 {
	if k.IsMultiplier() {
		return 1.0
	}
	return 0.0
}

func (k Kind) Range() string {
	if k.IsMultiplier() {
		return "[1.0, +inf)"
	}
	return "[0.0, 1.0]"
}

// Validate checks value against the kind's range. NaN and infinities are rejected.
func (k Kind) Validate(value float64) error {
	if !kinds[k] {
		return &UnknownFaultKindError{Name: string(k)}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &InvalidFaultValueError{Kind: k, Value: value}
	}
	if k.IsMultiplier() {
		if value < 1.0 {
			return &InvalidFaultValueError{Kind: k, Value: value}
		}
		return nil
	}
	if value < 0 || value > 1 {
		return &InvalidFaultValueError{Kind: k, Value: value}
	}
	return nil
}
