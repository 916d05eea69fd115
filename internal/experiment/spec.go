package experiment

import (
	"fmt"
	"sort"

	"agent-chaos/internal/faults"
)

// Phase names as they appear in reports and criteria.
const (
	PhaseBaseline = "BASELINE"
	PhaseChaos    = "CHAOS"
	PhaseRecovery = "RECOVERY"
)

const defaultPrompt = "hello"

// Spec is one validated experiment. Loaders hand it out read-only; nothing in
// this module mutates a Spec after Parse returns.
type Spec struct {
	ID                 string                  `json:"id"`
	Name               string                  `json:"name,omitempty"`
	Type               string                  `json:"type,omitempty"`
	Description        string                  `json:"description,omitempty"`
	BaselineTurns      int                     `json:"baseline_turns"`
	ChaosTurns         int                     `json:"chaos_turns"`
	MaxRecoveryTurns   int                     `json:"max_recovery_turns,omitempty"` // 0 means runner default
	FaultParams        map[faults.Kind]float64 `json:"fault_params"`
	SuccessCriteria    []Criterion             `json:"success_criteria"`
	ConversationScript []string                `json:"conversation_script"`
	Source             string                  `json:"source,omitempty"`
}

// Prompt returns the scripted prompt for a zero-based turn sequence, cycling the script.
func (s *Spec) Prompt(sequence int) string {
	if len(s.ConversationScript) == 0 {
		return defaultPrompt
	}
	if sequence < 0 {
		sequence = 0
	}
	return s.ConversationScript[sequence%len(s.ConversationScript)]
}

// FaultKinds returns the configured kinds in lexical order.
func (s *Spec) FaultKinds() []faults.Kind {
	out := make([]faults.Kind, 0, len(s.FaultParams))
	for k := range s.FaultParams {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Criteria returns the criteria of one kind.
func (s *Spec) Criteria(kind CriterionKind) []Criterion {
	var out []Criterion
	for _, c := range s.SuccessCriteria {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// RecoveryCeiling resolves the per-spec ceiling against a runner default.
func (s *Spec) RecoveryCeiling(fallback int) int {
	if s.MaxRecoveryTurns > 0 {
		return s.MaxRecoveryTurns
	}
	return fallback
}

func (s *Spec) String() string {
	return fmt.Sprintf("%s (baseline=%d chaos=%d faults=%v)", s.ID, s.BaselineTurns, s.ChaosTurns, s.FaultKinds())
}

// ValidationError reports a malformed experiment document.
type ValidationError struct {
	Source string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	where := e.Source
	if where == "" {
		where = "experiment"
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s: %s", where, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", where, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
