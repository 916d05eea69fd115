package chaos

import (
	"fmt"
	"time"

	"agent-chaos/internal/experiment"
	"agent-chaos/internal/guardrail"
	"agent-chaos/internal/telemetry"
)

// TurnError is a failed or timed-out turn. It is recorded on the turn, never
// returned from Run.
type TurnError struct {
	Phase    Phase
	Turn     int
	TimedOut bool
	Err      error
}

func (e *TurnError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s turn %d timed out: %v", e.Phase, e.Turn, e.Err)
	}
	return fmt.Sprintf("%s turn %d failed: %v", e.Phase, e.Turn, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

type TurnRecord struct {
	Phase    Phase                 `json:"phase"`
	Turn     int                   `json:"turn"`
	Sequence int                   `json:"sequence"`
	Metrics  telemetry.TurnMetrics `json:"metrics"`
	Severity string                `json:"severity"`
	TimedOut bool                  `json:"timed_out,omitempty"`
	Error    string                `json:"error,omitempty"`
}

type PhaseTransition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Turns  int       `json:"turns"` // turns dispatched before the transition
	Reason string    `json:"reason,omitempty"`
}

type CriterionResult struct {
	Key       string   `json:"key"`
	Kind      string   `json:"kind"`
	Threshold float64  `json:"threshold"`
	Observed  *float64 `json:"observed"`
	Passed    bool     `json:"passed"`
	Detail    string   `json:"detail,omitempty"`
}

// ExperimentReport is built by the executor while the experiment runs and
// completed by the exporter, which evaluates the criteria.
type ExperimentReport struct {
	ExperimentID  string             `json:"experiment_id"`
	Name          string             `json:"name"`
	Type          string             `json:"type"`
	Description   string             `json:"description,omitempty"`
	RunID         string             `json:"run_id,omitempty"`
	Outcome       Outcome            `json:"outcome"`
	FinalPhase    Phase              `json:"final_phase"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	DurationSecs  float64            `json:"duration_seconds"`
	BaselineTurns int                `json:"baseline_turns"`
	ChaosTurns    int                `json:"chaos_turns"`
	RecoveryCeil  int                `json:"max_recovery_turns"`
	FaultParams   map[string]float64 `json:"fault_params"`

	Phases           map[Phase]telemetry.PhaseReport `json:"phases"`
	Degradation      telemetry.Comparison            `json:"degradation"`
	RecoveryResidual telemetry.Comparison            `json:"recovery_residual,omitempty"`
	RecoveryTurns    *int                            `json:"recovery_turns"`
	Recovered        bool                            `json:"recovered"`

	Aborted     bool              `json:"aborted"`
	AbortReason *string           `json:"abort_reason"`
	Breach      *guardrail.Breach `json:"breach,omitempty"`
	Guardrails  guardrail.Status  `json:"guardrails"`

	Transitions []PhaseTransition `json:"transitions"`
	Turns       []TurnRecord      `json:"turns"`

	Criteria []CriterionResult `json:"criteria"`
	Passed   bool              `json:"passed"`
	Error    string            `json:"error,omitempty"`

	SuccessCriteria []experiment.Criterion `json:"-"`
}

func newReport(spec *experiment.Spec, recoveryCeiling int, started time.Time) *ExperimentReport {
	params := make(map[string]float64, len(spec.FaultParams))
	for k, v := range spec.FaultParams {
		params[string(k)] = v
	}
	return &ExperimentReport{
		ExperimentID:    spec.ID,
		Name:            spec.Name,
		Type:            spec.Type,
		Description:     spec.Description,
		FinalPhase:      PhasePending,
		StartedAt:       started,
		BaselineTurns:   spec.BaselineTurns,
		ChaosTurns:      spec.ChaosTurns,
		RecoveryCeil:    recoveryCeiling,
		FaultParams:     params,
		Phases:          make(map[Phase]telemetry.PhaseReport, 3),
		Transitions:     []PhaseTransition{},
		Turns:           []TurnRecord{},
		SuccessCriteria: spec.SuccessCriteria,
	}
}

// NewCrashReport is the minimal report for an experiment that failed internally.
func NewCrashReport(spec *experiment.Spec, runID string, started time.Time, cause string) *ExperimentReport {
	r := newReport(spec, spec.MaxRecoveryTurns, started)
	r.RunID = runID
	r.Outcome = OutcomeCrashed
	r.FinalPhase = PhaseAborted
	r.Aborted = true
	reason := "internal_error"
	r.AbortReason = &reason
	r.Error = cause
	r.EndedAt = time.Now()
	r.DurationSecs = r.EndedAt.Sub(started).Seconds()
	return r
}

// NewSkippedReport records an experiment that never started because its run
// was cancelled first. It counts as aborted with reason cancelled.
func NewSkippedReport(spec *experiment.Spec, runID string, at time.Time) *ExperimentReport {
	r := newReport(spec, spec.MaxRecoveryTurns, at)
	r.RunID = runID
	r.Outcome = OutcomeAborted
	r.Aborted = true
	reason := string(ReasonCancelled)
	r.AbortReason = &reason
	r.Error = "run cancelled before the experiment started"
	r.EndedAt = at
	return r
}

// Phase returns the closed report of p, if any.
func (r *ExperimentReport) Phase(p Phase) (telemetry.PhaseReport, bool) {
	pr, ok := r.Phases[p]
	return pr, ok
}

// FailedTurns counts failed turns of one phase.
func (r *ExperimentReport) FailedTurns(p Phase) int {
	return r.Phases[p].FailedTurns
}

// PhaseOrder lists the phases the experiment passed through, in order.
func (r *ExperimentReport) PhaseOrder() []Phase {
	out := make([]Phase, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		out = append(out, t.To)
	}
	return out
}

// finalize derives degradation figures from the closed phases.
func (r *ExperimentReport) finalize(ended time.Time, status guardrail.Status) {
	r.EndedAt = ended
	r.DurationSecs = ended.Sub(r.StartedAt).Seconds()
	r.Guardrails = status

	baseline, hasBaseline := r.Phases[PhaseBaseline]
	if chaos, ok := r.Phases[PhaseChaos]; ok && hasBaseline {
		r.Degradation = telemetry.Compare(baseline, chaos)
	} else {
		r.Degradation = telemetry.Comparison{}
	}
	if rec, ok := r.Phases[PhaseRecovery]; ok && hasBaseline {
		r.RecoveryResidual = telemetry.Compare(baseline, rec)
	}
}
