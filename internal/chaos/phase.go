package chaos

import "agent-chaos/internal/experiment"

// Phase is a state of the experiment lifecycle.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseBaseline  Phase = experiment.PhaseBaseline
	PhaseChaos     Phase = experiment.PhaseChaos
	PhaseRecovery  Phase = experiment.PhaseRecovery
	PhaseCompleted Phase = "COMPLETED"
	PhaseAborted   Phase = "ABORTED"
)

var phaseOrder = map[Phase]int{
	PhasePending:   0,
	PhaseBaseline:  1,
	PhaseChaos:     2,
	PhaseRecovery:  3,
	PhaseCompleted: 4,
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// Dispatching reports whether turns are sent to the agent in this phase.
func (p Phase) Dispatching() bool {
	return p == PhaseBaseline || p == PhaseChaos || p == PhaseRecovery
}

// CanTransition allows exactly one step forward, or ABORTED from any
// non-terminal phase.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseAborted {
		return true
	}
	fromIdx, ok := phaseOrder[from]
	if !ok {
		return false
	}
	toIdx, ok := phaseOrder[to]
	return ok && toIdx == fromIdx+1
}

// Outcome is the final classification of one experiment.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCrashed   Outcome = "crashed"
)
