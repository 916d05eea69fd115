package report

import (
	"fmt"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/experiment"
	"agent-chaos/internal/guardrail"
)

// Evaluate checks every success criterion against the closed phases and sets
// Criteria and Passed. An aborted or crashed experiment never passes.
func Evaluate(r *chaos.ExperimentReport) {
	results := make([]chaos.CriterionResult, 0, len(r.SuccessCriteria))
	passed := !r.Aborted && r.Outcome != chaos.OutcomeCrashed
	for _, c := range r.SuccessCriteria {
		res := evaluate(r, c)
		if !res.Passed {
			passed = false
		}
		results = append(results, res)
	}
	r.Criteria = results
	r.Passed = passed
}

func evaluate(r *chaos.ExperimentReport, c experiment.Criterion) chaos.CriterionResult {
	res := chaos.CriterionResult{
		Key:       c.Key,
		Kind:      string(c.Kind),
		Threshold: c.Threshold,
	}
	atMost := func(v float64) {
		res.Observed = &v
		res.Passed = v <= c.Threshold
		if !res.Passed {
			res.Detail = fmt.Sprintf("%g exceeds %g", v, c.Threshold)
		}
	}

	switch c.Kind {
	case experiment.CriterionRecoveryTurns:
		if r.RecoveryTurns == nil {
			res.Detail = "not recovered"
			return res
		}
		atMost(float64(*r.RecoveryTurns))

	case experiment.CriterionPhaseStat:
		phase, ok := r.Phase(chaos.Phase(c.Phase))
		if !ok || phase.Turns == 0 {
			res.Detail = fmt.Sprintf("phase %s not reached", c.Phase)
			return res
		}
		atMost(phase.Metric(c.Metric).Get(c.Stat))

	case experiment.CriterionFailedTurns:
		phase, ok := r.Phase(chaos.Phase(c.Phase))
		if !ok {
			res.Detail = fmt.Sprintf("phase %s not reached", c.Phase)
			return res
		}
		atMost(float64(phase.FailedTurns))

	case experiment.CriterionDegradation:
		d, ok := r.Degradation.Get(c.Metric, c.Stat)
		if !ok {
			res.Detail = "no baseline and chaos data to compare"
			return res
		}
		atMost(d.Delta)

	case experiment.CriterionGuardrail:
		evaluateGuardrail(r, c, &res)

	default:
		res.Detail = "unsupported criterion"
	}
	return res
}

// evaluateGuardrail passes unless this guardrail aborted the experiment.
func evaluateGuardrail(r *chaos.ExperimentReport, c experiment.Criterion, res *chaos.CriterionResult) {
	reason, _ := guardrail.ReasonFor(c.Guardrail)

	observed := guardrailObserved(r.Guardrails.Counters, c.Guardrail)
	if r.Breach != nil && r.Breach.Reason == reason {
		observed = r.Breach.Value
		res.Observed = &observed
		res.Detail = fmt.Sprintf("aborted by %s", r.Breach.Reason)
		return
	}
	res.Observed = &observed
	res.Passed = true
}

func guardrailObserved(c guardrail.Counters, name string) float64 {
	switch name {
	case guardrail.NameProbeFailures:
		return float64(c.ProbeFailures)
	case guardrail.NameCriticalLatency, guardrail.NameLatencyStreak:
		return float64(c.ConsecutiveCriticalLatencyTurns)
	case guardrail.NameRetriesPerRequest:
		return float64(c.RetryCount)
	case guardrail.NameTokenBudget:
		return float64(c.CumulativeTokens)
	case guardrail.NameSessionDuration:
		return c.SessionElapsedSeconds
	case guardrail.NameConsecutiveFailures:
		return float64(c.ConsecutiveFailures)
	}
	return 0
}
