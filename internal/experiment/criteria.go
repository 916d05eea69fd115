package experiment

import (
	"fmt"
	"math"
	"strings"

	"agent-chaos/internal/guardrail"
	"agent-chaos/internal/telemetry"
)

// CriterionKind classifies a success_criteria key by its grammar.
type CriterionKind string

const (
	CriterionRecoveryTurns CriterionKind = "recovery_turns" // recovery_turns
	CriterionPhaseStat     CriterionKind = "phase_stat"     // <phase>.<metric>.<stat>
	CriterionFailedTurns   CriterionKind = "failed_turns"   // <phase>.failed_turns
	CriterionDegradation   CriterionKind = "degradation"    // degradation.<metric>.<stat>
	CriterionGuardrail     CriterionKind = "guardrail"      // guardrail.<name>
)

// Criterion is one parsed success_criteria entry. Every kind passes when the
// observed value is at or below Threshold, except guardrails, which pass when
// the experiment was not aborted by that guardrail.
type Criterion struct {
	Key       string           `json:"key"`
	Kind      CriterionKind    `json:"kind"`
	Threshold float64          `json:"threshold"`
	Phase     string           `json:"phase,omitempty"`
	Metric    telemetry.Metric `json:"metric,omitempty"`
	Stat      telemetry.Stat   `json:"stat,omitempty"`
	Guardrail string           `json:"guardrail,omitempty"`
}

var criterionPhases = map[string]string{
	"baseline": PhaseBaseline,
	"chaos":    PhaseChaos,
	"recovery": PhaseRecovery,
}

// ParseCriterion parses a success_criteria key and its threshold.
func ParseCriterion(key string, threshold float64) (Criterion, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return Criterion{}, fmt.Errorf("threshold for %s must be finite", key)
	}

	c := Criterion{Key: key, Threshold: threshold}
	parts := strings.Split(key, ".")

	switch {
	case key == "recovery_turns":
		if threshold < 0 {
			return Criterion{}, fmt.Errorf("recovery_turns threshold cannot be negative")
		}
		c.Kind = CriterionRecoveryTurns
		return c, nil

	case parts[0] == "guardrail" && len(parts) == 2:
		if _, ok := guardrail.ReasonFor(parts[1]); !ok {
			return Criterion{}, fmt.Errorf("unknown guardrail %q", parts[1])
		}
		if _, err := guardrail.DefaultLimits().Override(parts[1], threshold); err != nil {
			return Criterion{}, err
		}
		c.Kind = CriterionGuardrail
		c.Guardrail = parts[1]
		return c, nil

	case parts[0] == "degradation" && len(parts) == 3:
		metric, stat, err := parseMetricStat(parts[1], parts[2])
		if err != nil {
			return Criterion{}, err
		}
		c.Kind = CriterionDegradation
		c.Metric, c.Stat = metric, stat
		return c, nil
	}

	phase, ok := criterionPhases[parts[0]]
	if !ok {
		return Criterion{}, fmt.Errorf("unrecognized criterion %q", key)
	}
	c.Phase = phase

	switch {
	case len(parts) == 2 && parts[1] == "failed_turns":
		c.Kind = CriterionFailedTurns
		return c, nil
	case len(parts) == 3:
		metric, stat, err := parseMetricStat(parts[1], parts[2])
		if err != nil {
			return Criterion{}, err
		}
		c.Kind = CriterionPhaseStat
		c.Metric, c.Stat = metric, stat
		return c, nil
	}
	return Criterion{}, fmt.Errorf("unrecognized criterion %q", key)
}

func parseMetricStat(metric, stat string) (telemetry.Metric, telemetry.Stat, error) {
	m, err := telemetry.ParseMetric(metric)
	if err != nil {
		return "", "", err
	}
	s, err := telemetry.ParseStat(stat)
	if err != nil {
		return "", "", err
	}
	return m, s, nil
}

// GuardrailLimits layers the experiment's guardrail criteria over base.
func (s *Spec) GuardrailLimits(base guardrail.Limits) guardrail.Limits {
	limits := base
	for _, c := range s.Criteria(CriterionGuardrail) {
		// ParseCriterion already rejected overrides that fail here
		if next, err := limits.Override(c.Guardrail, c.Threshold); err == nil {
			limits = next
		}
	}
	return limits
}
