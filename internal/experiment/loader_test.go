package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agent-chaos/internal/faults"
	"agent-chaos/internal/guardrail"
	"agent-chaos/internal/telemetry"
)

const validDoc = `
id: latency_injection
name: Latency
baseline_turns: 3
chaos_turns: 5
fault_params:
  llm_latency_multiplier: 2.0
success_criteria:
  recovery_turns: 5
  chaos.llm_latency_seconds.p95: 8
conversation_script: ["one", "two"]
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	loader, err := NewLoader(nil)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	return loader
}

func TestParseValidDocument(t *testing.T) {
	spec, err := newTestLoader(t).Parse("latency.yaml", []byte(validDoc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if spec.ID != "latency_injection" || spec.Name != "Latency" {
		t.Errorf("Unexpected identity: %s / %s", spec.ID, spec.Name)
	}
	if spec.Type != "latency_injection" {
		t.Errorf("Expected type to default to id, got %s", spec.Type)
	}
	if spec.BaselineTurns != 3 || spec.ChaosTurns != 5 {
		t.Errorf("Expected 3/5 turns, got %d/%d", spec.BaselineTurns, spec.ChaosTurns)
	}
	if spec.FaultParams[faults.LLMLatencyMultiplier] != 2.0 {
		t.Errorf("Expected latency multiplier 2.0, got %v", spec.FaultParams)
	}
	if len(spec.SuccessCriteria) != 2 {
		t.Fatalf("Expected 2 criteria, got %d", len(spec.SuccessCriteria))
	}
	// criteria are sorted by key
	if spec.SuccessCriteria[0].Kind != CriterionPhaseStat || spec.SuccessCriteria[1].Kind != CriterionRecoveryTurns {
		t.Errorf("Unexpected criteria order: %+v", spec.SuccessCriteria)
	}
	if spec.Prompt(0) != "one" || spec.Prompt(3) != "two" {
		t.Errorf("Expected cyclic prompts, got %s %s", spec.Prompt(0), spec.Prompt(3))
	}
	if spec.RecoveryCeiling(10) != 10 {
		t.Errorf("Expected runner default ceiling, got %d", spec.RecoveryCeiling(10))
	}
}

func TestParseNestedLayout(t *testing.T) {
	doc := `
id: drift
turns: {baseline: 2, chaos: 4, recovery: 6}
faults: {memory_inflation_factor: 1.5}
success_criteria: {guardrail.token_budget: 1000}
`
	spec, err := newTestLoader(t).Parse("drift.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if spec.BaselineTurns != 2 || spec.ChaosTurns != 4 || spec.MaxRecoveryTurns != 6 {
		t.Errorf("Unexpected turns: %+v", spec)
	}
	if spec.Prompt(7) != "hello" {
		t.Errorf("Expected default prompt, got %s", spec.Prompt(7))
	}
	limits := spec.GuardrailLimits(guardrail.DefaultLimits())
	if limits.MaxTokensPerSession != 1000 {
		t.Errorf("Expected token budget override 1000, got %d", limits.MaxTokensPerSession)
	}
}

func TestParseInvalidDocuments(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"empty", "", ""},
		{"malformed yaml", "id: [unclosed", ""},
		{"missing id", "baseline_turns: 1\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {recovery_turns: 3}", ""},
		{"zero baseline", "id: x\nbaseline_turns: 0\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {recovery_turns: 3}", "baseline_turns"},
		{"missing chaos turns", "id: x\nbaseline_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {recovery_turns: 3}", ""},
		{"no fault params", "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {}\nsuccess_criteria: {recovery_turns: 3}", "fault_params"},
		{"empty criteria", "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {}", "success_criteria"},
		{"out of range value", "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1.5}\nsuccess_criteria: {recovery_turns: 3}", "fault_params.tool_failure_rate"},
		{"unknown criterion", "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {vibes: 3}", "success_criteria.vibes"},
		{"unknown field", "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {tool_failure_rate: 1}\nsuccess_criteria: {recovery_turns: 3}\ncolour: red", ""},
	}

	loader := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := loader.Parse("doc.yaml", []byte(tt.doc))
			if spec != nil {
				t.Errorf("Expected no spec for invalid document, got %+v", spec)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Source != "doc.yaml" {
				t.Errorf("Expected source doc.yaml, got %s", verr.Source)
			}
			if tt.field != "" && verr.Field != tt.field {
				t.Errorf("Expected field %s, got %s (%v)", tt.field, verr.Field, verr)
			}
		})
	}
}

func TestParseUnknownFaultKind(t *testing.T) {
	doc := "id: x\nbaseline_turns: 1\nchaos_turns: 1\nfault_params: {cpu_burn: 0.5}\nsuccess_criteria: {recovery_turns: 3}"
	_, err := newTestLoader(t).Parse("doc.yaml", []byte(doc))

	var unknown *faults.UnknownFaultKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownFaultKindError, got %v", err)
	}
	if unknown.Name != "cpu_burn" {
		t.Errorf("Expected cpu_burn, got %s", unknown.Name)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Error("Expected the unknown kind to be reported as a ValidationError")
	}
}

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		key       string
		kind      CriterionKind
		phase     string
		metric    telemetry.Metric
		stat      telemetry.Stat
		guardrail string
		wantErr   bool
	}{
		{key: "recovery_turns", kind: CriterionRecoveryTurns},
		{key: "chaos.llm_latency_seconds.p95", kind: CriterionPhaseStat, phase: PhaseChaos, metric: telemetry.LLMLatencySeconds, stat: telemetry.P95},
		{key: "baseline.context_size.mean", kind: CriterionPhaseStat, phase: PhaseBaseline, metric: telemetry.ContextSize, stat: telemetry.Mean},
		{key: "recovery.failed_turns", kind: CriterionFailedTurns, phase: PhaseRecovery},
		{key: "degradation.retries.p99", kind: CriterionDegradation, metric: telemetry.Retries, stat: telemetry.P99},
		{key: "guardrail.token_budget", kind: CriterionGuardrail, guardrail: guardrail.NameTokenBudget},
		{key: "guardrail.unknown", wantErr: true},
		{key: "chaos.llm_latency_seconds.p42", wantErr: true},
		{key: "chaos.bogus.p95", wantErr: true},
		{key: "aborted.failed_turns", wantErr: true},
		{key: "chaos", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			c, err := ParseCriterion(tt.key, 1)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %s, got %+v", tt.key, c)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.Kind != tt.kind || c.Phase != tt.phase || c.Metric != tt.metric || c.Stat != tt.stat || c.Guardrail != tt.guardrail {
				t.Errorf("Unexpected criterion: %+v", c)
			}
		})
	}

	if _, err := ParseCriterion("recovery_turns", -1); err == nil {
		t.Error("Expected negative recovery_turns threshold to fail")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	write("02_second.yml", strings.Replace(validDoc, "latency_injection", "second", 1))
	write("01_first.yaml", strings.Replace(validDoc, "latency_injection", "first", 1))
	write("README.md", "not an experiment")

	specs, err := newTestLoader(t).LoadDir(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(specs) != 2 || specs[0].ID != "first" || specs[1].ID != "second" {
		t.Fatalf("Expected [first second], got %v", specs)
	}

	write("03_bad.yaml", "id: bad\n")
	specs, err = newTestLoader(t).LoadDir(dir)
	if err == nil || specs != nil {
		t.Fatalf("Expected fail-fast on invalid document, got %v / %v", specs, err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Source != "03_bad.yaml" {
		t.Errorf("Expected ValidationError from 03_bad.yaml, got %v", err)
	}
}

func TestLoadDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(validDoc), 0644); err != nil {
			t.Fatal(err)
		}
	}
	_, err := newTestLoader(t).LoadDir(dir)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "id" {
		t.Errorf("Expected duplicate id error, got %v", err)
	}
}

func TestLoadDirMissing(t *testing.T) {
	_, err := newTestLoader(t).LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestShippedExperiments(t *testing.T) {
	specs, err := newTestLoader(t).LoadDir(filepath.Join("..", "..", "chaos", "experiments"))
	if err != nil {
		t.Fatalf("Shipped experiments failed to load: %v", err)
	}

	expected := []string{
		"latency_injection",
		"rate_limit_simulation",
		"tool_execution_failure",
		"memory_pressure",
		"long_session_drift",
	}
	if len(specs) != len(expected) {
		t.Fatalf("Expected %d experiments, got %d", len(expected), len(specs))
	}
	for i, id := range expected {
		if specs[i].ID != id {
			t.Errorf("Expected experiment %d to be %s, got %s", i, id, specs[i].ID)
		}
	}
}
