package chaos

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agent-chaos/internal/agent"
	"agent-chaos/internal/experiment"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/guardrail"
	"agent-chaos/internal/monitoring"
	"agent-chaos/internal/probe"
	"agent-chaos/internal/telemetry"
	"agent-chaos/internal/testutil"
	"agent-chaos/internal/tracing"
)

func testExecutorConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.TurnTimeout = 2 * time.Second
	cfg.AbortGrace = 100 * time.Millisecond
	return cfg
}

func newTestExecutor(t *testing.T, turns agent.TurnExecutor, opts ...Option) (*Executor, *faults.Registry) {
	t.Helper()
	return newTestExecutorWithConfig(t, testExecutorConfig(), turns, opts...)
}

func newTestExecutorWithConfig(t *testing.T, cfg ExecutorConfig, turns agent.TurnExecutor, opts ...Option) (*Executor, *faults.Registry) {
	t.Helper()
	registry := faults.NewRegistry(nil)
	return NewExecutor(cfg, registry, turns, nil, opts...), registry
}

func newSpec(id string, baseline, chaos int, params map[faults.Kind]float64) *experiment.Spec {
	if params == nil {
		params = map[faults.Kind]float64{}
	}
	return &experiment.Spec{
		ID:            id,
		Name:          id,
		Type:          "test",
		BaselineTurns: baseline,
		ChaosTurns:    chaos,
		FaultParams:   params,
	}
}

func mustCriterion(t *testing.T, key string, threshold float64) experiment.Criterion {
	t.Helper()
	c, err := experiment.ParseCriterion(key, threshold)
	if err != nil {
		t.Fatalf("Failed to parse criterion %s: %v", key, err)
	}
	return c
}

func equalPhases(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lastTransition(r *ExperimentReport) PhaseTransition {
	return r.Transitions[len(r.Transitions)-1]
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePending, PhaseBaseline, true},
		{PhaseBaseline, PhaseChaos, true},
		{PhaseChaos, PhaseRecovery, true},
		{PhaseRecovery, PhaseCompleted, true},
		{PhasePending, PhaseAborted, true},
		{PhaseBaseline, PhaseAborted, true},
		{PhaseChaos, PhaseAborted, true},
		{PhaseRecovery, PhaseAborted, true},
		{PhasePending, PhaseChaos, false},
		{PhaseBaseline, PhaseRecovery, false},
		{PhaseChaos, PhaseBaseline, false},
		{PhaseRecovery, PhaseChaos, false},
		{PhaseCompleted, PhaseAborted, false},
		{PhaseAborted, PhaseBaseline, false},
		{PhaseCompleted, PhaseBaseline, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s): expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestLatencyExperimentCompletes(t *testing.T) {
	a := testutil.NewScriptedAgent()
	e, registry := newTestExecutor(t, a)

	spec := newSpec("latency", 3, 5, map[faults.Kind]float64{faults.LLMLatencyMultiplier: 2.0})
	report, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if report.Outcome != OutcomeCompleted || report.FinalPhase != PhaseCompleted {
		t.Errorf("Expected completed, got %s / %s", report.Outcome, report.FinalPhase)
	}
	want := []Phase{PhaseBaseline, PhaseChaos, PhaseRecovery, PhaseCompleted}
	if !equalPhases(report.PhaseOrder(), want) {
		t.Errorf("Expected phase order %v, got %v", want, report.PhaseOrder())
	}
	if report.Phases[PhaseBaseline].Turns != 3 || report.Phases[PhaseChaos].Turns != 5 {
		t.Errorf("Expected 3 baseline and 5 chaos turns, got %d and %d",
			report.Phases[PhaseBaseline].Turns, report.Phases[PhaseChaos].Turns)
	}
	if a.CallsInPhase("RECOVERY") != 3 {
		t.Errorf("Expected recovery confirmed after 3 turns, got %d", a.CallsInPhase("RECOVERY"))
	}
	if report.RecoveryTurns == nil || *report.RecoveryTurns != 3 || !report.Recovered {
		t.Errorf("Expected recovery_turns 3, got %v", report.RecoveryTurns)
	}
	if lastTransition(report).Reason != "recovered" {
		t.Errorf("Expected completion reason recovered, got %q", lastTransition(report).Reason)
	}

	d, ok := report.Degradation.Get(telemetry.LLMLatencySeconds, telemetry.Mean)
	if !ok || d.Factor == nil || *d.Factor != 2.0 {
		t.Errorf("Expected latency mean factor 2.0, got %+v", d)
	}

	for i, call := range a.Calls() {
		switch call.Phase {
		case "CHAOS":
			if call.Faults.LLMLatencyMultiplier != 2.0 || !call.Faults.Enabled {
				t.Errorf("Call %d: expected active latency fault, got %+v", i, call.Faults)
			}
		default:
			if !call.Faults.IsDefault() {
				t.Errorf("Call %d (%s): expected default faults, got %+v", i, call.Phase, call.Faults)
			}
		}
		if call.Sequence != i {
			t.Errorf("Call %d: expected sequence %d, got %d", i, i, call.Sequence)
		}
	}

	if registry.Resets() != 2 {
		t.Errorf("Expected 2 registry resets, got %d", registry.Resets())
	}
	if !registry.Snapshot().IsDefault() {
		t.Error("Expected default fault state after run")
	}
	if _, running := e.Progress(); running {
		t.Error("Expected no progress after run")
	}
}

func TestToolFailureExperiment(t *testing.T) {
	a := testutil.NewScriptedAgent()
	e, _ := newTestExecutor(t, a)

	spec := newSpec("tools", 3, 2, map[faults.Kind]float64{faults.ToolFailureRate: 1.0})
	report, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if report.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed, got %s (%v)", report.Outcome, report.AbortReason)
	}
	if report.FailedTurns(PhaseChaos) != 2 {
		t.Errorf("Expected 2 failed chaos turns, got %d", report.FailedTurns(PhaseChaos))
	}
	if report.FailedTurns(PhaseBaseline) != 0 {
		t.Errorf("Expected clean baseline, got %d failures", report.FailedTurns(PhaseBaseline))
	}
	if report.RecoveryTurns == nil || *report.RecoveryTurns != 3 {
		t.Errorf("Expected recovery in 3 turns, got %v", report.RecoveryTurns)
	}

	for _, tr := range report.Turns {
		if tr.Phase == PhaseChaos && (tr.Metrics.Succeeded || tr.Error == "") {
			t.Errorf("Expected failed chaos turn with error, got %+v", tr)
		}
	}
}

func TestTokenBudgetAbortsDuringChaos(t *testing.T) {
	heavy := testutil.HealthyMetrics()
	heavy.TokensIn = 2000

	a := testutil.NewScriptedAgent().OnPhase("CHAOS", 5, testutil.Step{Metrics: &heavy})
	e, registry := newTestExecutor(t, a)

	spec := newSpec("tokens", 3, 5, map[faults.Kind]float64{faults.MemoryInflationFactor: 2.0})
	spec.SuccessCriteria = []experiment.Criterion{mustCriterion(t, "guardrail.token_budget", 5000)}

	report, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Kill-switch abort should not be an error, got %v", err)
	}

	if !report.Aborted || report.Outcome != OutcomeAborted || report.FinalPhase != PhaseAborted {
		t.Fatalf("Expected aborted report, got %s / %s", report.Outcome, report.FinalPhase)
	}
	if report.AbortReason == nil || *report.AbortReason != string(guardrail.ReasonTokenBudget) {
		t.Errorf("Expected token_budget_exceeded, got %v", report.AbortReason)
	}
	// 3*650 + 2150 = 4100, the second chaos turn crosses 5000
	if a.CallsInPhase("CHAOS") != 2 {
		t.Errorf("Expected abort on the second chaos turn, got %d chaos turns", a.CallsInPhase("CHAOS"))
	}
	if a.CallsInPhase("RECOVERY") != 0 {
		t.Error("Expected no turns after abort")
	}
	if report.Breach == nil || report.Breach.Turn != 5 {
		t.Errorf("Expected breach on turn 5, got %+v", report.Breach)
	}
	if report.Phases[PhaseChaos].Turns != 2 {
		t.Errorf("Expected the aborted phase to be closed with 2 turns, got %d", report.Phases[PhaseChaos].Turns)
	}
	if report.RecoveryTurns != nil {
		t.Error("Expected no recovery turns on abort")
	}
	if !equalPhases(report.PhaseOrder(), []Phase{PhaseBaseline, PhaseChaos, PhaseAborted}) {
		t.Errorf("Unexpected phase order %v", report.PhaseOrder())
	}
	if registry.Resets() != 2 || !registry.Snapshot().IsDefault() {
		t.Errorf("Expected 2 resets and default state, got %d / %+v", registry.Resets(), registry.Snapshot())
	}
}

func TestResetCountsPerAbortPhase(t *testing.T) {
	runaway := testutil.HealthyMetrics()
	runaway.Retries = guardrail.DefaultMaxRetriesPerRequest + 1

	tests := []struct {
		name   string
		phase  string
		resets uint64
	}{
		{"baseline", "BASELINE", 2},
		{"chaos", "CHAOS", 2},
		{"recovery", "RECOVERY", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testutil.NewScriptedAgent().On(tt.phase, 1, testutil.Step{Metrics: &runaway})
			e, registry := newTestExecutor(t, a)

			spec := newSpec("retries-"+tt.name, 2, 2, map[faults.Kind]float64{faults.RateLimitProbability: 0.5})
			report, err := e.Run(context.Background(), spec)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if report.AbortReason == nil || *report.AbortReason != string(guardrail.ReasonRetryLimit) {
				t.Errorf("Expected retry_limit_exceeded, got %v", report.AbortReason)
			}
			if registry.Resets() != tt.resets {
				t.Errorf("Expected %d resets, got %d", tt.resets, registry.Resets())
			}
			if !registry.Snapshot().IsDefault() {
				t.Error("Expected default fault state after abort")
			}
			if tt.phase == "BASELINE" {
				for _, f := range a.FaultsSeen() {
					if !f.IsDefault() {
						t.Error("Expected faults never applied when baseline aborts")
					}
				}
			}
		})
	}
}

func TestTimedOutTurnIsFailed(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.TurnTimeout = 50 * time.Millisecond

	a := testutil.NewScriptedAgent().On("BASELINE", 2, testutil.Step{Block: true})
	e, _ := newTestExecutorWithConfig(t, cfg, a)

	report, err := e.Run(context.Background(), newSpec("timeout", 3, 2, nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed, got %s", report.Outcome)
	}

	turn := report.Turns[1]
	if !turn.TimedOut || turn.Metrics.Succeeded {
		t.Errorf("Expected timed out and failed turn, got %+v", turn)
	}
	if turn.Metrics.LLMLatencySeconds != cfg.TurnTimeout.Seconds() || turn.Metrics.Retries != 1 {
		t.Errorf("Expected timeout latency and one retry, got %+v", turn.Metrics)
	}
	if report.FailedTurns(PhaseBaseline) != 1 {
		t.Errorf("Expected 1 failed baseline turn, got %d", report.FailedTurns(PhaseBaseline))
	}
}

func TestCancellationAbortsExperiment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := testutil.NewScriptedAgent().WithFallback(func(req agent.TurnRequest) (telemetry.TurnMetrics, error) {
		if req.Phase == "CHAOS" && req.Turn == 2 {
			cancel()
		}
		return testutil.FaultAwareMetrics(req)
	})
	e, registry := newTestExecutor(t, a)

	spec := newSpec("cancel", 2, 5, map[faults.Kind]float64{faults.LLMLatencyMultiplier: 1.5})
	report, err := e.Run(ctx, spec)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if report == nil || !report.Aborted {
		t.Fatal("Expected aborted report")
	}
	if *report.AbortReason != string(ReasonCancelled) {
		t.Errorf("Expected cancelled, got %s", *report.AbortReason)
	}
	if a.CallsInPhase("CHAOS") != 2 {
		t.Errorf("Expected 2 chaos turns, got %d", a.CallsInPhase("CHAOS"))
	}
	if !registry.Snapshot().IsDefault() {
		t.Error("Expected default fault state after cancellation")
	}
}

func TestCancellationHonoursAbortGrace(t *testing.T) {
	cfg := testExecutorConfig()
	cfg.TurnTimeout = 30 * time.Second
	cfg.AbortGrace = 50 * time.Millisecond

	a := testutil.NewScriptedAgent().On("CHAOS", 1, testutil.Step{Block: true})
	e, _ := newTestExecutorWithConfig(t, cfg, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for a.CallsInPhase("CHAOS") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	report, err := e.Run(ctx, newSpec("grace", 1, 3, nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected the in-flight turn to be cut off, took %v", elapsed)
	}

	last := report.Turns[len(report.Turns)-1]
	if last.Phase != PhaseChaos || !strings.Contains(last.Error, "cut off") {
		t.Errorf("Expected cut-off chaos turn, got %+v", last)
	}
}

type fixedProber struct{ failed int }

func (p fixedProber) Run(context.Context) probe.Report {
	return probe.Report{Failed: p.failed}
}

func TestProbeFailuresAbort(t *testing.T) {
	a := testutil.NewScriptedAgent()
	e, registry := newTestExecutor(t, a, WithProber(fixedProber{failed: 1}))

	report, err := e.Run(context.Background(), newSpec("probes", 3, 3, nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// one failure per turn passes the limit of 3 on the fourth turn
	if report.AbortReason == nil || *report.AbortReason != string(guardrail.ReasonProbeFailures) {
		t.Fatalf("Expected probe_failures_exceeded, got %v", report.AbortReason)
	}
	if a.CallCount() != 4 {
		t.Errorf("Expected 4 turns, got %d", a.CallCount())
	}
	if report.Turns[0].Metrics.ProbeFailures != 1 {
		t.Errorf("Expected probe failures on the turn, got %d", report.Turns[0].Metrics.ProbeFailures)
	}
	if registry.Resets() != 2 {
		t.Errorf("Expected 2 resets, got %d", registry.Resets())
	}
}

func TestRecoveryCeilingReached(t *testing.T) {
	slow := testutil.HealthyMetrics()
	slow.LLMLatencySeconds = 6.0

	a := testutil.NewScriptedAgent().OnPhase("RECOVERY", 10, testutil.Step{Metrics: &slow})
	e, _ := newTestExecutor(t, a)

	spec := newSpec("ceiling", 2, 2, map[faults.Kind]float64{faults.LLMLatencyMultiplier: 3.0})
	spec.MaxRecoveryTurns = 4

	report, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if report.Outcome != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", report.Outcome)
	}
	if a.CallsInPhase("RECOVERY") != 4 {
		t.Errorf("Expected 4 recovery turns, got %d", a.CallsInPhase("RECOVERY"))
	}
	if report.RecoveryTurns != nil || report.Recovered {
		t.Errorf("Expected no recovery, got %v", report.RecoveryTurns)
	}
	if lastTransition(report).Reason != "recovery_ceiling_reached" {
		t.Errorf("Expected recovery_ceiling_reached, got %q", lastTransition(report).Reason)
	}
	if report.RecoveryCeil != 4 {
		t.Errorf("Expected ceiling 4 on report, got %d", report.RecoveryCeil)
	}
}

func TestAgentPanicIsFailedTurn(t *testing.T) {
	a := testutil.NewScriptedAgent().On("BASELINE", 1, testutil.Step{Panic: "agent exploded"})
	e, _ := newTestExecutor(t, a)

	report, err := e.Run(context.Background(), newSpec("panic", 2, 2, nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Outcome != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", report.Outcome)
	}
	first := report.Turns[0]
	if first.Metrics.Succeeded || !strings.Contains(first.Error, "panicked") {
		t.Errorf("Expected panicked turn, got %+v", first)
	}
}

func TestFaultApplyFailureAborts(t *testing.T) {
	a := testutil.NewScriptedAgent()
	e, registry := newTestExecutor(t, a)

	spec := newSpec("bad-faults", 2, 2, map[faults.Kind]float64{faults.LLMLatencyMultiplier: 0.5})
	report, err := e.Run(context.Background(), spec)
	if err == nil {
		t.Fatal("Expected error for invalid fault value")
	}
	if !errors.Is(err, faults.ErrInvalidFaultValue) {
		t.Errorf("Expected invalid fault value error, got %v", err)
	}
	if report == nil || *report.AbortReason != "fault_injection_failed" {
		t.Fatalf("Expected fault_injection_failed, got %+v", report)
	}
	if a.CallsInPhase("CHAOS") != 0 {
		t.Error("Expected no chaos turns")
	}
	if !registry.Snapshot().IsDefault() {
		t.Error("Expected default fault state")
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	e, registry := newTestExecutor(t, testutil.NewScriptedAgent())

	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Error("Expected error for nil spec")
	}
	if _, err := e.Run(context.Background(), newSpec("empty", 0, 1, nil)); err == nil {
		t.Error("Expected error for zero baseline turns")
	}
	if registry.Resets() != 0 {
		t.Errorf("Expected no registry writes, got %d resets", registry.Resets())
	}
}

func TestSessionDurationUsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		now = now.Add(20 * time.Second)
		return now
	}

	a := testutil.NewScriptedAgent()
	e, _ := newTestExecutor(t, a, WithClock(clock))

	spec := newSpec("duration", 5, 5, nil)
	spec.SuccessCriteria = []experiment.Criterion{mustCriterion(t, "guardrail.session_duration_seconds", 60)}

	report, err := e.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.AbortReason == nil || *report.AbortReason != string(guardrail.ReasonSessionDuration) {
		t.Errorf("Expected session_duration_exceeded, got %v", report.AbortReason)
	}
}

func TestExecutorMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	exporter := tracetest.NewInMemoryExporter()
	tracer, err := tracing.NewWithExporter(tracing.DevelopmentConfig(), exporter, sdktrace.WithSyncer(exporter))
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracer.Close(context.Background())

	a := testutil.NewScriptedAgent()
	e, _ := newTestExecutor(t, a, WithMetrics(metrics), WithTracing(tracer))

	if _, err := e.Run(context.Background(), newSpec("observed", 2, 2, nil)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := promtest.ToFloat64(metrics.TurnsTotal.WithLabelValues("BASELINE", "success")); got != 2 {
		t.Errorf("Expected 2 baseline turns counted, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.ExperimentsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("Expected 1 completed experiment, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.ActiveExperiment); got != 0 {
		t.Errorf("Expected inactive gauge after run, got %v", got)
	}

	names := map[string]int{}
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	if names["experiment observed"] != 1 || names["phase CHAOS"] != 1 {
		t.Errorf("Expected experiment and phase spans, got %v", names)
	}
	if names["turn"] != a.CallCount() {
		t.Errorf("Expected one span per turn (%d), got %d", a.CallCount(), names["turn"])
	}
}
