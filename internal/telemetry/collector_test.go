package telemetry

import (
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const epsilon = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestPercentileFixedSequence(t *testing.T) {
	latencies := []float64{1, 2, 2, 3, 5, 8, 13, 21}

	tests := []struct {
		p        float64
		expected float64
	}{
		{0, 1},
		{50, 4},
		{95, 18.2},
		{99, 20.44},
		{100, 21},
	}

	for _, tt := range tests {
		if got := Percentile(latencies, tt.p); !approx(got, tt.expected) {
			t.Errorf("Expected p%v = %v, got %v", tt.p, tt.expected, got)
		}
	}

	if latencies[6] != 13 {
		t.Error("Expected Percentile not to reorder its input")
	}
}

func TestPercentileEdgeCases(t *testing.T) {
	if got := Percentile(nil, 50); got != 0 {
		t.Errorf("Expected 0 for empty input, got %v", got)
	}
	if got := Percentile([]float64{7}, 99); got != 7 {
		t.Errorf("Expected single sample 7, got %v", got)
	}
	if got := Percentile([]float64{1, 3}, 50); got != 2 {
		t.Errorf("Expected midpoint 2, got %v", got)
	}
}

func TestCollectorClosePhase(t *testing.T) {
	collector := NewCollector()
	latencies := []float64{1, 2, 2, 3, 5, 8, 13, 21}

	for i, l := range latencies {
		collector.RecordTurn("BASELINE", TurnMetrics{
			LLMLatencySeconds: l,
			TokensIn:          100,
			TokensOut:         10 * (i + 1),
			Succeeded:         i != 3,
		})
	}

	report := collector.ClosePhase("BASELINE")

	if report.Turns != 8 {
		t.Errorf("Expected 8 turns, got %d", report.Turns)
	}
	if report.FailedTurns != 1 {
		t.Errorf("Expected 1 failed turn, got %d", report.FailedTurns)
	}

	latency := report.Metric(LLMLatencySeconds)
	if latency.Count != 8 {
		t.Errorf("Expected 8 samples, got %d", latency.Count)
	}
	if !approx(latency.P50, 4) || !approx(latency.P95, 18.2) || !approx(latency.P99, 20.44) {
		t.Errorf("Unexpected percentiles: %+v", latency)
	}
	if !approx(latency.Mean, 6.875) {
		t.Errorf("Expected mean 6.875, got %v", latency.Mean)
	}
	if latency.Min != 1 || latency.Max != 21 {
		t.Errorf("Expected min 1 max 21, got %v %v", latency.Min, latency.Max)
	}

	if got := report.Metric(TokensOut).Mean; !approx(got, 45) {
		t.Errorf("Expected tokens_out mean 45, got %v", got)
	}
}

func TestCollectorFreezesClosedPhase(t *testing.T) {
	collector := NewCollector()
	collector.RecordTurn("CHAOS", TurnMetrics{LLMLatencySeconds: 2, Succeeded: true})
	first := collector.ClosePhase("CHAOS")

	err := collector.RecordTurn("CHAOS", TurnMetrics{LLMLatencySeconds: 9, Succeeded: true})
	if !errors.Is(err, ErrPhaseClosed) {
		t.Fatalf("Expected ErrPhaseClosed, got %v", err)
	}
	if err := collector.Record("CHAOS", Retries, 1); !errors.Is(err, ErrPhaseClosed) {
		t.Fatalf("Expected ErrPhaseClosed from Record, got %v", err)
	}

	second := collector.ClosePhase("CHAOS")
	if second.Turns != first.Turns || second.Metric(LLMLatencySeconds).Max != 2 {
		t.Errorf("Expected closed phase to be frozen, got %+v", second)
	}
}

func TestCollectorSummaryOrder(t *testing.T) {
	collector := NewCollector()
	for _, phase := range []string{"BASELINE", "CHAOS", "RECOVERY"} {
		collector.RecordTurn(phase, TurnMetrics{Succeeded: true})
	}
	collector.ClosePhase("CHAOS")
	collector.ClosePhase("BASELINE")

	summary := collector.Summary()
	if len(summary) != 2 {
		t.Fatalf("Expected 2 closed phases, got %d", len(summary))
	}
	if summary[0].Phase != "BASELINE" || summary[1].Phase != "CHAOS" {
		t.Errorf("Expected phases in first-seen order, got %s, %s", summary[0].Phase, summary[1].Phase)
	}
}

func TestCollectorEmptyPhase(t *testing.T) {
	report := NewCollector().ClosePhase("RECOVERY")
	if report.Turns != 0 || len(report.Metrics) != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}
	if got := report.Metric(LLMLatencySeconds).P95; got != 0 {
		t.Errorf("Expected zero summary for missing metric, got %v", got)
	}
}

func TestCompare(t *testing.T) {
	baseline := NewCollector()
	chaos := NewCollector()
	for _, l := range []float64{1, 1, 1} {
		baseline.RecordTurn("BASELINE", TurnMetrics{LLMLatencySeconds: l, Succeeded: true})
	}
	for _, l := range []float64{3, 3, 3} {
		chaos.RecordTurn("CHAOS", TurnMetrics{LLMLatencySeconds: l, Succeeded: true})
	}

	comparison := Compare(baseline.ClosePhase("BASELINE"), chaos.ClosePhase("CHAOS"))

	d, ok := comparison.Get(LLMLatencySeconds, P95)
	if !ok {
		t.Fatal("Expected latency p95 delta")
	}
	if !approx(d.Delta, 2) {
		t.Errorf("Expected delta 2, got %v", d.Delta)
	}
	if d.Factor == nil || !approx(*d.Factor, 3) {
		t.Errorf("Expected factor 3, got %v", d.Factor)
	}

	retries, ok := comparison.Get(Retries, Mean)
	if !ok {
		t.Fatal("Expected retries delta")
	}
	if retries.Factor != nil {
		t.Errorf("Expected nil factor for zero reference, got %v", *retries.Factor)
	}
}

func TestPercentileProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("percentiles are deterministic", prop.ForAll(
		func(values []float64) bool {
			a := Summarize(values)
			b := Summarize(values)
			return a == b
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
	))

	properties.Property("p50 <= p95 <= p99 within [min,max]", prop.ForAll(
		func(values []float64) bool {
			if len(values) == 0 {
				return true
			}
			s := Summarize(values)
			return s.Min <= s.P50 && s.P50 <= s.P95 && s.P95 <= s.P99 && s.P99 <= s.Max
		},
		gen.SliceOf(gen.Float64Range(-50, 50)),
	))

	properties.Property("percentile ignores input order", prop.ForAll(
		func(values []float64) bool {
			reversed := make([]float64, len(values))
			for i, v := range values {
				reversed[len(values)-1-i] = v
			}
			return Percentile(values, 95) == Percentile(reversed, 95)
		},
		gen.SliceOf(gen.Float64Range(0, 30)),
	))

	properties.Property("collector keeps every sample in arrival order", prop.ForAll(
		func(values []float64) bool {
			collector := NewCollector()
			for _, v := range values {
				collector.Record("BASELINE", LLMLatencySeconds, v)
			}
			got := collector.Samples("BASELINE", LLMLatencySeconds)
			if len(got) != len(values) {
				return false
			}
			for i := range values {
				if got[i] != values[i] {
					return false
				}
			}
			return sort.Float64sAreSorted(got) == sort.Float64sAreSorted(values)
		},
		gen.SliceOf(gen.Float64Range(0, 10)),
	))

	properties.TestingRun(t)
}
