package telemetry

import (
	"fmt"
	"math/rand"
	"testing"
)

func benchmarkSamples(n int) []float64 {
	rng := rand.New(rand.NewSource(1))
	values := make([]float64, n)
	for i := range values {
		values[i] = rng.ExpFloat64()
	}
	return values
}

func BenchmarkSummarize(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		values := benchmarkSamples(n)
		b.Run(fmt.Sprintf("samples_%d", n), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Summarize(values)
			}
		})
	}
}

func BenchmarkPercentile(b *testing.B) {
	values := benchmarkSamples(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Percentile(values, 95)
	}
}

func BenchmarkCollector_RecordTurn(b *testing.B) {
	c := NewCollector()
	m := TurnMetrics{
		TokensIn:                 500,
		TokensOut:                150,
		ContextSize:              2000,
		LLMLatencySeconds:        1.0,
		FirstChunkLatencySeconds: 0.4,
		Succeeded:                true,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.RecordTurn("CHAOS", m); err != nil {
			b.Fatalf("RecordTurn failed: %v", err)
		}
	}
}
