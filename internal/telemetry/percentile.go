package telemetry

import (
	"fmt"
	"math"
	"sort"
)

// Stat names one summary statistic of a sample set.
type Stat string

const (
	P50  Stat = "p50"
	P95  Stat = "p95"
	P99  Stat = "p99"
	Mean Stat = "mean"
)

var Stats = []Stat{P50, P95, P99, Mean}

func ParseStat(name string) (Stat, error) {
	for _, s := range Stats {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown statistic: %q", name)
}

// Summary holds the statistics of one metric within one phase.
type Summary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Mean  float64 `json:"mean"`
}

func (s Summary) Get(stat Stat) float64 {
	switch stat {
	case P50:
		return s.P50
	case P95:
		return s.P95
	case P99:
		return s.P99
	case Mean:
		return s.Mean
	}
	return math.NaN()
}

// Percentile computes the p-th percentile (0..100) by linear interpolation
// between closest ranks: rank = p/100 * (n-1). values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Summarize computes every statistic of values. An empty set yields the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	// sum in arrival order so the mean does not depend on sorting
	var sum float64
	for _, v := range values {
		sum += v
	}

	return Summary{
		Count: len(values),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileSorted(sorted, 50),
		P95:   percentileSorted(sorted, 95),
		P99:   percentileSorted(sorted, 99),
		Mean:  sum / float64(len(values)),
	}
}
