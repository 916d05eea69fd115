package telemetry

// Delta compares one statistic of a metric across two phases.
type Delta struct {
	Reference float64  `json:"reference"`
	Observed  float64  `json:"observed"`
	Delta     float64  `json:"delta"`
	Factor    *float64 `json:"factor"` // nil when the reference is zero
}

// Comparison maps metric -> statistic -> delta.
type Comparison map[Metric]map[Stat]Delta

// Compare computes observed minus reference for every metric present in both phases.
func Compare(reference, observed PhaseReport) Comparison {
	out := make(Comparison)
	for _, metric := range Metrics {
		ref, ok := reference.Metrics[metric]
		if !ok || ref.Count == 0 {
			continue
		}
		obs, ok := observed.Metrics[metric]
		if !ok || obs.Count == 0 {
			continue
		}

		stats := make(map[Stat]Delta, len(Stats))
		for _, stat := range Stats {
			r, o := ref.Get(stat), obs.Get(stat)
			d := Delta{Reference: r, Observed: o, Delta: o - r}
			if r != 0 {
				f := o / r
				d.Factor = &f
			}
			stats[stat] = d
		}
		out[metric] = stats
	}
	return out
}

// Get returns the delta for metric and stat, and whether it exists.
func (c Comparison) Get(metric Metric, stat Stat) (Delta, bool) {
	stats, ok := c[metric]
	if !ok {
		return Delta{}, false
	}
	d, ok := stats[stat]
	return d, ok
}
