package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPhaseClosed = errors.New("phase already closed")

// PhaseReport is the frozen aggregate of one phase.
type PhaseReport struct {
	Phase       string             `json:"phase"`
	Turns       int                `json:"turns"`
	FailedTurns int                `json:"failed_turns"`
	Metrics     map[Metric]Summary `json:"metrics"`
	StartedAt   time.Time          `json:"started_at"`
	ClosedAt    time.Time          `json:"closed_at"`
}

// Metric returns the summary for m, or the zero Summary if nothing was recorded.
func (r PhaseReport) Metric(m Metric) Summary {
	return r.Metrics[m]
}

type phaseSamples struct {
	samples   map[Metric][]float64
	turns     int
	failures  int
	startedAt time.Time
	report    *PhaseReport
}

// Collector keeps every sample of every phase of one experiment. Samples are
// appended in arrival order and never dropped.
type Collector struct {
	mu     sync.Mutex
	phases map[string]*phaseSamples
	order  []string
	now    func() time.Time
}

func NewCollector() *Collector {
	return &Collector{
		phases: make(map[string]*phaseSamples),
		now:    time.Now,
	}
}

func (c *Collector) phase(name string) *phaseSamples {
	p, ok := c.phases[name]
	if !ok {
		p = &phaseSamples{
			samples:   make(map[Metric][]float64),
			startedAt: c.now(),
		}
		c.phases[name] = p
		c.order = append(c.order, name)
	}
	return p
}

// Record appends one sample to a phase. Recording into a closed phase fails.
func (c *Collector) Record(phase string, metric Metric, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.phase(phase)
	if p.report != nil {
		return fmt.Errorf("record %s into %s: %w", metric, phase, ErrPhaseClosed)
	}
	p.samples[metric] = append(p.samples[metric], value)
	return nil
}

// RecordTurn records every metric of one turn and its outcome.
func (c *Collector) RecordTurn(phase string, m TurnMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.phase(phase)
	if p.report != nil {
		return fmt.Errorf("record turn into %s: %w", phase, ErrPhaseClosed)
	}
	for _, metric := range Metrics {
		p.samples[metric] = append(p.samples[metric], m.Value(metric))
	}
	p.turns++
	if !m.Succeeded {
		p.failures++
	}
	return nil
}

// ClosePhase freezes a phase and returns its report. Closing again returns the same report.
func (c *Collector) ClosePhase(phase string) PhaseReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.phase(phase)
	if p.report != nil {
		return *p.report
	}

	report := PhaseReport{
		Phase:       phase,
		Turns:       p.turns,
		FailedTurns: p.failures,
		Metrics:     make(map[Metric]Summary, len(p.samples)),
		StartedAt:   p.startedAt,
		ClosedAt:    c.now(),
	}
	for metric, values := range p.samples {
		report.Metrics[metric] = Summarize(values)
	}
	p.report = &report
	return report
}

// Summary returns every closed phase in the order the phases were first seen.
func (c *Collector) Summary() []PhaseReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PhaseReport
	for _, name := range c.order {
		if r := c.phases[name].report; r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Samples returns a copy of the recorded values of one metric.
func (c *Collector) Samples(phase string, metric Metric) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.phases[phase]
	if !ok {
		return nil
	}
	out := make([]float64, len(p.samples[metric]))
	copy(out, p.samples[metric])
	return out
}

// Turns reports how many turns a phase has recorded so far.
func (c *Collector) Turns(phase string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.phases[phase]; ok {
		return p.turns
	}
	return 0
}
