package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-chaos/internal/faults"
)

const namespace = "agent_chaos"

// Metrics holds the harness collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	TurnsTotal        *prometheus.CounterVec
	TurnLatency       *prometheus.HistogramVec
	ExperimentsTotal  *prometheus.CounterVec
	AbortsTotal       *prometheus.CounterVec
	RecoveryTurns     *prometheus.GaugeVec
	FaultValue        *prometheus.GaugeVec
	ProbeFailures     prometheus.Counter
	ReportWrites      *prometheus.CounterVec
	ActiveExperiment  prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg. Tests pass a fresh
// prometheus.NewRegistry(); the binary passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns dispatched, by phase and outcome",
		}, []string{"phase", "outcome"}),
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_llm_latency_seconds",
			Help:      "LLM latency reported per turn",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 30},
		}, []string{"phase"}),
		ExperimentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_total",
			Help:      "Finished experiments by outcome",
		}, []string{"outcome"}),
		AbortsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Kill-switch aborts by reason",
		}, []string{"reason"}),
		RecoveryTurns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_turns",
			Help:      "Turns needed to recover after chaos, -1 when no recovery was observed",
		}, []string{"experiment"}),
		FaultValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_value",
			Help:      "Live fault injection parameters",
		}, []string{"kind"}),
		ProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed external probe checks",
		}),
		ReportWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_writes_total",
			Help:      "Report sink writes by sink and result",
		}, []string{"sink", "result"}),
		ActiveExperiment: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "experiment_active",
			Help:      "1 while an experiment is executing",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control-plane HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control-plane HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) RecordTurn(phase string, latencySeconds float64, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	m.TurnsTotal.WithLabelValues(phase, outcome).Inc()
	m.TurnLatency.WithLabelValues(phase).Observe(latencySeconds)
}

func (m *Metrics) RecordProbeFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProbeFailures.Add(float64(n))
}

func (m *Metrics) RecordAbort(reason string) {
	if m == nil {
		return
	}
	m.AbortsTotal.WithLabelValues(reason).Inc()
}

// RecordExperiment marks an experiment finished. recoveryTurns is ignored
// unless recovered is true.
func (m *Metrics) RecordExperiment(experimentID, outcome string, recoveryTurns int, recovered bool) {
	if m == nil {
		return
	}
	m.ExperimentsTotal.WithLabelValues(outcome).Inc()
	if recovered {
		m.RecoveryTurns.WithLabelValues(experimentID).Set(float64(recoveryTurns))
	} else {
		m.RecoveryTurns.WithLabelValues(experimentID).Set(-1)
	}
}

// ObserveFaults mirrors a registry snapshot. It is meant to be subscribed to
// faults.Registry so the gauges follow every write and reset.
func (m *Metrics) ObserveFaults(state faults.State) {
	if m == nil {
		return
	}
	for _, kind := range faults.Kinds() {
		m.FaultValue.WithLabelValues(string(kind)).Set(state.Value(kind))
	}
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveExperiment.Set(1)
	} else {
		m.ActiveExperiment.Set(0)
	}
}

func (m *Metrics) RecordReportWrite(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReportWrites.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler exposes the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
