package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"agent-chaos/internal/agent"
	"agent-chaos/internal/config"
	"agent-chaos/internal/experiment"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/guardrail"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/monitoring"
	"agent-chaos/internal/probe"
	"agent-chaos/internal/recovery"
	"agent-chaos/internal/telemetry"
	"agent-chaos/internal/tracing"
)

const ReasonCancelled = guardrail.ReasonCancelled

var ErrTurnTimeout = errors.New("turn timed out")

// Prober runs the external health probes once per turn.
type Prober interface {
	Run(ctx context.Context) probe.Report
}

// ExecutorConfig holds the per-turn timing, recovery ceiling and guardrail
// settings shared by every experiment.
type ExecutorConfig struct {
	TurnTimeout       time.Duration
	AbortGrace        time.Duration
	MaxRecoveryTurns  int
	ConfirmationTurns int
	Guardrails        guardrail.Limits
	Recovery          recovery.Thresholds
}

// DefaultExecutorConfig returns the executor settings of config.DefaultConfig.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfigFromConfig(config.DefaultConfig())
}

// ExecutorConfigFromConfig extracts the executor settings from cfg.
func ExecutorConfigFromConfig(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		TurnTimeout:       cfg.Runner.TurnTimeout,
		AbortGrace:        cfg.Runner.AbortGrace,
		MaxRecoveryTurns:  cfg.Runner.MaxRecoveryTurns,
		ConfirmationTurns: cfg.Recovery.ConfirmationTurns,
		Guardrails:        guardrail.LimitsFromConfig(cfg.Guardrails),
		Recovery:          recovery.ThresholdsFromConfig(cfg.Recovery),
	}
}

// Option configures optional Executor collaborators.
type Option func(*Executor)

// WithMetrics records turns, aborts and experiments in m.
func WithMetrics(m *monitoring.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithTracing emits experiment, phase and turn spans.
func WithTracing(t *tracing.Service) Option { return func(e *Executor) { e.tracer = t } }

// WithProber runs p after every turn and adds its failures to the turn's metrics.
func WithProber(p Prober) Option { return func(e *Executor) { e.prober = p } }

// WithClock replaces the wall clock for timestamps and the session duration guardrail.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// Progress describes the experiment currently executing.
type Progress struct {
	ExperimentID string    `json:"experiment_id"`
	Phase        Phase     `json:"phase"`
	Turn         int       `json:"turn"`
	Sequence     int       `json:"sequence"`
	StartedAt    time.Time `json:"started_at"`
}

// Executor drives one experiment at a time through
// BASELINE -> CHAOS -> RECOVERY -> COMPLETED, or ABORTED from any of the three.
// It is the only writer of the fault registry while Run executes.
type Executor struct {
	config   ExecutorConfig
	registry *faults.Registry
	agent    agent.TurnExecutor
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Service
	prober   Prober
	now      func() time.Time

	mu       sync.RWMutex
	progress *Progress
}

// NewExecutor creates an executor writing faults to registry and dispatching
// turns to turns. Zero fields of cfg take their defaults.
func NewExecutor(cfg ExecutorConfig, registry *faults.Registry, turns agent.TurnExecutor, logger *logging.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}

	defaults := DefaultExecutorConfig()
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = defaults.AbortGrace
	}
	if cfg.MaxRecoveryTurns <= 0 {
		cfg.MaxRecoveryTurns = defaults.MaxRecoveryTurns
	}
	if cfg.ConfirmationTurns <= 0 {
		cfg.ConfirmationTurns = defaults.ConfirmationTurns
	}
	if cfg.Guardrails == (guardrail.Limits{}) {
		cfg.Guardrails = defaults.Guardrails
	}
	if cfg.Recovery == (recovery.Thresholds{}) {
		cfg.Recovery = defaults.Recovery
	}

	e := &Executor{
		config:   cfg,
		registry: registry,
		agent:    turns,
		logger:   logger.WithField("component", "executor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Config() ExecutorConfig { return e.config }

// Progress returns the running experiment's position, if one is running.
func (e *Executor) Progress() (Progress, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.progress == nil {
		return Progress{}, false
	}
	return *e.progress, true
}

func (e *Executor) setProgress(p *Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = p
}

// run is the per-experiment state owned by one Run call.
type run struct {
	e         *Executor
	spec      *experiment.Spec
	report    *ExperimentReport
	collector *telemetry.Collector
	monitor   *guardrail.Monitor
	detector  *recovery.Detector
	logger    *logging.Logger

	phase     Phase
	phaseSpan oteltrace.Span
	phaseCtx  context.Context
	sequence  int
}

// Run executes spec to completion or abort. The returned report is non-nil
// for every non-nil spec. A kill-switch abort is a normal outcome and
// returns a nil error; cancellation of ctx returns ctx.Err() after the
// report has been finalized.
func (e *Executor) Run(ctx context.Context, spec *experiment.Spec) (*ExperimentReport, error) {
	if spec == nil {
		return nil, errors.New("nil experiment spec")
	}
	if spec.BaselineTurns <= 0 || spec.ChaosTurns <= 0 {
		return nil, &experiment.ValidationError{Source: spec.Source, Field: "turns", Reason: "baseline and chaos turns must be positive"}
	}

	// faults must never outlive the experiment, whatever path Run leaves by
	defer func() {
		if !e.registry.Snapshot().IsDefault() {
			e.logger.Warn("Fault state still active on exit, resetting", "experiment_id", spec.ID)
			e.registry.Reset()
		}
		e.metrics.SetActive(false)
		e.setProgress(nil)
	}()

	started := e.now()
	ceiling := spec.RecoveryCeiling(e.config.MaxRecoveryTurns)
	limits := spec.GuardrailLimits(e.config.Guardrails)

	r := &run{
		e:         e,
		spec:      spec,
		report:    newReport(spec, ceiling, started),
		collector: telemetry.NewCollector(),
		monitor:   guardrail.NewMonitor(limits, e.logger.WithExperiment(spec.ID, "")),
		detector:  recovery.NewDetector(e.config.Recovery, e.config.ConfirmationTurns, ceiling),
		logger:    e.logger.WithExperiment(spec.ID, string(PhasePending)),
		phase:     PhasePending,
	}
	r.monitor.SetClock(e.now)

	e.registry.Reset()
	e.metrics.SetActive(true)
	e.setProgress(&Progress{ExperimentID: spec.ID, Phase: PhasePending, StartedAt: started})

	ctx, span := e.tracer.StartExperiment(ctx, spec.ID, spec.Type)
	defer span.End()

	r.logger.InfoContext(ctx, "Starting experiment",
		"baseline_turns", spec.BaselineTurns,
		"chaos_turns", spec.ChaosTurns,
		"max_recovery_turns", ceiling,
		"faults", r.report.FaultParams,
	)

	err := r.execute(ctx)

	r.report.finalize(e.now(), r.monitor.Status())
	if r.report.Aborted {
		r.report.Outcome = OutcomeAborted
	} else {
		r.report.Outcome = OutcomeCompleted
	}
	e.metrics.RecordExperiment(spec.ID, string(r.report.Outcome), derefInt(r.report.RecoveryTurns), r.report.Recovered)

	r.logger.InfoContext(ctx, "Experiment finished",
		"outcome", r.report.Outcome,
		"final_phase", r.report.FinalPhase,
		"turns", len(r.report.Turns),
		"recovered", r.report.Recovered,
		"duration_seconds", r.report.DurationSecs,
	)
	tracing.RecordError(span, err)
	return r.report, err
}

func (r *run) execute(ctx context.Context) error {
	spec := r.spec

	r.transition(ctx, PhaseBaseline, "")
	r.monitor.Start()
	if stop, err := r.dispatch(ctx, PhaseBaseline, spec.BaselineTurns); stop {
		return err
	}
	r.closePhase()

	if err := r.e.registry.Apply(spec.FaultParams, spec.ID, spec.Type); err != nil {
		r.abort(ctx, "fault_injection_failed", nil)
		return fmt.Errorf("apply faults for %s: %w", spec.ID, err)
	}
	r.transition(ctx, PhaseChaos, "")
	if stop, err := r.dispatch(ctx, PhaseChaos, spec.ChaosTurns); stop {
		return err
	}
	r.closePhase()
	r.e.registry.Reset()

	r.transition(ctx, PhaseRecovery, "")
	if stop, err := r.dispatch(ctx, PhaseRecovery, r.detector.MaxTurns()); stop {
		return err
	}
	r.closePhase()

	if turns, ok := r.detector.RecoveryTurns(); ok {
		r.report.RecoveryTurns = &turns
		r.report.Recovered = true
	}
	reason := "recovered"
	if !r.report.Recovered {
		reason = "recovery_ceiling_reached"
	}
	r.transition(ctx, PhaseCompleted, reason)
	return nil
}

// transition moves to the next phase. An illegal transition is a programming
// error and panics.
func (r *run) transition(ctx context.Context, to Phase, reason string) {
	from := r.phase
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("illegal phase transition %s -> %s", from, to))
	}

	at := r.e.now()
	r.report.Transitions = append(r.report.Transitions, PhaseTransition{
		From:   from,
		To:     to,
		At:     at,
		Turns:  r.sequence,
		Reason: reason,
	})
	r.report.FinalPhase = to
	r.phase = to
	r.logger = r.e.logger.WithExperiment(r.spec.ID, string(to))

	details := map[string]interface{}{"turns": r.sequence}
	if reason != "" {
		details["reason"] = reason
	}
	r.e.logger.PhaseTransition(ctx, r.spec.ID, string(from), string(to), details)

	if r.phaseSpan != nil {
		r.phaseSpan.End()
		r.phaseSpan = nil
	}
	if to.Dispatching() {
		r.phaseCtx, r.phaseSpan = r.e.tracer.StartPhase(ctx, r.spec.ID, string(to))
	}

	r.e.setProgress(&Progress{
		ExperimentID: r.spec.ID,
		Phase:        to,
		Sequence:     r.sequence,
		StartedAt:    r.report.StartedAt,
	})
}

func (r *run) closePhase() {
	if !r.phase.Dispatching() {
		return
	}
	r.report.Phases[r.phase] = r.collector.ClosePhase(string(r.phase))
}

// abort resets the registry before anything else, closes the running phase
// and enters ABORTED.
func (r *run) abort(ctx context.Context, reason guardrail.Reason, breach *guardrail.Breach) {
	r.e.registry.Reset()

	r.closePhase()
	reasonText := string(reason)
	r.report.Aborted = true
	r.report.AbortReason = &reasonText
	r.report.Breach = breach
	r.report.RecoveryTurns = nil
	r.report.Recovered = false
	r.e.metrics.RecordAbort(reasonText)

	r.transition(ctx, PhaseAborted, reasonText)
}

// dispatch sends up to n turns in the current phase. stop is true when the
// experiment ended in ABORTED; err is only set for cancellation.
func (r *run) dispatch(ctx context.Context, phase Phase, n int) (stop bool, err error) {
	for turn := 1; turn <= n; turn++ {
		if ctx.Err() != nil {
			r.abort(ctx, ReasonCancelled, nil)
			return true, ctx.Err()
		}

		m, turnErr, cancelled := r.turn(ctx, phase, turn)
		breach := r.observe(ctx, phase, turn, m, turnErr)

		if breach != nil {
			r.logger.WarnContext(ctx, "Kill switch tripped",
				"reason", breach.Reason,
				"guardrail", breach.Guardrail,
				"value", breach.Value,
				"limit", breach.Limit,
			)
			r.abort(ctx, breach.Reason, breach)
			return true, nil
		}
		if cancelled {
			r.abort(ctx, ReasonCancelled, nil)
			return true, ctx.Err()
		}

		if phase == PhaseRecovery && r.detector.Observe(m) {
			turns, _ := r.detector.RecoveryTurns()
			r.logger.InfoContext(ctx, "Recovery confirmed", "recovery_turns", turns, "observed", r.detector.Observed())
			return false, nil
		}
	}
	return false, nil
}

type turnResult struct {
	metrics telemetry.TurnMetrics
	err     error
}

func (r *run) timedOut() turnResult {
	return turnResult{
		metrics: telemetry.TurnMetrics{LLMLatencySeconds: r.e.config.TurnTimeout.Seconds(), Retries: 1},
		err:     ErrTurnTimeout,
	}
}

// turn performs one blocking round trip bounded by TurnTimeout. When ctx is
// cancelled mid-turn the in-flight call is given AbortGrace to finish.
func (r *run) turn(ctx context.Context, phase Phase, turn int) (telemetry.TurnMetrics, *TurnError, bool) {
	e := r.e
	seq := r.sequence
	r.sequence++

	e.setProgress(&Progress{
		ExperimentID: r.spec.ID,
		Phase:        phase,
		Turn:         turn,
		Sequence:     seq,
		StartedAt:    r.report.StartedAt,
	})

	req := agent.TurnRequest{
		ExperimentID: r.spec.ID,
		Phase:        string(phase),
		Turn:         turn,
		Sequence:     seq,
		Prompt:       r.spec.Prompt(seq),
		Faults:       e.registry.Snapshot(),
	}

	parent := r.phaseCtx
	if parent == nil {
		parent = ctx
	}
	spanCtx, span := e.tracer.StartTurn(parent, string(phase), turn)
	defer span.End()

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), e.config.TurnTimeout)
	defer cancel()

	done := make(chan turnResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- turnResult{err: fmt.Errorf("agent panicked: %v", p)}
			}
		}()
		m, err := e.agent.ExecuteTurn(turnCtx, req)
		done <- turnResult{metrics: m, err: err}
	}()

	var res turnResult
	cancelled := false
	select {
	case res = <-done:
		// an agent that gave up on its own deadline still timed out
		if res.err != nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			res = r.timedOut()
		}
	case <-turnCtx.Done():
		res = r.timedOut()
	case <-ctx.Done():
		cancelled = true
		grace := time.NewTimer(e.config.AbortGrace)
		select {
		case res = <-done:
		case <-grace.C:
			res = turnResult{err: fmt.Errorf("cut off after %s: %w", e.config.AbortGrace, ctx.Err())}
		}
		grace.Stop()
	}

	m := res.metrics
	m.Succeeded = res.err == nil
	if e.prober != nil && !cancelled {
		pr := e.prober.Run(spanCtx)
		m.ProbeFailures += pr.Failed
		e.metrics.RecordProbeFailures(pr.Failed)
	}

	if res.err == nil {
		return m, nil, cancelled
	}
	if m.Error == "" {
		m.Error = res.err.Error()
	}
	turnErr := &TurnError{
		Phase:    phase,
		Turn:     turn,
		TimedOut: errors.Is(res.err, ErrTurnTimeout),
		Err:      res.err,
	}
	tracing.RecordError(span, turnErr)
	return m, turnErr, cancelled
}

// observe records a finished turn everywhere and runs the kill switch.
func (r *run) observe(ctx context.Context, phase Phase, turn int, m telemetry.TurnMetrics, turnErr *TurnError) *guardrail.Breach {
	if err := r.collector.RecordTurn(string(phase), m); err != nil {
		r.logger.ErrorContext(ctx, "Failed to record turn", "turn", turn, "error", err)
	}

	record := TurnRecord{
		Phase:    phase,
		Turn:     turn,
		Sequence: r.sequence - 1,
		Metrics:  m,
		Severity: recovery.Severity(m),
	}
	if turnErr != nil {
		record.Error = turnErr.Error()
		record.TimedOut = turnErr.TimedOut
		r.logger.WarnContext(ctx, "Turn failed", "turn", turn, "timed_out", turnErr.TimedOut, "error", turnErr.Err)
	}
	r.report.Turns = append(r.report.Turns, record)

	r.e.metrics.RecordTurn(string(phase), m.LLMLatencySeconds, m.Succeeded)
	r.e.logger.TurnCompleted(ctx, r.spec.ID, string(phase), turn, m.LLMLatencySeconds, m.Succeeded)

	return r.monitor.Observe(m)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
