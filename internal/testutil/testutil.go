package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agent-chaos/internal/agent"
	"agent-chaos/internal/config"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/storage"
	"agent-chaos/internal/telemetry"
)

var ErrScriptedToolFailure = errors.New("scripted tool failure")

// TestConfig creates a test configuration
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Runner.TurnTimeout = 2 * time.Second
	cfg.Runner.AbortGrace = 100 * time.Millisecond
	cfg.Archive.InMemory = true
	cfg.Server.Port = 0 // Let the OS choose a free port for testing
	cfg.Probes.Enabled = false
	cfg.Redis.Enabled = false
	cfg.Tracing.Enabled = false
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.New(&testLogConfig, os.Stderr)
}

// TestStorageEngine creates an in-memory badger engine closed with the test.
func TestStorageEngine(t *testing.T) *storage.Engine {
	t.Helper()

	engine, err := storage.NewEngine(storage.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create test storage engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

// TestArchive wraps TestStorageEngine in a report archive.
func TestArchive(t *testing.T) *storage.ReportArchive {
	t.Helper()
	return storage.NewReportArchive(TestStorageEngine(t), nil)
}

// HealthyMetrics is one turn comfortably inside every warn threshold.
func HealthyMetrics() telemetry.TurnMetrics {
	return telemetry.TurnMetrics{
		TokensIn:                 500,
		TokensOut:                150,
		ContextSize:              2000,
		LLMLatencySeconds:        1.0,
		FirstChunkLatencySeconds: 0.4,
		Retries:                  0,
		MemoryRetrievals:         1,
		ToolCalls:                1,
		Succeeded:                true,
	}
}

// FaultAwareMetrics turns HealthyMetrics into what an agent would report
// under the request's faults. Rates of 1.0 always fire, anything lower never does.
func FaultAwareMetrics(req agent.TurnRequest) (telemetry.TurnMetrics, error) {
	m := HealthyMetrics()
	f := req.Faults
	if f.LLMLatencyMultiplier > 1 {
		m.LLMLatencySeconds *= f.LLMLatencyMultiplier
		m.FirstChunkLatencySeconds *= f.LLMLatencyMultiplier
	}
	if f.MemoryInflationFactor > 1 {
		m.ContextSize = int(float64(m.ContextSize) * f.MemoryInflationFactor)
	}
	if f.RateLimitProbability >= 1 {
		m.Retries = 3
	}
	if f.ToolFailureRate >= 1 {
		m.Succeeded = false
		return m, ErrScriptedToolFailure
	}
	return m, nil
}

// Step scripts one turn of a ScriptedAgent.
type Step struct {
	Metrics *telemetry.TurnMetrics
	Err     error
	Panic   string
	Delay   time.Duration // honours ctx
	Block   bool          // waits for ctx regardless of Delay
}

// ScriptedAgent is a deterministic agent.TurnExecutor. Turns without a step
// fall back to FaultAwareMetrics.
type ScriptedAgent struct {
	mu       sync.Mutex
	steps    map[string]Step
	fallback func(agent.TurnRequest) (telemetry.TurnMetrics, error)
	calls    []agent.TurnRequest
}

func NewScriptedAgent() *ScriptedAgent {
	return &ScriptedAgent{
		steps:    make(map[string]Step),
		fallback: FaultAwareMetrics,
	}
}

func stepKey(phase string, turn int) string {
	return fmt.Sprintf("%s/%d", phase, turn)
}

// On scripts the given turn (1-based) of phase.
func (a *ScriptedAgent) On(phase string, turn int, step Step) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps[stepKey(phase, turn)] = step
	return a
}

// OnPhase scripts every turn of phase from 1 to n.
func (a *ScriptedAgent) OnPhase(phase string, n int, step Step) *ScriptedAgent {
	for turn := 1; turn <= n; turn++ {
		a.On(phase, turn, step)
	}
	return a
}

func (a *ScriptedAgent) WithFallback(fn func(agent.TurnRequest) (telemetry.TurnMetrics, error)) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = fn
	return a
}

func (a *ScriptedAgent) ExecuteTurn(ctx context.Context, req agent.TurnRequest) (telemetry.TurnMetrics, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	step, scripted := a.steps[stepKey(req.Phase, req.Turn)]
	fallback := a.fallback
	a.mu.Unlock()

	if !scripted {
		return fallback(req)
	}
	if step.Panic != "" {
		panic(step.Panic)
	}
	if step.Block {
		<-ctx.Done()
		return telemetry.TurnMetrics{}, ctx.Err()
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return telemetry.TurnMetrics{}, ctx.Err()
		}
	}

	var m telemetry.TurnMetrics
	var err error
	if step.Metrics != nil {
		m = *step.Metrics
	} else {
		m, err = fallback(req)
	}
	if step.Err != nil {
		m.Succeeded = false
		err = step.Err
	}
	return m, err
}

// Calls returns every request received so far, in order.
func (a *ScriptedAgent) Calls() []agent.TurnRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agent.TurnRequest, len(a.calls))
	copy(out, a.calls)
	return out
}

func (a *ScriptedAgent) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// CallsInPhase counts requests sent during phase.
func (a *ScriptedAgent) CallsInPhase(phase string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Phase == phase {
			n++
		}
	}
	return n
}

// FaultsSeen returns the fault state delivered with each request.
func (a *ScriptedAgent) FaultsSeen() []faults.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]faults.State, len(a.calls))
	for i, c := range a.calls {
		out[i] = c.Faults
	}
	return out
}

// WriteExperiment writes one experiment document into dir.
func WriteExperiment(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write experiment %s: %v", name, err)
	}
	return path
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}

	t.Fatalf("Condition not met within timeout %v", timeout)
}

// WithTimeout runs a test function with a timeout
func WithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("Test timed out after %v", timeout)
	}
}
