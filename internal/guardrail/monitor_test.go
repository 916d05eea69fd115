package guardrail

import (
	"errors"
	"testing"
	"time"

	"agent-chaos/internal/config"
	"agent-chaos/internal/telemetry"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func healthy() telemetry.TurnMetrics {
	return telemetry.TurnMetrics{
		TokensIn:          100,
		TokensOut:         50,
		LLMLatencySeconds: 1.0,
		Succeeded:         true,
	}
}

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func newTestMonitor() (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor(DefaultLimits(), nil)
	m.SetClock(clock.now)
	m.Start()
	return m, clock
}

func TestDefaultLimitsMatchConfig(t *testing.T) {
	fromConfig := LimitsFromConfig(config.DefaultConfig().Guardrails)
	if fromConfig != DefaultLimits() {
		t.Errorf("Expected config defaults to equal named constants, got %+v vs %+v", fromConfig, DefaultLimits())
	}
}

func TestGuardrailBoundaries(t *testing.T) {
	tests := []struct {
		name string
		// feed applies n turns at the limit; the final call pushes one past it
		atLimit  func(m *Monitor, clock *fakeClock) *Breach
		overStep func(m *Monitor, clock *fakeClock) *Breach
		reason   Reason
	}{
		{
			name: "probe failures",
			atLimit: func(m *Monitor, _ *fakeClock) *Breach {
				var b *Breach
				for i := 0; i < 3; i++ {
					tm := healthy()
					tm.ProbeFailures = 1
					b = m.Observe(tm)
				}
				return b
			},
			overStep: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.ProbeFailures = 1
				return m.Observe(tm)
			},
			reason: ReasonProbeFailures,
		},
		{
			name: "latency streak",
			atLimit: func(m *Monitor, _ *fakeClock) *Breach {
				var b *Breach
				for i := 0; i < 4; i++ {
					tm := healthy()
					tm.LLMLatencySeconds = 8.5
					b = m.Observe(tm)
				}
				return b
			},
			overStep: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.LLMLatencySeconds = 8.5
				return m.Observe(tm)
			},
			reason: ReasonLatencyStreak,
		},
		{
			name: "retries per request",
			atLimit: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.Retries = 5
				return m.Observe(tm)
			},
			overStep: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.Retries = 6
				return m.Observe(tm)
			},
			reason: ReasonRetryLimit,
		},
		{
			name: "token budget",
			atLimit: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.TokensIn, tm.TokensOut = 40000, 10000
				return m.Observe(tm)
			},
			overStep: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.TokensIn, tm.TokensOut = 1, 0
				return m.Observe(tm)
			},
			reason: ReasonTokenBudget,
		},
		{
			name: "session duration",
			atLimit: func(m *Monitor, clock *fakeClock) *Breach {
				clock.t = clock.t.Add(300 * time.Second)
				return m.Observe(healthy())
			},
			overStep: func(m *Monitor, clock *fakeClock) *Breach {
				clock.t = clock.t.Add(time.Millisecond)
				return m.Observe(healthy())
			},
			reason: ReasonSessionDuration,
		},
		{
			name: "consecutive failures",
			atLimit: func(m *Monitor, _ *fakeClock) *Breach {
				var b *Breach
				for i := 0; i < 10; i++ {
					tm := healthy()
					tm.Succeeded = false
					b = m.Observe(tm)
				}
				return b
			},
			overStep: func(m *Monitor, _ *fakeClock) *Breach {
				tm := healthy()
				tm.Succeeded = false
				return m.Observe(tm)
			},
			reason: ReasonConsecutiveFailures,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestMonitor()

			if b := tt.atLimit(m, clock); b != nil {
				t.Fatalf("Expected no breach at the limit, got %v", b)
			}
			b := tt.overStep(m, clock)
			if b == nil {
				t.Fatal("Expected breach past the limit")
			}
			if b.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, b.Reason)
			}
			if b.Value <= b.Limit && tt.reason != ReasonLatencyStreak {
				t.Errorf("Expected value %v to exceed limit %v", b.Value, b.Limit)
			}
		})
	}
}

func TestLatencyStreakResets(t *testing.T) {
	m, _ := newTestMonitor()
	slow := healthy()
	slow.LLMLatencySeconds = 9

	for i := 0; i < 4; i++ {
		m.Observe(slow)
	}
	m.Observe(healthy())
	for i := 0; i < 4; i++ {
		if b := m.Observe(slow); b != nil {
			t.Fatalf("Expected streak to restart after a fast turn, got breach at %d", i)
		}
	}

	exactly := healthy()
	exactly.LLMLatencySeconds = 8.0
	if b := m.Observe(exactly); b != nil {
		t.Errorf("Expected latency exactly at critical not to count, got %v", b)
	}
	if m.Status().Counters.ConsecutiveCriticalLatencyTurns != 0 {
		t.Error("Expected streak reset by latency at the critical value")
	}
}

func TestLatencyStreakTripsOnReachingLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.LatencyStreakTurns = 3
	m := NewMonitor(limits, nil)
	m.Start()

	slow := healthy()
	slow.LLMLatencySeconds = 9
	for i := 0; i < 2; i++ {
		if b := m.Observe(slow); b != nil {
			t.Fatalf("Expected no breach below the streak length, got %v at turn %d", b, i+1)
		}
	}

	b := m.Observe(slow)
	if b == nil {
		t.Fatal("Expected breach once the streak reaches its length")
	}
	if b.Reason != ReasonLatencyStreak || b.Value != b.Limit {
		t.Errorf("Expected latency streak breach at value == limit, got %+v", b)
	}
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	m, _ := newTestMonitor()
	failed := healthy()
	failed.Succeeded = false

	for i := 0; i < 10; i++ {
		m.Observe(failed)
	}
	m.Observe(healthy())
	if got := m.Status().Counters.ConsecutiveFailures; got != 0 {
		t.Errorf("Expected consecutive failures reset, got %d", got)
	}
	for i := 0; i < 10; i++ {
		if b := m.Observe(failed); b != nil {
			t.Fatalf("Unexpected breach: %v", b)
		}
	}
}

func TestPrecedence(t *testing.T) {
	m, clock := newTestMonitor()
	clock.t = clock.t.Add(time.Hour)

	tm := telemetry.TurnMetrics{
		TokensIn:          60000,
		Retries:           9,
		ProbeFailures:     4,
		LLMLatencySeconds: 1,
		Succeeded:         false,
	}
	b := m.Observe(tm)
	if b == nil || b.Reason != ReasonProbeFailures {
		t.Fatalf("Expected probe failures to win, got %v", b)
	}

	m.Reset()
	m.Start()
	clock.t = clock.t.Add(time.Hour)
	tm.ProbeFailures = 0
	b = m.Observe(tm)
	if b == nil || b.Reason != ReasonRetryLimit {
		t.Fatalf("Expected retry limit next, got %v", b)
	}

	m.Reset()
	m.Start()
	clock.t = clock.t.Add(time.Hour)
	tm.Retries = 0
	b = m.Observe(tm)
	if b == nil || b.Reason != ReasonTokenBudget {
		t.Fatalf("Expected token budget before session duration, got %v", b)
	}
}

func TestBreachIsSticky(t *testing.T) {
	m, _ := newTestMonitor()
	tm := healthy()
	tm.Retries = 6

	first := m.Observe(tm)
	second := m.Observe(healthy())
	if first == nil || second != first {
		t.Errorf("Expected breach to be sticky, got %v then %v", first, second)
	}
	if m.Status().Counters.Turns != 1 {
		t.Errorf("Expected counters frozen after breach, got %d turns", m.Status().Counters.Turns)
	}

	var err error = first
	var breach *Breach
	if !errors.As(err, &breach) || breach.Turn != 1 {
		t.Errorf("Expected breach usable as error with turn 1, got %v", err)
	}
}

func TestWarningsAndStatus(t *testing.T) {
	m, clock := newTestMonitor()

	tm := healthy()
	tm.TokensIn, tm.TokensOut = 39000, 1000
	m.Observe(tm)

	status := m.Status()
	if len(status.Warnings) != 1 || status.Warnings[0] != NameTokenBudget {
		t.Errorf("Expected token budget warning, got %v", status.Warnings)
	}
	if status.TokensRemaining != 10000 {
		t.Errorf("Expected 10000 tokens remaining, got %d", status.TokensRemaining)
	}

	clock.t = clock.t.Add(250 * time.Second)
	m.Observe(healthy())
	status = m.Status()
	if len(status.Warnings) != 2 || status.Warnings[1] != NameSessionDuration {
		t.Errorf("Expected session duration warning, got %v", status.Warnings)
	}

	m.Observe(healthy())
	if len(m.Status().Warnings) != 2 {
		t.Error("Expected each warning to fire once")
	}

	m.Reset()
	status = m.Status()
	if status.Counters != (Counters{}) || status.Warnings != nil || status.Breach != nil {
		t.Errorf("Expected clean status after reset, got %+v", status)
	}
}

func TestLimitsOverride(t *testing.T) {
	limits, err := DefaultLimits().Override(NameTokenBudget, 1000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if limits.MaxTokensPerSession != 1000 {
		t.Errorf("Expected token budget 1000, got %d", limits.MaxTokensPerSession)
	}
	if DefaultLimits().MaxTokensPerSession != DefaultMaxTokensPerSession {
		t.Error("Expected Override to return a copy")
	}

	limits, _ = DefaultLimits().Override(NameSessionDuration, 1.5)
	if limits.MaxSessionDuration != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %v", limits.MaxSessionDuration)
	}

	if _, err := DefaultLimits().Override("coffee_cups", 3); err == nil {
		t.Error("Expected unknown guardrail error")
	}
	if _, err := DefaultLimits().Override(NameRetriesPerRequest, -1); err == nil {
		t.Error("Expected negative override error")
	}
}

func TestKillSwitchBoundaryProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("probe failures breach only when the total exceeds the limit", prop.ForAll(
		func(failures []int) bool {
			m, _ := newTestMonitor()
			total := 0
			for _, f := range failures {
				tm := healthy()
				tm.ProbeFailures = f
				total += f
				b := m.Observe(tm)
				if total > DefaultMaxProbeFailures {
					return b != nil && b.Reason == ReasonProbeFailures
				}
				if b != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.Property("token budget breaches exactly past the limit", prop.ForAll(
		func(tokens []int) bool {
			m, _ := newTestMonitor()
			total := 0
			for _, n := range tokens {
				tm := healthy()
				tm.TokensIn, tm.TokensOut = n, 0
				total += n
				b := m.Observe(tm)
				if total > DefaultMaxTokensPerSession {
					return b != nil && b.Reason == ReasonTokenBudget
				}
				if b != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 12000)),
	))

	properties.TestingRun(t)
}
