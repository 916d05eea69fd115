package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Critical  bool                   `json:"critical"`
}

type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Version   string                 `json:"version"`
	Uptime    time.Duration          `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	IsCritical() bool
}

// HealthManager aggregates the registered checks into one status. Degraded
// checks degrade the whole; any unhealthy check makes it unhealthy.
type HealthManager struct {
	mu        sync.Mutex
	checkers  []HealthChecker
	startTime time.Time
	version   string
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		version:   version,
	}
}

func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	hm.mu.Lock()
	checkers := append([]HealthChecker(nil), hm.checkers...)
	hm.mu.Unlock()

	checks := make(map[string]HealthCheck, len(checkers))
	summary := HealthSummary{}
	overall := HealthStatusHealthy

	for _, checker := range checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Name = checker.Name()
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		check.Critical = checker.IsCritical()
		checks[check.Name] = check

		summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusDegraded:
			summary.Degraded++
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		default:
			summary.Unhealthy++
			overall = HealthStatusUnhealthy
			if check.Critical {
				summary.Critical++
			}
		}
	}

	return HealthResponse{
		Status:    overall,
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		Timestamp: time.Now(),
		Checks:    checks,
		Summary:   summary,
	}
}

// CheckFunc adapts a function to HealthChecker. A nil error is healthy.
// CheckFunc adapts a function to HealthChecker. Details, when set, is attached
// to every result.
type CheckFunc struct {
	CheckName string
	Critical  bool
	Fn        func(ctx context.Context) error
	Details   func() map[string]interface{}
}

func (c CheckFunc) Name() string     { return c.CheckName }
func (c CheckFunc) IsCritical() bool { return c.Critical }

func (c CheckFunc) Check(ctx context.Context) HealthCheck {
	check := HealthCheck{Status: HealthStatusHealthy}
	if err := c.Fn(ctx); err != nil {
		check = HealthCheck{Status: HealthStatusUnhealthy, Message: err.Error()}
	}
	if c.Details != nil {
		check.Details = c.Details()
	}
	return check
}

type GoroutineHealthChecker struct {
	maxGoroutines int
}

func NewGoroutineHealthChecker(maxGoroutines int) *GoroutineHealthChecker {
	return &GoroutineHealthChecker{maxGoroutines: maxGoroutines}
}

func (g *GoroutineHealthChecker) Name() string     { return "goroutines" }
func (g *GoroutineHealthChecker) IsCritical() bool { return false }

func (g *GoroutineHealthChecker) Check(ctx context.Context) HealthCheck {
	n := runtime.NumGoroutine()

	status := HealthStatusHealthy
	message := "Goroutine count is normal"
	if g.maxGoroutines > 0 {
		if n > g.maxGoroutines {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Too many goroutines (%d > %d)", n, g.maxGoroutines)
		} else if n > g.maxGoroutines*80/100 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("High goroutine count (%d)", n)
		}
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"count": n,
			"limit": g.maxGoroutines,
		},
	}
}
