package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agent-chaos/internal/config"
	"agent-chaos/internal/logging"
)

const defaultTimeout = 2 * time.Second

// Probe is one external health check against the agent runtime.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

type Result struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of one probe round.
type Report struct {
	Results []Result `json:"results"`
	Failed  int      `json:"failed"`
}

// HTTPProbe expects a 2xx from a GET on its URL.
type HTTPProbe struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPProbe(name, url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProbe{
		name:    name,
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	logging.PropagateCorrelationID(ctx, req)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

// GRPCProbe queries the standard grpc.health.v1 service.
type GRPCProbe struct {
	name    string
	address string
	service string
	timeout time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewGRPCProbe(name, address, service string, timeout time.Duration) *GRPCProbe {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GRPCProbe{
		name:    name,
		address: address,
		service: service,
		timeout: timeout,
	}
}

func (p *GRPCProbe) Name() string { return p.name }

func (p *GRPCProbe) client() (healthpb.HealthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := grpc.NewClient(p.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		p.conn = conn
	}
	return healthpb.NewHealthClient(p.conn), nil
}

func (p *GRPCProbe) Check(ctx context.Context) error {
	client, err := p.client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", p.service, resp.GetStatus())
	}
	return nil
}

func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Engine runs every configured probe once per turn.
type Engine struct {
	probes []Probe
	logger *logging.Logger
}

func NewEngine(logger *logging.Logger, probes ...Probe) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		probes: probes,
		logger: logger.WithField("component", "probe_engine"),
	}
}

// FromConfig builds probes for every configured target. A disabled section
// yields an engine with no probes.
func FromConfig(cfg config.ProbesConfig, logger *logging.Logger) (*Engine, error) {
	var probes []Probe
	if cfg.Enabled {
		for _, target := range cfg.Targets {
			switch target.Type {
			case "http":
				probes = append(probes, NewHTTPProbe(target.Name, target.Address, target.Timeout))
			case "grpc":
				probes = append(probes, NewGRPCProbe(target.Name, target.Address, target.Service, target.Timeout))
			default:
				return nil, fmt.Errorf("probe %s: unknown type %q", target.Name, target.Type)
			}
		}
	}
	return NewEngine(logger, probes...), nil
}

func (e *Engine) Len() int { return len(e.probes) }

// Run executes the probes sequentially and counts failures.
func (e *Engine) Run(ctx context.Context) Report {
	report := Report{Results: make([]Result, 0, len(e.probes))}

	for _, p := range e.probes {
		start := time.Now()
		err := p.Check(ctx)
		result := Result{
			Name:     p.Name(),
			Healthy:  err == nil,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
			report.Failed++
			e.logger.WithContext(ctx).Warn("Probe failed", "probe", p.Name(), "error", err)
		}
		report.Results = append(report.Results, result)
	}

	return report
}

// Close releases probe connections.
func (e *Engine) Close() error {
	var firstErr error
	for _, p := range e.probes {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
