package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agent-chaos/internal/agent"
	"agent-chaos/internal/api"
	"agent-chaos/internal/chaos"
	"agent-chaos/internal/config"
	"agent-chaos/internal/experiment"
	"agent-chaos/internal/faults"
	"agent-chaos/internal/logging"
	"agent-chaos/internal/monitoring"
	"agent-chaos/internal/probe"
	"agent-chaos/internal/report"
	"agent-chaos/internal/storage"
	"agent-chaos/internal/tracing"
)

// Version is reported by the health endpoint and the version command.
var Version = "dev"

const maxGoroutines = 10000

// Server owns every component of one chaos harness process. The default
// CLI run uses RunOnce; serve mode adds the control-plane API and the
// cron scheduler through Start.
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	registry *faults.Registry
	tracer   *tracing.Service
	prober   *probe.Engine
	archive  *storage.ReportArchive
	redis    *report.RedisSink
	health   *monitoring.HealthManager
	runner   *chaos.Runner

	httpServer *HTTPServer
	scheduler  *Scheduler
	ready      chan struct{}
	startTime  time.Time
}

// Option overrides a collaborator NewServer would otherwise build from the configuration.
type Option func(*options)

type options struct {
	logger     *logging.Logger
	registerer prometheus.Registerer
	turns      agent.TurnExecutor
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers the metrics somewhere other than the prometheus default.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithTurnExecutor replaces the agent selected by the configuration.
func WithTurnExecutor(t agent.TurnExecutor) Option { return func(o *options) { o.turns = t } }

// NewServer wires metrics, the fault registry, the agent, report sinks and the
// runner from cfg. Everything opened so far is closed if a step fails.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.NewLogger(&cfg.Logging)
	}

	logger.Info("Initializing chaos harness",
		"version", Version,
		"agent_mode", cfg.Agent.Mode,
		"experiments_dir", cfg.Runner.ExperimentsDir,
		"reports_dir", cfg.Runner.ReportsDir,
	)

	s := &Server{
		config:    cfg,
		logger:    logger,
		metrics:   monitoring.NewMetrics(o.registerer),
		registry:  faults.NewRegistry(logger),
		health:    monitoring.NewHealthManager(Version),
		ready:     make(chan struct{}),
		startTime: time.Now(),
	}
	s.registry.Subscribe(s.metrics.ObserveFaults)

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	if s.tracer, err = tracing.New(cfg.Tracing, logger); err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	if s.prober, err = probe.FromConfig(cfg.Probes, logger); err != nil {
		return nil, fmt.Errorf("failed to create probes: %w", err)
	}

	turns := o.turns
	if turns == nil {
		if turns, err = agent.New(cfg.Agent, logger); err != nil {
			return nil, fmt.Errorf("failed to create agent: %w", err)
		}
	}

	var sinks []report.Sink
	if cfg.Archive.Enabled {
		engine, err := storage.NewEngine(storage.ConfigFromArchive(cfg.Archive), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage engine: %w", err)
		}
		s.archive = storage.NewReportArchive(engine, logger, storage.WithRetention(cfg.Archive.Retain))
		sinks = append(sinks, report.NewArchiveSink(s.archive))
		s.health.RegisterChecker(monitoring.CheckFunc{
			CheckName: "archive",
			Critical:  true,
			Fn:        s.archive.Healthy,
			Details:   s.archive.Stats,
		})
	}
	if cfg.Redis.Enabled {
		s.redis = report.NewRedisSink(cfg.Redis)
		sinks = append(sinks, s.redis)
		s.health.RegisterChecker(monitoring.CheckFunc{CheckName: "redis", Fn: s.redis.Ping})
	}
	s.health.RegisterChecker(monitoring.NewGoroutineHealthChecker(maxGoroutines))

	executorOpts := []chaos.Option{
		chaos.WithMetrics(s.metrics),
		chaos.WithTracing(s.tracer),
	}
	if s.prober.Len() > 0 {
		executorOpts = append(executorOpts, chaos.WithProber(s.prober))
		s.health.RegisterChecker(monitoring.CheckFunc{
			CheckName: "agent_probes",
			Fn: func(ctx context.Context) error {
				if r := s.prober.Run(ctx); r.Failed > 0 {
					return fmt.Errorf("%d of %d probes failing", r.Failed, len(r.Results))
				}
				return nil
			},
		})
	}
	executor := chaos.NewExecutor(chaos.ExecutorConfigFromConfig(cfg), s.registry, turns, logger, executorOpts...)

	loader, err := experiment.NewLoader(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create experiment loader: %w", err)
	}

	exporter := report.NewExporter(cfg.Runner.ReportsDir, logger,
		report.WithSinks(sinks...),
		report.WithMetrics(s.metrics),
	)
	s.runner = chaos.NewRunner(executor, exporter, loader, logger)

	ok = true
	return s, nil
}

func (s *Server) Runner() *chaos.Runner { return s.runner }

func (s *Server) Registry() *faults.Registry { return s.registry }

func (s *Server) Archive() *storage.ReportArchive { return s.archive }

// Validate loads every experiment document without running any.
func (s *Server) Validate() ([]*experiment.Spec, error) {
	return s.runner.Load(s.config.Runner.ExperimentsDir)
}

// RunOnce runs every experiment in the configured directory once.
func (s *Server) RunOnce(ctx context.Context) (*chaos.RunSummary, error) {
	return s.runner.RunDir(ctx, s.config.Runner.ExperimentsDir)
}

// Start serves the control-plane API and the schedule until ctx is done or a
// shutdown signal arrives. Runs in flight are cancelled on the way out.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := api.NewHandler(s.runner, s.registry, s.logger,
		api.WithArchive(s.archive),
		api.WithHealth(s.health),
		api.WithMetrics(s.metrics),
		api.WithExperimentsDir(s.config.Runner.ExperimentsDir),
		api.WithBaseContext(ctx),
	)
	s.httpServer = NewHTTPServer(s.config.Server, handler, s.logger)
	if err := s.httpServer.Listen(); err != nil {
		return err
	}

	if s.config.Runner.Schedule != "" {
		scheduler, err := NewScheduler(s.config.Runner.Schedule, s.runner, s.config.Runner.ExperimentsDir, s.logger)
		if err != nil {
			s.httpServer.Stop(context.Background())
			return err
		}
		s.scheduler = scheduler
		s.scheduler.Start(ctx)
	}
	close(s.ready)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.logger.Info("Chaos harness serving",
		"address", s.httpServer.Addr(),
		"schedule", s.config.Runner.Schedule,
	)

	var runErr error
	select {
	case runErr = <-errChan:
		s.logger.Error("Server encountered an error", "error", runErr.Error())
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	cancel()
	if err := s.Shutdown(context.Background(), handler); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Ready is closed once the API is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound API address while serving.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr()
}

// Shutdown stops the scheduler and the API, waits for runs in flight and
// releases every resource.
func (s *Server) Shutdown(ctx context.Context, handler *api.Handler) error {
	s.logger.Info("Shutting down chaos harness")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		if s.httpServer != nil {
			if err := s.httpServer.Stop(shutdownCtx); err != nil {
				s.logger.Error("Failed to stop HTTP server", "error", err.Error())
			}
		}
		if handler != nil {
			handler.Wait()
		}
		done <- s.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("Error during shutdown", "error", err.Error())
			return err
		}
		s.logger.Info("Shutdown completed", "uptime", s.GetUptime().String())
		return nil
	case <-shutdownCtx.Done():
		s.logger.Error("Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Close releases the archive, redis, probe and tracing resources.
func (s *Server) Close() error {
	var errs []error
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
		s.archive = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		s.redis = nil
	}
	if s.prober != nil {
		if err := s.prober.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close probes: %w", err))
		}
		s.prober = nil
	}
	if err := s.tracer.Close(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("close tracer: %w", err))
	}
	s.tracer = nil
	return errors.Join(errs...)
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
