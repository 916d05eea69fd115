package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"agent-chaos/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	RunIDKey         ContextKey = "run_id"
	ServiceKey       ContextKey = "service"
)

// NewLogger creates a new structured logger using slog and installs it as the default.
func NewLogger(cfg *config.LoggingConfig) *Logger {
	logger := New(cfg, outputWriter(cfg.Output))
	slog.SetDefault(logger.Logger)
	return logger
}

// New builds a logger writing to w without touching the slog default.
func New(cfg *config.LoggingConfig, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// Discard returns a logger that drops everything. Used by components built without one.
func Discard() *Logger {
	cfg := TestLoggingConfig()
	return New(&cfg, io.Discard)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func outputWriter(output string) io.Writer {
	switch output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		slog.Warn("Failed to open log file, using stdout", "error", err, "file", output)
		return os.Stdout
	}
	return file
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		logger = logger.With("correlation_id", correlationID)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if runID := ctx.Value(RunIDKey); runID != nil {
		logger = logger.With("run_id", runID)
	}
	if service := ctx.Value(ServiceKey); service != nil {
		logger = logger.With("service", service)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}

	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

// WithExperiment scopes the logger to one experiment and, if set, its phase.
func (l *Logger) WithExperiment(experimentID, phase string) *Logger {
	logger := l.Logger.With("experiment_id", experimentID)
	if phase != "" {
		logger = logger.With("phase", phase)
	}
	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// DebugContext logs a debug message with context
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(msg, args...)
}

// RequestStart logs the start of a request
func (l *Logger) RequestStart(ctx context.Context, method, path, userAgent string) {
	if l.config != nil && !l.config.EnableRequestTracing {
		return
	}
	l.WithContext(ctx).Info("Request started",
		"method", method,
		"path", path,
		"user_agent", userAgent,
	)
}

// RequestEnd logs the end of a request
func (l *Logger) RequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, size int64) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	l.WithContext(ctx).Log(ctx, level, "Request completed",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", size,
	)
}

// PhaseTransition logs an experiment moving between lifecycle phases
func (l *Logger) PhaseTransition(ctx context.Context, experimentID, from, to string, details map[string]interface{}) {
	args := []interface{}{
		"experiment_id", experimentID,
		"from", from,
		"to", to,
	}

	for key, value := range details {
		args = append(args, key, value)
	}

	level := slog.LevelInfo
	if to == "ABORTED" {
		level = slog.LevelWarn
	}

	l.WithContext(ctx).Log(ctx, level, "Phase transition", args...)
}

// GuardrailEvent logs kill-switch activity. Severity picks the level.
func (l *Logger) GuardrailEvent(ctx context.Context, guardrail, severity string, details map[string]interface{}) {
	args := []interface{}{
		"guardrail", guardrail,
		"severity", severity,
	}

	for key, value := range details {
		args = append(args, key, value)
	}

	var level slog.Level
	switch severity {
	case "info":
		level = slog.LevelInfo
	case "warning":
		level = slog.LevelWarn
	case "critical":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	l.WithContext(ctx).Log(ctx, level, "Guardrail event", args...)
}

// TurnCompleted logs one agent turn at debug level
func (l *Logger) TurnCompleted(ctx context.Context, experimentID, phase string, turn int, latencySeconds float64, succeeded bool) {
	if l.config != nil && !l.config.EnableTurnLogging {
		return
	}
	l.WithContext(ctx).Debug("Turn completed",
		"experiment_id", experimentID,
		"phase", phase,
		"turn", turn,
		"llm_latency_seconds", latencySeconds,
		"succeeded", succeeded,
	)
}

// StorageOperation logs report archive operations
func (l *Logger) StorageOperation(ctx context.Context, operation, key string, duration time.Duration, err error) {
	logger := l.WithContext(ctx).With(
		"operation", operation,
		"key", key,
		"duration_ms", duration.Milliseconds(),
	)

	if err != nil {
		logger.Error("Storage operation failed", "error", err.Error())
	} else {
		logger.Debug("Storage operation completed")
	}
}
