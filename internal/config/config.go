package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Runner     RunnerConfig    `yaml:"runner" json:"runner"`
	Guardrails GuardrailConfig `yaml:"guardrails" json:"guardrails"`
	Recovery   RecoveryConfig  `yaml:"recovery" json:"recovery"`
	Agent      AgentConfig     `yaml:"agent" json:"agent"`
	Probes     ProbesConfig    `yaml:"probes" json:"probes"`
	Archive    ArchiveConfig   `yaml:"archive" json:"archive"`
	Redis      RedisConfig     `yaml:"redis" json:"redis"`
	Server     ServerConfig    `yaml:"server" json:"server"`
	Logging    LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig   `yaml:"tracing" json:"tracing"`
}

type RunnerConfig struct {
	ExperimentsDir   string        `yaml:"experiments_dir" json:"experiments_dir"`
	ReportsDir       string        `yaml:"reports_dir" json:"reports_dir"`
	TurnTimeout      time.Duration `yaml:"turn_timeout" json:"turn_timeout"`
	AbortGrace       time.Duration `yaml:"abort_grace" json:"abort_grace"` // bounded wait for an in-flight turn on abort
	MaxRecoveryTurns int           `yaml:"max_recovery_turns" json:"max_recovery_turns"`
	Schedule         string        `yaml:"schedule" json:"schedule"` // cron expression used by serve mode, empty = disabled
}

// GuardrailConfig mirrors the kill-switch limits. Every comparison is strict "greater than".
type GuardrailConfig struct {
	MaxProbeFailures       int           `yaml:"max_probe_failures" json:"max_probe_failures"`
	CriticalLatencySeconds float64       `yaml:"critical_latency_seconds" json:"critical_latency_seconds"`
	LatencyStreakTurns     int           `yaml:"latency_streak_turns" json:"latency_streak_turns"`
	MaxRetriesPerRequest   int           `yaml:"max_retries_per_request" json:"max_retries_per_request"`
	MaxTokensPerSession    int           `yaml:"max_tokens_per_session" json:"max_tokens_per_session"`
	MaxSessionDuration     time.Duration `yaml:"max_session_duration" json:"max_session_duration"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	WarnRatio              float64       `yaml:"warn_ratio" json:"warn_ratio"` // early warning fraction of token/duration budgets
}

type RecoveryConfig struct {
	ConfirmationTurns      int     `yaml:"confirmation_turns" json:"confirmation_turns"`
	ContextSizeWarn        int     `yaml:"context_size_warn" json:"context_size_warn"`
	LLMLatencyWarn         float64 `yaml:"llm_latency_warn" json:"llm_latency_warn"`
	FirstChunkLatencyWarn  float64 `yaml:"first_chunk_latency_warn" json:"first_chunk_latency_warn"`
	RetriesWarn            int     `yaml:"retries_warn" json:"retries_warn"`
	MemoryRetrievalsWarn   int     `yaml:"memory_retrievals_warn" json:"memory_retrievals_warn"`
}

type AgentConfig struct {
	Mode     string        `yaml:"mode" json:"mode"` // simulated | http
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	// Simulator settings
	Seed                  int64   `yaml:"seed" json:"seed"`
	BaseLatencySeconds    float64 `yaml:"base_latency_seconds" json:"base_latency_seconds"`
	FirstChunkRatio       float64 `yaml:"first_chunk_ratio" json:"first_chunk_ratio"`
	JitterRatio           float64 `yaml:"jitter_ratio" json:"jitter_ratio"`
	TokensInPerTurn       int     `yaml:"tokens_in_per_turn" json:"tokens_in_per_turn"`
	TokensOutPerTurn      int     `yaml:"tokens_out_per_turn" json:"tokens_out_per_turn"`
	BaseContextSize       int     `yaml:"base_context_size" json:"base_context_size"`
	ContextGrowthPerTurn  int     `yaml:"context_growth_per_turn" json:"context_growth_per_turn"`
	MaxRetryAttempts      int     `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	RetryBackoffSeconds   float64 `yaml:"retry_backoff_seconds" json:"retry_backoff_seconds"`
	SimulateWallClock     bool    `yaml:"simulate_wall_clock" json:"simulate_wall_clock"` // sleep for the synthetic latency
}

type ProbesConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Targets []ProbeTarget `yaml:"targets" json:"targets"`
}

type ProbeTarget struct {
	Name    string        `yaml:"name" json:"name"`
	Type    string        `yaml:"type" json:"type"` // http | grpc
	Address string        `yaml:"address" json:"address"`
	Service string        `yaml:"service" json:"service"` // grpc health service name
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ArchiveConfig configures the badger report archive. Retain caps the reports
// kept per experiment; 0 keeps all.
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	DataPath   string `yaml:"data_path" json:"data_path"`
	InMemory   bool   `yaml:"in_memory" json:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes" json:"sync_writes"`
	Retain     int    `yaml:"retain" json:"retain"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	ListKey  string `yaml:"list_key" json:"list_key"`
	Channel  string `yaml:"channel" json:"channel"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

type LoggingConfig struct {
	Level                string `yaml:"level" json:"level"`
	Format               string `yaml:"format" json:"format"`
	Output               string `yaml:"output" json:"output"`
	EnableRequestTracing bool   `yaml:"enable_request_tracing" json:"enable_request_tracing"`
	EnableTurnLogging    bool   `yaml:"enable_turn_logging" json:"enable_turn_logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"`
	JaegerEndpoint string            `yaml:"jaeger_endpoint" json:"jaeger_endpoint"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			ExperimentsDir:   "chaos/experiments",
			ReportsDir:       "chaos/reports",
			TurnTimeout:      30 * time.Second,
			AbortGrace:       5 * time.Second,
			MaxRecoveryTurns: 10,
		},
		Guardrails: GuardrailConfig{
			MaxProbeFailures:       3,
			CriticalLatencySeconds: 8.0,
			LatencyStreakTurns:     5,
			MaxRetriesPerRequest:   5,
			MaxTokensPerSession:    50000,
			MaxSessionDuration:     300 * time.Second,
			MaxConsecutiveFailures: 10,
			WarnRatio:              0.8,
		},
		Recovery: RecoveryConfig{
			ConfirmationTurns:     3,
			ContextSizeWarn:       8500,
			LLMLatencyWarn:        5.0,
			FirstChunkLatencyWarn: 2.5,
			RetriesWarn:           1,
			MemoryRetrievalsWarn:  2,
		},
		Agent: AgentConfig{
			Mode:                 "simulated",
			Timeout:              30 * time.Second,
			Seed:                 42,
			BaseLatencySeconds:   1.2,
			FirstChunkRatio:      0.35,
			JitterRatio:          0.1,
			TokensInPerTurn:      600,
			TokensOutPerTurn:     150,
			BaseContextSize:      2000,
			ContextGrowthPerTurn: 150,
			MaxRetryAttempts:     3,
			RetryBackoffSeconds:  0.5,
		},
		Probes: ProbesConfig{
			Enabled: false,
			Targets: []ProbeTarget{},
		},
		Archive: ArchiveConfig{
			Enabled:    true,
			DataPath:   "./data/reports",
			InMemory:   false,
			SyncWrites: true,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			ListKey: "agent-chaos:reports",
			Channel: "agent-chaos:events",
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8089,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:                "info",
			Format:               "json",
			Output:               "stdout",
			EnableRequestTracing: true,
			EnableTurnLogging:    false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "agent-chaos",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			JaegerEndpoint: "http://localhost:14268/api/traces",
			OTLPEndpoint:   "localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	// Runner configuration
	if dir := os.Getenv("CHAOS_EXPERIMENTS_DIR"); dir != "" {
		config.Runner.ExperimentsDir = dir
	}
	if dir := os.Getenv("CHAOS_REPORTS_DIR"); dir != "" {
		config.Runner.ReportsDir = dir
	}
	if timeout := os.Getenv("CHAOS_TURN_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Runner.TurnTimeout = d
		}
	}
	if turns := os.Getenv("CHAOS_MAX_RECOVERY_TURNS"); turns != "" {
		if n, err := strconv.Atoi(turns); err == nil {
			config.Runner.MaxRecoveryTurns = n
		}
	}
	if schedule := os.Getenv("CHAOS_SCHEDULE"); schedule != "" {
		config.Runner.Schedule = schedule
	}

	// Agent configuration
	if mode := os.Getenv("CHAOS_AGENT_MODE"); mode != "" {
		config.Agent.Mode = mode
	}
	if endpoint := os.Getenv("CHAOS_AGENT_ENDPOINT"); endpoint != "" {
		config.Agent.Endpoint = endpoint
	}
	if seed := os.Getenv("CHAOS_AGENT_SEED"); seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			config.Agent.Seed = s
		}
	}

	// Server configuration
	if port := os.Getenv("CHAOS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Archive and sinks
	if enabled := os.Getenv("CHAOS_ARCHIVE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Archive.Enabled = b
		}
	}
	if path := os.Getenv("CHAOS_ARCHIVE_PATH"); path != "" {
		config.Archive.DataPath = path
	}
	if retain := os.Getenv("CHAOS_ARCHIVE_RETAIN"); retain != "" {
		if n, err := strconv.Atoi(retain); err == nil {
			config.Archive.Retain = n
		}
	}
	if enabled := os.Getenv("CHAOS_REDIS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Redis.Enabled = b
		}
	}
	if addr := os.Getenv("CHAOS_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	// Logging configuration
	if level := os.Getenv("CHAOS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CHAOS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Tracing configuration
	if enabled := os.Getenv("CHAOS_TRACING_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tracing.Enabled = b
		}
	}
}

func (c *Config) Validate() error {
	// Runner validation
	if c.Runner.ExperimentsDir == "" {
		return fmt.Errorf("experiments directory cannot be empty")
	}
	if c.Runner.ReportsDir == "" {
		return fmt.Errorf("reports directory cannot be empty")
	}
	if c.Runner.TurnTimeout <= 0 {
		return fmt.Errorf("turn timeout must be positive")
	}
	if c.Runner.AbortGrace < 0 {
		return fmt.Errorf("abort grace cannot be negative")
	}
	if c.Runner.MaxRecoveryTurns <= 0 {
		return fmt.Errorf("max recovery turns must be positive")
	}
	if c.Runner.Schedule != "" {
		if _, err := cron.ParseStandard(c.Runner.Schedule); err != nil {
			return fmt.Errorf("invalid runner schedule %q: %w", c.Runner.Schedule, err)
		}
	}

	// Guardrail validation
	g := c.Guardrails
	if g.MaxProbeFailures < 0 || g.MaxRetriesPerRequest < 0 || g.MaxTokensPerSession < 0 || g.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("guardrail limits cannot be negative")
	}
	if g.CriticalLatencySeconds <= 0 {
		return fmt.Errorf("critical latency must be positive")
	}
	if g.LatencyStreakTurns <= 0 {
		return fmt.Errorf("latency streak turns must be positive")
	}
	if g.MaxSessionDuration <= 0 {
		return fmt.Errorf("max session duration must be positive")
	}
	if g.WarnRatio < 0 || g.WarnRatio > 1 {
		return fmt.Errorf("guardrail warn ratio must be within [0,1]: %v", g.WarnRatio)
	}

	// Recovery validation
	if c.Recovery.ConfirmationTurns <= 0 {
		return fmt.Errorf("recovery confirmation turns must be positive")
	}

	// Agent validation
	switch c.Agent.Mode {
	case "simulated":
	case "http":
		if c.Agent.Endpoint == "" {
			return fmt.Errorf("agent endpoint cannot be empty in http mode")
		}
	default:
		return fmt.Errorf("invalid agent mode: %s", c.Agent.Mode)
	}

	// Probe validation
	if c.Probes.Enabled {
		for _, target := range c.Probes.Targets {
			if target.Name == "" || target.Address == "" {
				return fmt.Errorf("probe targets require a name and an address")
			}
			if target.Type != "http" && target.Type != "grpc" {
				return fmt.Errorf("invalid probe type for %s: %s", target.Name, target.Type)
			}
		}
	}

	// Archive validation
	if c.Archive.Enabled && !c.Archive.InMemory && c.Archive.DataPath == "" {
		return fmt.Errorf("archive data path cannot be empty when not using in-memory storage")
	}
	if c.Archive.Retain < 0 {
		return fmt.Errorf("archive retain cannot be negative: %d", c.Archive.Retain)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when redis is enabled")
	}

	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
