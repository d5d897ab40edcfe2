// Package config provides configuration loading for auditd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Bridge endpoint configuration is tolerant: a missing or
// malformed bridges section degrades to zero registered bridges with a
// warning, it never prevents the daemon from starting.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete auditd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Events       EventsConfig       `koanf:"events"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Bridges      BridgesConfig      `koanf:"bridges"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool           `koanf:"enabled"`
	Endpoint       string         `koanf:"endpoint"`
	Protocol       string         `koanf:"protocol"` // grpc or http/protobuf
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	Insecure       bool           `koanf:"insecure"`
	TLSSkipVerify  bool           `koanf:"tls_skip_verify"`
	Sampling       SamplingConfig `koanf:"sampling"`
	Metrics        MetricsConfig  `koanf:"metrics"`
	Logs           LogsConfig     `koanf:"logs"`
	Shutdown       ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig controls trace sampling behavior.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"` // 0.0-1.0, default 1.0
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// LogsConfig controls shipping log entries through the zap bridge to the
// OTLP endpoint.
type LogsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ShutdownConfig controls graceful telemetry shutdown.
type ShutdownConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// EventsConfig holds NATS lifecycle-event publishing configuration.
// When disabled (the default) auditd runs without a broker and event
// publishing is a no-op.
type EventsConfig struct {
	Enabled       bool     `koanf:"enabled"`
	URL           string   `koanf:"url"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// OrchestratorConfig holds audit run defaults and engine tuning.
type OrchestratorConfig struct {
	// StateDir is where run and governance state snapshots are persisted.
	StateDir string `koanf:"state_dir"`

	// MaxIterations caps reinforcement loop repetitions per run.
	MaxIterations int `koanf:"max_iterations"`

	// DeltaThreshold is the deltaReduction level below which the
	// reinforcement loop is considered optimized.
	DeltaThreshold float64 `koanf:"delta_threshold"`

	// ConvergenceWindow is the number of trailing iterations inspected
	// for a non-increasing delta trend.
	ConvergenceWindow int `koanf:"convergence_window"`

	// ConvergenceTolerance allows small delta increases within the window.
	ConvergenceTolerance float64 `koanf:"convergence_tolerance"`

	// CoverageThreshold is the default execution-phase coverage gate.
	CoverageThreshold float64 `koanf:"coverage_threshold"`

	// Platforms is the set of platform names accepted on run submission.
	Platforms []string `koanf:"platforms"`

	// EscalationWindow is how long a governance request may stay pending
	// before an escalation event is emitted. Requests never auto-resolve.
	EscalationWindow Duration `koanf:"escalation_window"`

	// EscalationCheckInterval is how often pending requests are scanned.
	EscalationCheckInterval Duration `koanf:"escalation_check_interval"`

	// OperationRetention is how long terminal operations stay queryable.
	OperationRetention Duration `koanf:"operation_retention"`

	// PhaseBindings routes phase work to a bridge tool, keyed by phase name.
	PhaseBindings map[string]PhaseBinding `koanf:"phase_bindings"`
}

// PhaseBinding names the bridge tool that executes one phase's work.
type PhaseBinding struct {
	Bridge string `koanf:"bridge"`
	Tool   string `koanf:"tool"`
}

// BridgesConfig is the declarative tool-endpoint list plus global defaults.
type BridgesConfig struct {
	Defaults  BridgeDefaults   `koanf:"defaults"`
	Endpoints []EndpointConfig `koanf:"endpoints"`
}

// BridgeDefaults apply to endpoints that leave the matching field unset.
type BridgeDefaults struct {
	Timeout               Duration `koanf:"timeout"`
	MaxConcurrentRequests int      `koanf:"max_concurrent_requests"`
	RequestsPerSecond     float64  `koanf:"requests_per_second"`
	Burst                 int      `koanf:"burst"`
	CacheTTL              Duration `koanf:"cache_ttl"`
}

// EndpointConfig declares one remote tool endpoint.
type EndpointConfig struct {
	Name          string      `koanf:"name"`
	BaseAddress   string      `koanf:"base_address"`
	AuthMode      string      `koanf:"auth_mode"` // none, bearer, api_key, basic
	CredentialRef string      `koanf:"credential_ref"`
	Timeout       Duration    `koanf:"timeout"`
	Retry         RetryConfig `koanf:"retry"`
	Enabled       *bool       `koanf:"enabled"`
}

// IsEnabled reports whether the endpoint is active. Unset means enabled.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// RetryConfig tunes the retry policy for one endpoint.
type RetryConfig struct {
	MaxRetries    int      `koanf:"max_retries"`
	BackoffFactor float64  `koanf:"backoff_factor"`
	MaxBackoff    Duration `koanf:"max_backoff"`
}

// NewDefault returns the built-in configuration used when no file and no
// environment overrides are present.
func NewDefault() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8820
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "auditd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = 1.0
	}
	if cfg.Telemetry.Metrics.ExportInterval == 0 {
		cfg.Telemetry.Metrics.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.Shutdown.Timeout == 0 {
		cfg.Telemetry.Shutdown.Timeout = Duration(5 * time.Second)
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.MaxReconnects == 0 {
		cfg.Events.MaxReconnects = 5
	}
	if cfg.Events.ReconnectWait == 0 {
		cfg.Events.ReconnectWait = Duration(1 * time.Second)
	}

	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 5
	}
	if cfg.Orchestrator.DeltaThreshold == 0 {
		cfg.Orchestrator.DeltaThreshold = 0.05
	}
	if cfg.Orchestrator.ConvergenceWindow == 0 {
		cfg.Orchestrator.ConvergenceWindow = 3
	}
	if cfg.Orchestrator.ConvergenceTolerance == 0 {
		cfg.Orchestrator.ConvergenceTolerance = 0.01
	}
	if cfg.Orchestrator.CoverageThreshold == 0 {
		cfg.Orchestrator.CoverageThreshold = 0.80
	}
	if len(cfg.Orchestrator.Platforms) == 0 {
		cfg.Orchestrator.Platforms = []string{"ios", "android", "web", "desktop", "backend"}
	}
	if cfg.Orchestrator.EscalationWindow == 0 {
		cfg.Orchestrator.EscalationWindow = Duration(5 * time.Minute)
	}
	if cfg.Orchestrator.EscalationCheckInterval == 0 {
		cfg.Orchestrator.EscalationCheckInterval = Duration(30 * time.Second)
	}
	if cfg.Orchestrator.OperationRetention == 0 {
		cfg.Orchestrator.OperationRetention = Duration(10 * time.Minute)
	}

	if cfg.Bridges.Defaults.Timeout == 0 {
		cfg.Bridges.Defaults.Timeout = Duration(30 * time.Second)
	}
	if cfg.Bridges.Defaults.MaxConcurrentRequests == 0 {
		cfg.Bridges.Defaults.MaxConcurrentRequests = 8
	}
	if cfg.Bridges.Defaults.RequestsPerSecond == 0 {
		cfg.Bridges.Defaults.RequestsPerSecond = 10
	}
	if cfg.Bridges.Defaults.Burst == 0 {
		cfg.Bridges.Defaults.Burst = 5
	}
	if cfg.Bridges.Defaults.CacheTTL == 0 {
		cfg.Bridges.Defaults.CacheTTL = Duration(5 * time.Minute)
	}
}

// Validate checks the effective configuration. Violations here are
// startup-fatal; per-endpoint problems are handled as load warnings instead.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry service_name is required when telemetry is enabled")
		}
		if c.Telemetry.Sampling.Rate < 0 || c.Telemetry.Sampling.Rate > 1 {
			return fmt.Errorf("telemetry sampling.rate must be between 0 and 1, got %f", c.Telemetry.Sampling.Rate)
		}
	}

	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator max_iterations must be at least 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.DeltaThreshold <= 0 || c.Orchestrator.DeltaThreshold >= 1 {
		return fmt.Errorf("orchestrator delta_threshold must be in (0,1), got %f", c.Orchestrator.DeltaThreshold)
	}
	if c.Orchestrator.ConvergenceWindow < 2 {
		return fmt.Errorf("orchestrator convergence_window must be at least 2, got %d", c.Orchestrator.ConvergenceWindow)
	}
	if c.Orchestrator.CoverageThreshold < 0 || c.Orchestrator.CoverageThreshold > 1 {
		return fmt.Errorf("orchestrator coverage_threshold must be in [0,1], got %f", c.Orchestrator.CoverageThreshold)
	}

	return nil
}
