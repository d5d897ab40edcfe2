package config

import (
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8820 {
		t.Errorf("Server.Port = %d, want 8820", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false (disabled by default)")
	}
	if cfg.Events.Enabled {
		t.Error("Events.Enabled = true, want false (disabled by default)")
	}
	if cfg.Orchestrator.MaxIterations != 5 {
		t.Errorf("Orchestrator.MaxIterations = %d, want 5", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Orchestrator.DeltaThreshold != 0.05 {
		t.Errorf("Orchestrator.DeltaThreshold = %f, want 0.05", cfg.Orchestrator.DeltaThreshold)
	}
	if cfg.Orchestrator.ConvergenceWindow != 3 {
		t.Errorf("Orchestrator.ConvergenceWindow = %d, want 3", cfg.Orchestrator.ConvergenceWindow)
	}
	if cfg.Orchestrator.CoverageThreshold != 0.80 {
		t.Errorf("Orchestrator.CoverageThreshold = %f, want 0.80", cfg.Orchestrator.CoverageThreshold)
	}
	if cfg.Orchestrator.EscalationWindow.Duration() != 5*time.Minute {
		t.Errorf("Orchestrator.EscalationWindow = %v, want 5m", cfg.Orchestrator.EscalationWindow.Duration())
	}
	if len(cfg.Orchestrator.Platforms) != 5 {
		t.Errorf("Orchestrator.Platforms = %v, want 5 entries", cfg.Orchestrator.Platforms)
	}
	if cfg.Bridges.Defaults.Timeout.Duration() != 30*time.Second {
		t.Errorf("Bridges.Defaults.Timeout = %v, want 30s", cfg.Bridges.Defaults.Timeout.Duration())
	}
	if len(cfg.Bridges.Endpoints) != 0 {
		t.Errorf("Bridges.Endpoints = %v, want empty", cfg.Bridges.Endpoints)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "port too large",
			mutate:  func(cfg *Config) { cfg.Server.Port = 99999 },
			wantErr: true,
		},
		{
			name:    "port zero",
			mutate:  func(cfg *Config) { cfg.Server.Port = -1 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name: "telemetry enabled without endpoint",
			mutate: func(cfg *Config) {
				cfg.Telemetry.Enabled = true
				cfg.Telemetry.Endpoint = ""
			},
			wantErr: true,
		},
		{
			name: "telemetry sampling rate out of range",
			mutate: func(cfg *Config) {
				cfg.Telemetry.Enabled = true
				cfg.Telemetry.Sampling.Rate = 1.5
			},
			wantErr: true,
		},
		{
			name:    "max iterations zero",
			mutate:  func(cfg *Config) { cfg.Orchestrator.MaxIterations = 0 },
			wantErr: true,
		},
		{
			name:    "delta threshold out of range",
			mutate:  func(cfg *Config) { cfg.Orchestrator.DeltaThreshold = 1.0 },
			wantErr: true,
		},
		{
			name:    "convergence window too small",
			mutate:  func(cfg *Config) { cfg.Orchestrator.ConvergenceWindow = 1 },
			wantErr: true,
		},
		{
			name:    "coverage threshold above one",
			mutate:  func(cfg *Config) { cfg.Orchestrator.CoverageThreshold = 1.01 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointConfig_IsEnabled(t *testing.T) {
	var ep EndpointConfig
	if !ep.IsEnabled() {
		t.Error("IsEnabled() = false for unset flag, want true")
	}

	enabled := true
	ep.Enabled = &enabled
	if !ep.IsEnabled() {
		t.Error("IsEnabled() = false for explicit true, want true")
	}

	disabled := false
	ep.Enabled = &disabled
	if ep.IsEnabled() {
		t.Error("IsEnabled() = true for explicit false, want false")
	}
}
