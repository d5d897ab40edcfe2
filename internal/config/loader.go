// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix namespaces override variables, e.g. AUDITD_SERVER_PORT.
	envPrefix = "AUDITD_"
)

// authModes are the accepted endpoint auth_mode values.
var authModes = map[string]bool{
	"none":    true,
	"bearer":  true,
	"api_key": true,
	"basic":   true,
}

// Load reads configuration from the YAML file at configPath, then overrides
// with AUDITD_* environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AUDITD_SERVER_PORT, AUDITD_LOGGING_LEVEL, ...)
//  2. YAML config file (default ~/.config/auditd/config.yaml)
//  3. Built-in defaults
//
// A missing file is not an error. A malformed file, an unreadable file, or a
// file with insecure permissions degrades to defaults with zero bridges; the
// problem is reported through the returned warnings so the daemon can log it
// and keep running. Only an invalid effective configuration (after defaults)
// is a hard error.
func Load(configPath string) (*Config, []string, error) {
	k := koanf.New(".")
	var warnings []string

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".config", "auditd", "config.yaml")
		} else {
			warnings = append(warnings, fmt.Sprintf("cannot resolve home directory, skipping config file: %v", err))
		}
	}

	if configPath != "" {
		if w := loadFile(k, configPath); w != "" {
			warnings = append(warnings, w)
		}
	}

	// Environment overrides. AUDITD_SERVER_PORT -> server.port,
	// AUDITD_ORCHESTRATOR_STATE_DIR -> orchestrator.state_dir.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return trimmed
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		warnings = append(warnings, fmt.Sprintf("environment overrides not applied: %v", err))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		warnings = append(warnings, fmt.Sprintf("malformed configuration, using defaults with zero bridges: %v", err))
		cfg = Config{}
	}

	applyDefaults(&cfg)
	warnings = append(warnings, normalizeEndpoints(&cfg)...)

	if err := cfg.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, warnings, nil
}

// loadFile reads and parses one YAML file into k. Returns a warning message
// instead of an error so callers can degrade gracefully.
func loadFile(k *koanf.Koanf, path string) string {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		return fmt.Sprintf("cannot open config file %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Sprintf("cannot stat config file %s: %v", path, err)
	}
	if err := checkFileProperties(info); err != nil {
		return fmt.Sprintf("config file %s rejected: %v", path, err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Sprintf("cannot read config file %s: %v", path, err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Sprintf("malformed config file %s, starting with zero bridges: %v", path, err)
	}
	return ""
}

// checkFileProperties enforces permissions and size on the config file.
// The file can carry credential references, so it must be 0600 or 0400.
// Skipped on Windows (different permission model).
func checkFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure permissions %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// normalizeEndpoints drops endpoint entries that cannot be registered and
// fills per-endpoint defaults. Each dropped entry yields a warning; the
// remaining endpoints stay usable.
func normalizeEndpoints(cfg *Config) []string {
	var warnings []string
	kept := cfg.Bridges.Endpoints[:0]

	seen := make(map[string]bool, len(cfg.Bridges.Endpoints))
	for _, ep := range cfg.Bridges.Endpoints {
		if ep.Name == "" {
			warnings = append(warnings, "dropping bridge endpoint with empty name")
			continue
		}
		if ep.BaseAddress == "" {
			warnings = append(warnings, fmt.Sprintf("dropping bridge endpoint %q: base_address is required", ep.Name))
			continue
		}
		if !strings.HasPrefix(ep.BaseAddress, "http://") && !strings.HasPrefix(ep.BaseAddress, "https://") {
			warnings = append(warnings, fmt.Sprintf("dropping bridge endpoint %q: base_address must be http(s), got %q", ep.Name, ep.BaseAddress))
			continue
		}
		if seen[ep.Name] {
			warnings = append(warnings, fmt.Sprintf("dropping duplicate bridge endpoint %q", ep.Name))
			continue
		}
		seen[ep.Name] = true

		if ep.AuthMode == "" {
			ep.AuthMode = "none"
		}
		if !authModes[ep.AuthMode] {
			warnings = append(warnings, fmt.Sprintf("dropping bridge endpoint %q: unknown auth_mode %q", ep.Name, ep.AuthMode))
			continue
		}
		if ep.AuthMode != "none" && ep.CredentialRef == "" {
			warnings = append(warnings, fmt.Sprintf("bridge endpoint %q uses auth_mode %s without credential_ref; calls will fail authentication", ep.Name, ep.AuthMode))
		}

		if ep.Timeout == 0 {
			ep.Timeout = cfg.Bridges.Defaults.Timeout
		}
		if ep.Retry.MaxRetries == 0 {
			ep.Retry.MaxRetries = 3
		}
		if ep.Retry.BackoffFactor == 0 {
			ep.Retry.BackoffFactor = 2.0
		}
		if ep.Retry.MaxBackoff == 0 {
			ep.Retry.MaxBackoff = Duration(30 * time.Second)
		}

		kept = append(kept, ep)
	}

	cfg.Bridges.Endpoints = kept
	return warnings
}

// StateDir resolves the effective state directory, defaulting under the
// user's config directory.
func (c *Config) StateDir() (string, error) {
	if c.Orchestrator.StateDir != "" {
		return c.Orchestrator.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "auditd", "state"), nil
}
