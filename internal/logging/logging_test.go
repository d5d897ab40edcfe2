package logging

import (
	"syscall"
	"testing"

	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/auditd/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{name: "json info", cfg: config.LoggingConfig{Level: "info", Format: "json"}},
		{name: "console debug", cfg: config.LoggingConfig{Level: "debug", Format: "console"}},
		{name: "warn level", cfg: config.LoggingConfig{Level: "warn", Format: "json"}},
		{name: "invalid level", cfg: config.LoggingConfig{Level: "loud", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v, want nil", err)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNew_LevelGating(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at warn level, want disabled")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error disabled at warn level, want enabled")
	}
}

func TestIsStdoutSyncError(t *testing.T) {
	if !isStdoutSyncError(syscall.EINVAL) {
		t.Error("EINVAL should be treated as harmless")
	}
	if !isStdoutSyncError(syscall.ENOTTY) {
		t.Error("ENOTTY should be treated as harmless")
	}
	if isStdoutSyncError(syscall.EACCES) {
		t.Error("EACCES should not be swallowed")
	}
}

func TestAttachOTel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := AttachOTel(logger, nil); got != logger {
		t.Error("nil provider should leave the logger unchanged")
	}

	bridged := AttachOTel(logger, noop.NewLoggerProvider())
	if bridged == logger {
		t.Error("AttachOTel returned the original logger, want a teed one")
	}
	if !bridged.Core().Enabled(zapcore.InfoLevel) {
		t.Error("bridged logger lost the configured level")
	}
}
