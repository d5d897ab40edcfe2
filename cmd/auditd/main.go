// Auditd is the audit orchestration daemon.
//
// It runs multi-phase audit workflows over remote tool bridges, suspends
// risky transitions behind governance approvals, and serves the HTTP API
// the audit CLI talks to.
//
// Usage:
//
//	# Start with built-in defaults
//	auditd
//
//	# Start with a config file
//	auditd --config /etc/auditd/config.yaml
//
// Configuration values can be overridden via AUDITD_* environment
// variables, for example AUDITD_SERVER_PORT=9000.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/credential"
	"github.com/fyrsmithlabs/auditd/internal/events"
	"github.com/fyrsmithlabs/auditd/internal/governance"
	"github.com/fyrsmithlabs/auditd/internal/logging"
	"github.com/fyrsmithlabs/auditd/internal/operation"
	"github.com/fyrsmithlabs/auditd/internal/orchestrator"
	"github.com/fyrsmithlabs/auditd/internal/server"
	"github.com/fyrsmithlabs/auditd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "auditd",
	Short: "Audit orchestration daemon",
	Long: `auditd runs multi-phase audit workflows: it drives remote tool
bridges through a fixed phase sequence, iterates the reinforcement loop
until metrics converge, and holds risky transitions for governance
approval. State survives restarts; interrupted runs are recovered as
failed on startup.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until the context is cancelled.
//
// Startup order matters: config, logger, and telemetry come first so every
// later failure is observable; the event publisher and credential checks
// degrade to warnings; the orchestrator recovers interrupted runs before
// the HTTP server starts accepting new ones.
func run(ctx context.Context) error {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	for _, warning := range warnings {
		logger.Warn("config: " + warning)
	}

	logger.Info("starting auditd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Int("port", cfg.Server.Port),
		zap.Int("bridge_endpoints", len(cfg.Bridges.Endpoints)))

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger = logging.AttachOTel(logger, tel.LoggerProvider())

	publisher, err := events.Connect(cfg.Events, logger)
	if err != nil {
		logger.Warn("event publishing disabled, broker unreachable", zap.Error(err))
		publisher = &events.Publisher{}
	}

	creds := credential.NewEnvProvider()
	for _, warning := range credential.CheckRefs(ctx, creds, cfg.Bridges.Endpoints) {
		logger.Warn(warning)
	}

	registry := bridge.NewRegistry(cfg.Bridges.Endpoints)
	client, err := bridge.NewClient(registry, creds, cfg.Bridges.Defaults, logger)
	if err != nil {
		return fmt.Errorf("failed to create bridge client: %w", err)
	}

	tracker, err := operation.NewTracker(client, publisher,
		cfg.Orchestrator.OperationRetention.Duration(), logger)
	if err != nil {
		return fmt.Errorf("failed to create operation tracker: %w", err)
	}

	stateDir, err := cfg.StateDir()
	if err != nil {
		logger.Warn("state directory unresolved, state will not survive restarts", zap.Error(err))
		stateDir = ""
	}

	govStore, err := governance.NewStore(stateDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open governance store: %w", err)
	}
	gov, err := governance.NewService(govStore, publisher,
		cfg.Orchestrator.EscalationWindow.Duration(),
		cfg.Orchestrator.EscalationCheckInterval.Duration(),
		logger)
	if err != nil {
		return fmt.Errorf("failed to create governance service: %w", err)
	}
	go gov.WatchEscalations(ctx)

	runStore, err := orchestrator.NewStore(stateDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	runner := orchestrator.NewBridgeRunner(client, registry, cfg.Orchestrator.PhaseBindings, logger)
	runs, err := orchestrator.NewService(cfg.Orchestrator, runStore, runner, gov, publisher, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if recovered := runs.RecoverInterrupted(ctx); recovered > 0 {
		logger.Info("recovered interrupted runs", zap.Int("count", recovered))
	}

	srv, err := server.NewServer(cfg.Server, runs, gov, client, registry, tracker, publisher, logger)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("auditd ready",
		zap.String("api", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("events_connected", publisher.Connected()),
		zap.Int("bridges", registry.Len()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdown(cfg, logger, srv, runs, tel, publisher, client)
	logger.Info("shutdown complete")
	return nil
}

// shutdown drains in order: stop accepting HTTP requests, let run loops
// reach a phase boundary, then flush telemetry and close the broker.
func shutdown(
	cfg *config.Config,
	logger *zap.Logger,
	srv *server.Server,
	runs *orchestrator.Service,
	tel *telemetry.Telemetry,
	publisher *events.Publisher,
	client bridge.Client,
) {
	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := runs.Shutdown(ctx); err != nil {
		logger.Warn("run loops did not drain, interrupted runs will be recovered on restart",
			zap.Error(err))
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}
	publisher.Close()
	_ = client.Close()
}
