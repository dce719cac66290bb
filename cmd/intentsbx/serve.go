package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intentsbx/internal/api"
	"intentsbx/internal/capability"
	"intentsbx/internal/config"
	"intentsbx/internal/contextstore"
	"intentsbx/internal/mcpcollab"
	"intentsbx/internal/orchestrator"
	"intentsbx/internal/sandbox"
	"intentsbx/internal/telemetry"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execute_intent HTTP server",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (YAML or JSON)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath := serveConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("INTENTSBX_CONFIG")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("starting intentsbx",
		slog.String("config", cfgPath),
		slog.Bool("production", cfg.Production),
		slog.String("orchestrator_mode", cfg.Orchestrator.Mode),
		slog.String("sandbox_backend", cfg.Sandbox.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	health := telemetry.NewHealthChecker(logger)

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}

	audit, err := telemetry.NewAuditSink(cfg.Telemetry.AuditSinkPath, cfg.Telemetry.AuditBufferSize, metrics, logger)
	if err != nil {
		return fmt.Errorf("opening audit sink: %w", err)
	}
	defer audit.Close()

	store, janitor, storeCleanup, err := buildContextStore(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer storeCleanup()
	if janitor != nil {
		janitor.Start()
		defer janitor.Stop()
		health.AddCheck("context_store_sweep", func(ctx context.Context) error {
			_, err := store.Sweep(ctx)
			return err
		})
	}

	capIndex, err := buildCapabilityIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading capability index: %w", err)
	}

	sb, err := sandbox.New(ctx, sandbox.Config{
		Production:      cfg.Production,
		Backend:         cfg.Sandbox.Backend,
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
		MemoryMB:        cfg.Sandbox.MemoryMB,
		PIDsLimit:       cfg.Sandbox.PIDsLimit,
		OutputCapBytes:  cfg.Sandbox.OutputCapBytes,
		GraceMS:         cfg.Sandbox.GraceMS,
		ContainerImage:  cfg.Sandbox.Image,
		CPUCores:        cfg.Sandbox.CPUCores,
		SeccompProfile:  cfg.Sandbox.SeccompProfile,
		AppArmorProfile: cfg.Sandbox.AppArmorProfile,
		PoolEnabled:     cfg.Sandbox.Pool.Enabled,
		PoolSize:        cfg.Sandbox.Pool.Size,
	}, metrics, logger)
	if err != nil {
		return fmt.Errorf("constructing sandbox: %w", err)
	}

	collaborator, collabCleanup, err := buildCollaborator(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting protocol collaborator: %w", err)
	}
	if collabCleanup != nil {
		defer collabCleanup()
	}

	orch := orchestrator.New(
		orchestrator.Config{
			Mode:             orchestrator.Mode(cfg.Orchestrator.Mode),
			MaxConcurrent:    cfg.Orchestrator.MaxConcurrent,
			QueueDepth:       cfg.Orchestrator.QueueDepth,
			TokenBudget:      cfg.Orchestrator.TokenBudget,
			FallbackEnabled:  cfg.Orchestrator.FallbackEnabled,
			CacheTTL:         cfg.Orchestrator.CacheTTL,
			MaxExecutionTime: cfg.Orchestrator.MaxExecutionTime,
		},
		capIndex, sb, collaborator, store, metrics, audit, tracer, logger,
	)

	gw := api.NewGateway(api.Config{
		ListenAddr:        cfg.API.ListenAddr,
		APIKeys:           cfg.API.APIKeys,
		EnableDocs:        cfg.API.EnableDocs,
		MaxRequestSize:    cfg.API.MaxRequestSize,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		BurstSize:         cfg.API.BurstSize,
	}, orch, capIndex)

	telemetryServer := telemetry.NewServer(cfg.Telemetry.MetricsListenAddr, metrics, health)

	errs := make(chan error, 2)
	go func() { errs <- gw.Start(ctx) }()
	go func() { errs <- telemetryServer.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping api gateway", slog.String("error", err.Error()))
	}
	if err := telemetryServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping telemetry server", slog.String("error", err.Error()))
	}

	return nil
}

func buildContextStore(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*contextstore.Store, *contextstore.Janitor, func(), error) {
	switch cfg.ContextStore.Backend {
	case "remote_kv":
		backend, err := contextstore.OpenRemoteBackend(ctx, cfg.ContextStore.Remote.Driver, cfg.ContextStore.Remote.DSN, logger)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("opening remote_kv backend: %w", err)
		}
		store := contextstore.New(backend, cfg.ContextStore.MaxValueSize, metrics)
		janitor := contextstore.NewJanitor(store, cfg.ContextStore.JanitorInterval, logger)
		return store, janitor, func() {}, nil
	default:
		backend := contextstore.NewMemoryBackend(cfg.ContextStore.MaxEntries)
		store := contextstore.New(backend, cfg.ContextStore.MaxValueSize, metrics)
		janitor := contextstore.NewJanitor(store, cfg.ContextStore.JanitorInterval, logger)
		return store, janitor, func() {}, nil
	}
}

func buildCapabilityIndex(cfg *config.Config, logger *slog.Logger) (*capability.Index, error) {
	loader := capability.NewLoader(logger)
	entries, templates, result, err := loader.LoadDir(cfg.Capability.Dir)
	if err != nil {
		return nil, err
	}
	for _, loadErr := range result.Errors {
		logger.Warn("skipping invalid capability file",
			slog.String("file", loadErr.File), slog.String("error", loadErr.Message))
	}
	logger.Info("capability index loaded", slog.Int("count", result.Loaded))
	return capability.NewIndex(entries, templates), nil
}

func buildCollaborator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (orchestrator.ProtocolCollaborator, func(), error) {
	cc := cfg.Orchestrator.Collaborator
	if cc.Transport == "" {
		return nil, nil, nil
	}
	collab, err := mcpcollab.Connect(ctx, mcpcollab.ServerConfig{
		Name:      cc.Name,
		Transport: cc.Transport,
		Command:   cc.Command,
		Args:      cc.Args,
		Env:       cc.Env,
		URL:       cc.URL,
		Headers:   cc.Headers,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return collab, func() { _ = collab.Close() }, nil
}
