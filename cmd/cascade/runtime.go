package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascade-ai/cascade/internal/config"
	"github.com/cascade-ai/cascade/internal/llm"
	"github.com/cascade-ai/cascade/internal/mcp"
	"github.com/cascade-ai/cascade/internal/observability"
	"github.com/cascade-ai/cascade/internal/orchestrator"
	"github.com/cascade-ai/cascade/internal/proclife"
	"github.com/cascade-ai/cascade/internal/prompts"
	"github.com/cascade-ai/cascade/internal/sessions"
	"github.com/cascade-ai/cascade/pkg/models"
)

// runtime holds the fully wired component graph for one CLI invocation.
type runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	store        sessions.Store
	supervisor   *proclife.Supervisor
	manager      *mcp.Manager
	orchestrator *orchestrator.Orchestrator
	metricsSrv   *http.Server
}

// newRuntime loads configuration and brings up the component graph bottom-up:
// logging, metrics, store, LLM provider, process supervisor, worker manager,
// then the orchestrator on top.
func newRuntime(ctx context.Context, configPath string, debug bool) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}
	provider = llm.WithRetry(provider, cfg.LLM.MaxAttempts, logger, metrics)

	supervisor := proclife.New(logger)
	manager := mcp.NewManager(cfg.Workers, mcp.ManagerOptions{
		Logger:         logger,
		Metrics:        metrics,
		Supervisor:     supervisor,
		HealthInterval: cfg.Orchestrator.HealthInterval,
	})
	if err := manager.Initialize(ctx); err != nil {
		store.Close()
		supervisor.Close()
		return nil, fmt.Errorf("initialize workers: %w", err)
	}

	promptRegistry, err := prompts.NewRegistry(cfg.Prompts.Dir)
	if err != nil {
		manager.Shutdown(ctx)
		store.Close()
		supervisor.Close()
		return nil, err
	}

	factory := orchestrator.NewFactory(orchestrator.Dependencies{
		Provider: provider,
		Tools:    manager,
		Prompts:  promptRegistry,
		Logger:   logger,
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Store:             store,
		Factory:           factory,
		Logger:            logger,
		Metrics:           metrics,
		MaxLoopIterations: cfg.Orchestrator.MaxLoopIterations,
		MaxTurnIterations: cfg.Orchestrator.MaxTurnIterations,
		PhaseTimeouts:     phaseTimeouts(cfg),
	})
	if err != nil {
		manager.Shutdown(ctx)
		store.Close()
		supervisor.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		store:        store,
		supervisor:   supervisor,
		manager:      manager,
		orchestrator: orch,
	}
	if cfg.Metrics.Enabled {
		rt.startMetricsServer(registry)
	}
	return rt, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	// A missing config file is fine for tool-less local use; everything
	// else is a real error.
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func newStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Store.Kind {
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Store.Path)
	default:
		return sessions.NewMemoryStore(), nil
	}
}

func phaseTimeouts(cfg *config.Config) map[models.Phase]time.Duration {
	if len(cfg.Orchestrator.PhaseTimeouts) == 0 {
		return nil
	}
	byName := map[string]models.Phase{
		models.PhaseIntentAnalysis.String():      models.PhaseIntentAnalysis,
		models.PhaseFunctionSelection.String():   models.PhaseFunctionSelection,
		models.PhaseParameterGeneration.String(): models.PhaseParameterGeneration,
		models.PhaseToolExecution.String():       models.PhaseToolExecution,
		models.PhaseResponseSynthesis.String():   models.PhaseResponseSynthesis,
	}
	out := make(map[models.Phase]time.Duration)
	for name, d := range cfg.Orchestrator.PhaseTimeouts {
		if p, ok := byName[name]; ok {
			out[p] = d
		}
	}
	return out
}

func (rt *runtime) startMetricsServer(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	rt.metricsSrv = &http.Server{
		Addr:         rt.cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "error", err)
		}
	}()
	rt.logger.Info("metrics server started", "address", rt.cfg.Metrics.Address)
}

// Close tears the graph down in reverse order. The supervisor goes last so
// worker process trees cannot leak past shutdown.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rt.metricsSrv != nil {
		_ = rt.metricsSrv.Shutdown(ctx)
	}
	rt.manager.Shutdown(ctx)
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing conversation store", "error", err)
	}
	rt.supervisor.Close()
}

// expireIdleConversations applies the configured retention to SQLite stores.
func (rt *runtime) expireIdleConversations(ctx context.Context) {
	if rt.cfg.Store.Retention <= 0 {
		return
	}
	s, ok := rt.store.(*sessions.SQLiteStore)
	if !ok {
		return
	}
	n, err := s.DeleteIdle(ctx, rt.cfg.Store.Retention)
	if err != nil {
		rt.logger.Warn("conversation expiry failed", "error", err)
		return
	}
	if n > 0 {
		rt.logger.Info("expired idle conversations", "count", n)
	}
}
