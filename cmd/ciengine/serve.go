package main

import (
	"ciengine/internal/api"
	"ciengine/internal/artifact"
	"ciengine/internal/config"
	"ciengine/internal/definition"
	"ciengine/internal/dispatcher"
	"ciengine/internal/engine"
	"ciengine/internal/environment"
	"ciengine/internal/health"
	"ciengine/internal/observability"
	"ciengine/internal/secrets"
	"ciengine/internal/store"
	"ciengine/internal/vcs"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	vcsCfg := vcs.LoadConfigFromEnv()
	kafkaCfg := dispatcher.LoadKafkaConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	catalog, err := definition.Load(svcCfg.DefinitionsPath)
	if err != nil {
		return err
	}

	runStore, err := store.New(ctx, store.LoadConfigFromEnv())
	if err != nil {
		return err
	}
	defer runStore.Close()

	backend, err := artifact.NewBackend(ctx, artifact.LoadConfigFromEnv())
	if err != nil {
		return err
	}

	runtime, err := environment.New(ctx, environment.LoadConfigFromEnv())
	if err != nil {
		return err
	}
	defer runtime.Close()
	if runtime.UsesDocker() {
		slog.Info("Connected to Docker daemon")
	}

	secretResolver, err := secrets.New(ctx, secrets.LoadConfigFromEnv())
	if err != nil {
		return err
	}

	// Webhook notifications
	webhooks := dispatcher.NewWebhooks(dispatcher.LoadConfigFromEnv(), metrics)

	// Optional event bus
	var bus dispatcher.Dispatcher
	if kafkaCfg.Enabled() {
		kafka, err := dispatcher.NewKafka(kafkaCfg, metrics)
		if err != nil {
			return err
		}
		bus = kafka
	}

	// Create the engine (fails runs a previous process left unfinished)
	eng, err := engine.New(ctx, engine.Config{
		Catalog:             catalog,
		Store:               runStore,
		Artifacts:           artifact.NewStore(backend),
		Shell:               runtime.Shell,
		Remote:              runtime.Remote,
		Secrets:             secretResolver,
		Dispatcher:          webhooks,
		Bus:                 bus,
		Metrics:             metrics,
		WorkspaceRoot:       svcCfg.WorkspaceRoot,
		RepoPath:            vcsCfg.RepoPath,
		LockTimeout:         svcCfg.LockTimeout,
		DependencyWait:      svcCfg.DependencyWait,
		BatchWindow:         svcCfg.BatchWindow,
		RunRetention:        svcCfg.RunRetention,
		MaintenanceInterval: svcCfg.MaintenanceInterval,
	})
	if err != nil {
		return err
	}

	// Start the repository poller
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	if vcsCfg.Enabled() {
		poller, err := vcs.NewPoller(vcsCfg, eng)
		if err != nil {
			return err
		}
		go poller.Run(pollCtx, vcsCfg.PollInterval)
		slog.Info("Polling repository", "path", vcsCfg.RepoPath, "interval", vcsCfg.PollInterval)
	}

	// Create health checker
	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"store":   health.ReadyFunc(runStore.Ping),
		"runtime": runtime,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        eng,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. DELETE /v1/runs/{runId} waits for the run to
	// stop, so the write timeout is generous.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error. SIGHUP reloads definitions.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(eng, svcCfg.DefinitionsPath)
				continue
			}
			slog.Info("Received shutdown signal", "signal", sig)
			break wait
		case err := <-serverErr:
			slog.Error("Server failed to start", "error", err)
			shutdown(5 * time.Second)
			stopPolling()
			closeEngine(eng, 5*time.Second)
			return err
		}
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stopPolling()

	// Phase 3: Let running builds finish, then abort the rest
	slog.Info("Waiting for active runs", "active", eng.Active(), "timeout", svcCfg.ShutdownRunWait)
	closeEngine(eng, svcCfg.ShutdownRunWait)

	// Phase 4: Drain notifications
	slog.Info("Draining dispatchers")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := webhooks.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	stats := webhooks.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	if bus != nil {
		if err := bus.Close(dispatcherCtx); err != nil {
			slog.Warn("Event bus shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

func reload(eng *engine.Engine, path string) {
	catalog, err := definition.Load(path)
	if err == nil {
		err = eng.Reload(catalog)
	}
	if err != nil {
		slog.Error("Reload rejected, keeping current definitions", "path", path, "error", err)
		return
	}
	slog.Info("Definitions reloaded", "path", path, "definitions", catalog.Len())
}

func closeEngine(eng *engine.Engine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		slog.Warn("Active runs aborted at shutdown", "error", err)
	}
}
