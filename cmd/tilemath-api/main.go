// tilemath-api is the HTTP API server that accepts GEMM jobs and reports on them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tilemath/internal/api"
	"tilemath/internal/backend"
	"tilemath/internal/config"
	"tilemath/internal/dispatcher"
	"tilemath/internal/executor"
	"tilemath/internal/job"
	"tilemath/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(svcCfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	backendCfg, err := backend.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	dispatcherCfg, err := dispatcher.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	executorCfg, err := executor.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	metricsCfg, err := observability.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	metricsCfg.Role = observability.RoleAPI

	// Setup metrics
	metrics, _, err := observability.NewMetrics(ctx, metricsCfg)
	if err != nil {
		return err
	}

	backends, err := backend.Open(ctx, backendCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			slog.Warn("Backend close error", "error", err)
		}
	}()

	runner := dispatcher.NewRunner(backends.Store, executor.NewGEMM(executorCfg), metrics, dispatcherCfg.JobTimeout)

	var jobDispatcher job.Dispatcher = dispatcher.NewInline(runner)
	if backends.Queue != nil {
		jobDispatcher = dispatcher.NewQueued(backends.Queue, runner, dispatcherCfg, metrics)
	}

	var pool *dispatcher.Pool
	if backends.EmbeddedWorkers() {
		pool = dispatcher.NewPool(dispatcherCfg, backends.Queue, backends.Store, runner, metrics)
		slog.Info("Started embedded workers", "workers", dispatcherCfg.Workers)
	} else if backends.Queue != nil {
		slog.Info("Jobs will be executed by tilemath-worker", "queue", backends.Info.QueueBackend)
	}

	// Every process sharing the store sweeps; failing a job twice is a no-op.
	go dispatcher.NewReaper(backends.Store, runner, dispatcherCfg).Run(ctx)

	healthChecker := backends.HealthChecker()
	jobService := job.NewService(backends.Store, jobDispatcher, metrics, backends.Info)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * dispatcherCfg.JobTimeout, // inline submits block until the job finishes
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "dispatch", jobDispatcher.Mode())
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	cancel()

	// Phase 3: Drain embedded workers. Unfinished jobs are released back to the queue.
	if pool != nil {
		slog.Info("Draining workers")
		poolCtx, poolCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer poolCancel()
		if err := pool.Close(poolCtx); err != nil {
			slog.Warn("Worker pool shutdown error", "error", err)
		}
		logStats(pool.Stats())
	}

	metricsCtx, metricsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer metricsCancel()
	if err := metrics.Shutdown(metricsCtx); err != nil {
		slog.Warn("Metrics shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}

func logStats(stats dispatcher.Stats) {
	slog.Info("Worker stats",
		"claimed", stats.Claimed,
		"redelivered", stats.Redelivered,
		"done", stats.Done,
		"failed", stats.Failed,
		"acked", stats.Acked,
		"released", stats.Released,
		"errors", stats.Errors,
	)
}
