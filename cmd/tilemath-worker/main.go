// tilemath-worker claims jobs from a shared queue and executes them.
//
// Usage:
//
//	tilemath-worker              run the worker pool until SIGINT/SIGTERM
//	tilemath-worker -job <id>    execute a single job by id and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tilemath/internal/backend"
	"tilemath/internal/config"
	"tilemath/internal/dispatcher"
	"tilemath/internal/executor"
	"tilemath/internal/health"
	"tilemath/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(workerCfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	backendCfg, err := backend.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if !backendCfg.Shared() {
		return fmt.Errorf("worker needs a shared store and a redis queue: JOB_BACKEND=%q QUEUE_BACKEND=%q", backendCfg.JobBackend, backendCfg.QueueBackend)
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
	metricsCfg.Role = observability.RoleWorker

	metrics, metricsHandler, err := observability.NewMetrics(ctx, metricsCfg)
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

	if len(args) == 2 && args[0] == "-job" {
		w := dispatcher.NewWorker(dispatcher.NewOwnerID(), backends.Queue, backends.Store, runner, dispatcherCfg, metrics)
		return w.ProcessJob(ctx, args[1])
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %q", args)
	}

	pool := dispatcher.NewPool(dispatcherCfg, backends.Queue, backends.Store, runner, metrics)
	go dispatcher.NewReaper(backends.Store, runner, dispatcherCfg).Run(ctx)
	slog.Info("Worker pool started", "workers", dispatcherCfg.Workers, "stream", backendCfg.RedisStream)

	healthChecker := backends.HealthChecker()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, healthChecker.Liveness(r.Context()))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthChecker.Readiness(r.Context())
		status := http.StatusOK
		if !resp.IsReady() {
			status = http.StatusServiceUnavailable
		}
		writeProbe(w, status, resp)
	})
	metricsServer := &http.Server{
		Addr:         ":" + workerCfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting metrics server", "port", workerCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Metrics server failed", "error", err)
		runErr = err
	}

	healthChecker.SetShuttingDown()
	cancel()

	// In-flight jobs get ShutdownTimeout to finish; the rest are released for redelivery.
	slog.Info("Draining workers", "timeout", workerCfg.ShutdownTimeout)
	poolCtx, poolCancel := context.WithTimeout(context.Background(), workerCfg.ShutdownTimeout)
	defer poolCancel()
	if err := pool.Close(poolCtx); err != nil {
		slog.Warn("Worker pool shutdown error", "error", err)
	}

	stats := pool.Stats()
	slog.Info("Worker stats",
		"claimed", stats.Claimed,
		"redelivered", stats.Redelivered,
		"done", stats.Done,
		"failed", stats.Failed,
		"acked", stats.Acked,
		"released", stats.Released,
		"errors", stats.Errors,
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Metrics shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}

func writeProbe(w http.ResponseWriter, status int, resp *health.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode probe response", "error", err)
	}
}
