package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ahmethakanbesel/campaign-runner/internal/batch"
	"github.com/ahmethakanbesel/campaign-runner/internal/browser"
	"github.com/ahmethakanbesel/campaign-runner/internal/checkpoint"
	"github.com/ahmethakanbesel/campaign-runner/internal/config"
	"github.com/ahmethakanbesel/campaign-runner/internal/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/metrics"
	"github.com/ahmethakanbesel/campaign-runner/internal/platform/sqlite"
	jobrepo "github.com/ahmethakanbesel/campaign-runner/internal/repository/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/server"
	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

type sink interface {
	job.MetricsSink
	batch.MetricsSink
	submit.MetricsSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()})))

	// Root context: cancelled on SIGINT/SIGTERM so the running job and
	// in-flight requests stop promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	jobRepo := jobrepo.NewRepository(db.DB)

	var m sink = metrics.NoopSink{}
	srvOpts := []server.Option{server.WithMaxUploadBytes(cfg.MaxUploadBytes)}
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewPrometheusSink(reg)
		srvOpts = append(srvOpts, server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	runnerOpts := []batch.Option{
		batch.WithBatchSize(cfg.Runner.BatchSize),
		batch.WithDefaultPrice(cfg.Runner.DefaultPrice),
		batch.WithMetrics(m),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			slog.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
		runnerOpts = append(runnerOpts, batch.WithCheckpointSink(checkpoint.NewRedisPublisher(rdb, cfg.Redis.CheckpointTTL)))
	}

	// Submission tiers: plain HTTP first, a headless browser pool per job
	// as the fallback.
	fast := submit.NewFastPath(
		submit.WithRequestTimeout(cfg.Runner.RequestTimeout),
		submit.WithFastPathMetrics(m),
	)
	alloc := browser.NewAllocator(browser.Config{
		ExecPath:  cfg.Browser.ChromePath,
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
	})
	provider := submit.NewTieredProvider(alloc, fast,
		submit.WithTimeouts(cfg.Runner.NavigationTimeout, cfg.Runner.FormTimeout),
		submit.WithAutomationMetrics(m),
	)

	runner := batch.NewRunner(jobRepo, provider, runnerOpts...)
	dispatcher := job.NewDispatcher(jobRepo, runner, job.WithMetrics(m))

	// Fail jobs a previous process left RUNNING and re-queue PENDING ones.
	if err := dispatcher.Recover(rootCtx); err != nil {
		slog.Error("failed to recover jobs", "error", err)
	}

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(rootCtx)
		close(dispatcherDone)
	}()

	jobSvc := job.NewService(jobRepo, dispatcher, cfg.Runner.MaxTotalCount)

	// HTTP server: rootCtx is used as BaseContext so every request context
	// inherits from it and is cancelled on shutdown.
	srv := server.New(rootCtx, cfg.Port, server.NewHandler(jobSvc, srvOpts...))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	<-done

	// Cancel root context first so the running job winds down immediately.
	rootCancel()

	// Wait for the dispatcher to record the interrupted job before shutting down HTTP.
	<-dispatcherDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
