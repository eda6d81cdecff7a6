// Command server starts the job scheduler HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/job-scheduler/internal/adapter/broker/redisq"
	httpserver "github.com/fairyhunter13/job-scheduler/internal/adapter/httpserver"
	"github.com/fairyhunter13/job-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/job-scheduler/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/job-scheduler/internal/app"
	"github.com/fairyhunter13/job-scheduler/internal/config"
	"github.com/fairyhunter13/job-scheduler/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	broker, err := redisq.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker client", slog.Any("error", err))
		}
	}()

	jobRepo := postgres.NewJobRepo(pool)
	dispatch := usecase.NewDispatchService(jobRepo, broker, cfg.JobQueueName, cfg.MaxRetries)

	// Reconciler for records stranded without a broker message.
	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := app.NewRequeueSweeper(jobRepo, broker, cfg.JobQueueName, cfg.SweepMinAge, cfg.SweepInterval)
	go sweeper.Run(sweeperCtx)
	slog.Info("requeue sweeper started",
		slog.Duration("interval", cfg.SweepInterval),
		slog.Duration("min_age", cfg.SweepMinAge))

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, broker)
	srv := httpserver.NewServer(cfg, dispatch, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
