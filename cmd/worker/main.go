// Package main is the entrypoint for the NeDRex job worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/config"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/internal/worker"
)

const (
	networkCacheSize = 16
	stderrLimit      = 4096
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rdb, err := cache.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	networks, err := network.NewProvider(cfg.Tools.NetworkDir, filepath.Join(cfg.Tools.DataDir, "network-cache"), networkCacheSize)
	if err != nil {
		return err
	}

	name, err := os.Hostname()
	if err != nil {
		name = "worker"
	}
	name = fmt.Sprintf("%s-%d", name, os.Getpid())

	m := metrics.New()
	q := queue.New(rdb, queue.KeysForPrefix(cfg.Jobs.QueuePrefix), queue.ClaimTTL(cfg.Jobs.TaskTimeout))
	m.ExposeQueue(q, slog.Default())

	p := &worker.Pool{
		Store: store.NewPostgresStore(pool),
		Cache: cache.NewRedisCache(rdb),
		Queue: q,
		Redis: rdb,
		Types: jobtype.Default(),
		Env: &jobtype.Env{
			ScriptsDir:  cfg.Tools.ScriptsDir,
			DataDir:     cfg.Tools.DataDir,
			StaticDir:   cfg.Tools.StaticDir,
			Java:        cfg.Tools.Java,
			Python:      cfg.Tools.Python,
			BiconPython: cfg.Tools.BiconPython,
			Networks:    networks,
			Runner:      &runner.Exec{StderrLimit: stderrLimit},
		},
		Metrics:      m,
		Name:         name,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		TaskTimeout:  cfg.Jobs.TaskTimeout,
	}

	if cfg.Worker.MetricsPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
			Handler:           promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	slog.Info("worker started", "name", name, "concurrency", cfg.Worker.Concurrency, "task_timeout", cfg.Jobs.TaskTimeout)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}
