// Package main is the entrypoint for the NeDRex job API server.
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

	"github.com/redis/go-redis/v9"

	"github.com/repotrial/nedrexapi-v2d/internal/api"
	mw "github.com/repotrial/nedrexapi-v2d/internal/api/middleware"
	"github.com/repotrial/nedrexapi-v2d/internal/apikey"
	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/config"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/lock"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/internal/submit"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "require_api_keys", cfg.Server.RequireAPIKeys)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to Redis
	rdb, err := cache.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	redisCache := cache.NewRedisCache(rdb)
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	// 5. API keys
	keys := apikey.NewService(pgStore)
	if cfg.Server.AdminKey != "" {
		if err := keys.EnsureAdmin(ctx, cfg.Server.AdminKey); err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
	}
	go keys.RunPurger(ctx, purgeInterval)

	// 6. Submission service
	m := metrics.New()
	svc, q := newSubmitService(cfg, pgStore, redisCache, rdb, m)
	m.ExposeQueue(q, slog.Default())

	router := api.NewRouter(api.Dependencies{
		Auth:           mw.NewAuth(keys, cfg.Server.RequireAPIKeys),
		RateLimit:      mw.NewRateLimit(redisCache, cfg.Server.RateLimit),
		Jobs:           svc,
		Keys:           keys,
		Types:          svc.Types(),
		DB:             pgStore,
		Redis:          redisCache,
		Metrics:        m.Registry(),
		DataDir:        cfg.Tools.DataDir,
		UploadMaxBytes: cfg.Server.UploadMaxBytes,
		WaitTimeout:    cfg.Jobs.TaskTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 5 * time.Minute, // expression file uploads
		// submissions may wait up to the lock wait bound
		WriteTimeout: cfg.Jobs.LockWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newSubmitService wires the submission service to the lock and queue shared
// with the workers.
func newSubmitService(cfg *config.Config, st store.Store, c cache.Cache, rdb redis.UniversalClient, m *metrics.Metrics) (*submit.Service, *queue.Queue) {
	q := queue.New(rdb, queue.KeysForPrefix(cfg.Jobs.QueuePrefix), queue.ClaimTTL(cfg.Jobs.TaskTimeout))
	locks := lock.New(rdb, cfg.Jobs.LockLease, cfg.Jobs.LockWait, lock.WithKeyFunc(cache.LockKey))
	svc := submit.NewService(st, c, locks, q, jobtype.Default(),
		submit.WithMetrics(m),
		submit.WithPollInterval(cfg.Jobs.WaitPollInterval),
	)
	return svc, q
}
