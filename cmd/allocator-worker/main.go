package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/birdiecourt/registry-core/internal/audit"
	"github.com/birdiecourt/registry-core/internal/config"
	"github.com/birdiecourt/registry-core/internal/infrastructure/postgres"
	"github.com/birdiecourt/registry-core/internal/infrastructure/redis"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/birdiecourt/registry-core/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

// main runs the allocator worker standalone, mirroring media-worker's
// single-responsibility consumer process rather than living inside the API
// binary: the registration allocator holds per-session SERIALIZABLE
// transactions, and isolating it keeps a slow session's retries from ever
// competing with the HTTP request path for a pgxpool connection.
func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	logger.Init()
	log := logger.Logger.With().Str("service", "allocator-worker").Str("env", cfg.AppEnv).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	queue := redis.NewQueue(cache)

	repo := postgres.New(pool, audit.New(log), queue)

	w := worker.NewAllocatorWorker(repo, queue, repo)

	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error().Err(err).Msg("allocator worker exited")
		}
	}()

	log.Info().Msg("allocator worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down allocator worker")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
