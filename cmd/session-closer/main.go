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
	"github.com/jackc/pgx/v5/pgxpool"
)

// main runs the stale-session sweep (spec.md §4.8): any scheduled session
// whose start time is more than AutoCloseGrace in the past gets closed, with
// the full close cascade (hold-release and cancel of waitlisted rows, outbox
// emit) applied through the same applyStatusTransitionTx an admin-triggered
// close uses. Safe to run on every replica — SessionCloser takes a Redis lock
// so only one sweep executes at a time.
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
	log := logger.Logger.With().Str("service", "session-closer").Str("env", cfg.AppEnv).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	queue := redis.NewQueue(cache)
	lock := redis.NewLock(cache)

	repo := postgres.New(pool, audit.New(log), queue)
	closer := postgres.NewSessionCloser(repo, lock)

	go func() {
		ticker := time.NewTicker(cfg.AutoCloseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				closed, err := closer.CloseDueSessions(ctx, cfg.AutoCloseGrace, cfg.AutoCloseBatch)
				if err != nil {
					log.Error().Err(err).Msg("auto-close sweep failed")
					continue
				}
				if len(closed) > 0 {
					log.Info().Int("closed", len(closed)).Msg("auto-close sweep ran")
				}
			}
		}
	}()

	log.Info().Dur("interval", cfg.AutoCloseInterval).Dur("grace", cfg.AutoCloseGrace).Msg("session closer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down session closer")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
