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

// main drains the transactional outbox and republishes each row on its
// Redis Pub/Sub channel, the same claim/lease/backoff/dead-letter shape the
// teacher used for its AMQP-publishing outbox, just pointed at Pub/Sub
// instead of a topic exchange.
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
	log := logger.Logger.With().Str("service", "outbox-dispatcher").Str("env", cfg.AppEnv).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	queue := redis.NewQueue(cache)
	pub := redis.NewRealtime(cache)

	repo := postgres.New(pool, audit.New(log), queue)
	repo.StartOutboxWorker(ctx, pub)

	log.Info().Msg("outbox dispatcher started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down outbox dispatcher")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
