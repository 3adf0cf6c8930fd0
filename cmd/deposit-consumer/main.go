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
	"github.com/birdiecourt/registry-core/internal/infrastructure/rabbitmq"
	"github.com/birdiecourt/registry-core/internal/infrastructure/redis"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// main bridges the payments collaborator's deposit-confirmed events onto a
// wallet ledger entry. Grounded on the teacher's event-snapshot consumer
// binary; the routing key and payload shape are the only thing that changed.
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
	log := logger.Logger.With().Str("service", "deposit-consumer").Str("env", cfg.AppEnv).Logger()

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

	consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, cfg.RabbitDepositQueue, repo)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("consumer start failed")
	}

	log.Info().Msg("deposit consumer started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down deposit consumer")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
