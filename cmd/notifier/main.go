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
	"github.com/birdiecourt/registry-core/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

// main runs the notifier worker: it subscribes to the same session:*
// Pub/Sub channel the outbox dispatcher publishes to, resolves each
// registration-confirmed/promoted/waitlisted event to a host phone number
// and session title, and hands the built message off to the out-of-scope
// SMS collaborator over AMQP. Actual SMS delivery is that collaborator's
// job, not this binary's.
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
	log := logger.Logger.With().Str("service", "notifier").Str("env", cfg.AppEnv).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	queue := redis.NewQueue(cache)
	sub := redis.NewRealtime(cache)

	repo := postgres.New(pool, audit.New(log), queue)

	notifier, err := rabbitmq.NewNotifier(cfg.RabbitURL, cfg.RabbitExchange)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier bridge create failed")
	}
	defer notifier.Close()

	w := worker.NewNotifierWorker(sub, repo, notifier)

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("notifier worker exited")
		}
	}()

	log.Info().Msg("notifier worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down notifier")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
