package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/birdiecourt/registry-core/internal/audit"
	"github.com/birdiecourt/registry-core/internal/config"
	"github.com/birdiecourt/registry-core/internal/infrastructure/postgres"
	"github.com/birdiecourt/registry-core/internal/infrastructure/redis"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/birdiecourt/registry-core/internal/security"
	"github.com/birdiecourt/registry-core/internal/service"
	"github.com/birdiecourt/registry-core/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// main serves the synchronous REST surface: request admission, cancellation,
// guest edits, admin lifecycle transitions, and the paginated reads. The
// registration allocator and waitlist promotion themselves run out-of-process
// in cmd/allocator-worker and cmd/promotion-worker, so this binary never
// blocks a request on Postgres contention for another caller's session.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	logger.Init()
	log := logger.Logger.With().
		Str("service", "registry-api").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}
	queue := redis.NewQueue(cache)

	auditLog := audit.New(log)
	repo := postgres.New(dbPool, auditLog, queue)

	svc := service.NewRegistrationService(queue, cache, repo, repo, repo, repo, repo, cfg.Thresholds.BacklogCap)
	h := rest.NewHandler(svc)

	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:     cache,
		Handler:   h,
		Verifier:  verifier,
		JWTIssuer: cfg.JWTIssuer,
		RLLimit:   cfg.RLLimit,
		RLWindow:  cfg.RLWindow,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The HTTP server and the idempotency-fence cleanup sweep run as two legs
	// of one errgroup: either one returning a real error cancels gctx for the
	// other, and rootCtx's own cancellation (SIGINT/SIGTERM) propagates to
	// both without a separate fan-in channel.
	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		return repo.RunProcessedMessageCleanup(gctx)
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case <-gctx.Done():
		log.Error().Msg("a server goroutine failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
	}
	log.Info().Msg("shutdown complete")
}
