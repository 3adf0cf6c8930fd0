package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	redisinfra "github.com/birdiecourt/registry-core/internal/infrastructure/redis"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PromotionQueue is the slice of redis.Queue the promotion worker reads
// from and reports confirmations on.
type PromotionQueue interface {
	EnsureGroup(ctx context.Context, stream string) error
	ReadPromotionTriggers(ctx context.Context, consumer string, sessionIDs []uuid.UUID, count int64, block time.Duration) ([]redis.XStream, error)
	AckPromotionTrigger(ctx context.Context, sessionID uuid.UUID, msgID string) error
	RequestIDForRegistration(ctx context.Context, registrationID uuid.UUID) (string, error)
	SetRequestStatus(ctx context.Context, requestID string, updates map[string]string) error
}

// PromotionWorker drains each scheduled session's promotion-trigger stream
// and runs the strict-FIFO waitlist sweep per trigger. Grounded on
// promotion_mux.py's main_loop; a trigger is enqueued by the allocator and
// cancellation code paths whenever a seat frees up.
type PromotionWorker struct {
	discover SessionDiscoverer
	queue    PromotionQueue
	promoter domain.Promoter
	consumer string
}

func NewPromotionWorker(discover SessionDiscoverer, queue PromotionQueue, promoter domain.Promoter) *PromotionWorker {
	return &PromotionWorker{
		discover: discover,
		queue:    queue,
		promoter: promoter,
		consumer: fmt.Sprintf("c-%d", os.Getpid()),
	}
}

func (w *PromotionWorker) Run(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "promotion_worker").Str("consumer", w.consumer).Logger()
	log.Info().Msg("promotion worker starting")

	known := newKnownSessions()
	joined := make(map[uuid.UUID]struct{})

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := known.maybeRefresh(ctx, w.discover); err != nil {
			log.Warn().Err(err).Msg("session discovery failed")
			sleepOrDone(ctx, time.Second)
		}

		sessionIDs := known.list()
		for _, id := range sessionIDs {
			if _, ok := joined[id]; ok {
				continue
			}
			if err := w.queue.EnsureGroup(ctx, redisinfra.PromotionStreamKey(id)); err != nil {
				log.Warn().Err(err).Str("session_id", id.String()).Msg("ensure group failed")
				continue
			}
			joined[id] = struct{}{}
		}

		if len(sessionIDs) == 0 {
			sleepOrDone(ctx, discoverEvery)
			continue
		}

		streams, err := w.queue.ReadPromotionTriggers(ctx, w.consumer, sessionIDs, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("xreadgroup failed")
			sleepOrDone(ctx, time.Second)
			continue
		}

		byStream := make(map[string]uuid.UUID, len(sessionIDs))
		for _, id := range sessionIDs {
			byStream[redisinfra.PromotionStreamKey(id)] = id
		}

		for _, stream := range streams {
			sessionID, ok := byStream[stream.Stream]
			if !ok {
				continue
			}
			for _, msg := range stream.Messages {
				w.processMessage(ctx, log, sessionID, msg)
			}
		}
	}
}

func (w *PromotionWorker) processMessage(ctx context.Context, log zerolog.Logger, sessionID uuid.UUID, msg redis.XMessage) {
	promoted, err := w.promoter.PromoteOnce(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("promotion sweep failed")
		return
	}

	for _, regID := range promoted {
		requestID, err := w.queue.RequestIDForRegistration(ctx, regID)
		if err != nil || requestID == "" {
			continue
		}
		updates := map[string]string{
			"state":           string(domain.RegConfirmed),
			"registration_id": regID.String(),
		}
		if err := w.queue.SetRequestStatus(ctx, requestID, updates); err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Msg("set request status failed")
		}
	}

	if err := w.queue.AckPromotionTrigger(ctx, sessionID, msg.ID); err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
	}
}
