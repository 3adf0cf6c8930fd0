package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	redisinfra "github.com/birdiecourt/registry-core/internal/infrastructure/redis"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RegistrationQueue is the slice of redis.Queue the allocator worker reads
// from and reports results on.
type RegistrationQueue interface {
	EnsureGroup(ctx context.Context, stream string) error
	ReadRegistrations(ctx context.Context, consumer string, sessionIDs []uuid.UUID, count int64, block time.Duration) ([]redis.XStream, error)
	AckRegistration(ctx context.Context, sessionID uuid.UUID, msgID string) error
	LinkRegistrationToRequest(ctx context.Context, registrationID uuid.UUID, requestID string) error
	SetRequestStatus(ctx context.Context, requestID string, updates map[string]string) error
}

// AllocatorWorker drains each scheduled session's registration-request
// stream and runs the allocation core per message. Grounded on
// registration_mux.py's main_loop.
type AllocatorWorker struct {
	discover  SessionDiscoverer
	queue     RegistrationQueue
	allocator domain.Allocator
	consumer  string
}

func NewAllocatorWorker(discover SessionDiscoverer, queue RegistrationQueue, allocator domain.Allocator) *AllocatorWorker {
	return &AllocatorWorker{
		discover:  discover,
		queue:     queue,
		allocator: allocator,
		consumer:  fmt.Sprintf("c-%d", os.Getpid()),
	}
}

func (w *AllocatorWorker) Run(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "allocator_worker").Str("consumer", w.consumer).Logger()
	log.Info().Msg("allocator worker starting")

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
			if err := w.queue.EnsureGroup(ctx, redisinfra.RegistrationStreamKey(id)); err != nil {
				log.Warn().Err(err).Str("session_id", id.String()).Msg("ensure group failed")
				continue
			}
			joined[id] = struct{}{}
		}

		if len(sessionIDs) == 0 {
			sleepOrDone(ctx, discoverEvery)
			continue
		}

		streams, err := w.queue.ReadRegistrations(ctx, w.consumer, sessionIDs, readCount, readBlock)
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
			byStream[redisinfra.RegistrationStreamKey(id)] = id
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

func (w *AllocatorWorker) processMessage(ctx context.Context, log zerolog.Logger, sessionID uuid.UUID, msg redis.XMessage) {
	requestID, _ := msg.Values["request_id"].(string)
	userIDStr, _ := msg.Values["user_id"].(string)
	guestNamesJSON, _ := msg.Values["guest_names"].(string)

	userID, err := uuid.Parse(strings.TrimSpace(userIDStr))
	if err != nil {
		log.Error().Str("msg_id", msg.ID).Err(err).Msg("bad user_id in stream message; acking and dropping")
		_ = w.queue.AckRegistration(ctx, sessionID, msg.ID)
		return
	}

	var guestNames []string
	if guestNamesJSON != "" {
		_ = json.Unmarshal([]byte(guestNamesJSON), &guestNames)
	}

	traceID := "alloc:" + requestID
	result, err := w.allocator.Allocate(ctx, traceID, sessionID, userID, guestNames)

	updates := map[string]string{}
	if err != nil {
		updates["state"] = "error"
		updates["error"] = err.Error()
		log.Error().Str("request_id", requestID).Err(err).Msg("allocation failed")
	} else {
		updates["state"] = string(result.HostState)
		updates["registration_id"] = result.HostRegID.String()
		if result.HostWaitlistPos != nil {
			updates["waitlist_pos"] = fmt.Sprint(*result.HostWaitlistPos)
		}
		if err := w.queue.LinkRegistrationToRequest(ctx, result.HostRegID, requestID); err != nil {
			log.Warn().Err(err).Msg("link registration to request failed")
		}
	}

	if requestID != "" {
		if err := w.queue.SetRequestStatus(ctx, requestID, updates); err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Msg("set request status failed")
		}
	}

	if err := w.queue.AckRegistration(ctx, sessionID, msg.ID); err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
	}
}
