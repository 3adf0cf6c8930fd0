package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// consumerGroup names the single logical worker group reading each stream —
// the registration allocator and the promotion sweep are each meant to run
// as one active consumer group per session, per
// original_source/app/workers/registration_mux.py and promotion_mux.py.
const consumerGroup = "g1"

func registrationStreamKey(sessionID uuid.UUID) string { return "sess:" + sessionID.String() + ":stream" }
func promotionStreamKey(sessionID uuid.UUID) string    { return "promote:" + sessionID.String() + ":stream" }
func backlogKey(sessionID uuid.UUID) string            { return "sess:" + sessionID.String() + ":backlog" }
func regToRequestKey(registrationID uuid.UUID) string  { return "regreq:" + registrationID.String() }

func idempotencyKey(sessionID, userID uuid.UUID, key string) string {
	return "idemp:" + sessionID.String() + ":" + userID.String() + ":" + key
}

// idempotencyTTL matches registrations.py's IDEMP_TTL_SEC: a repeated
// submission with the same key maps to the same request_id for 15 minutes.
const idempotencyTTL = 15 * time.Minute

// RegistrationStreamKey and PromotionStreamKey are exported so the worker
// package can map a redis.XStream's Stream field back to a session ID
// without duplicating the key convention.
func RegistrationStreamKey(sessionID uuid.UUID) string { return registrationStreamKey(sessionID) }
func PromotionStreamKey(sessionID uuid.UUID) string    { return promotionStreamKey(sessionID) }

// Queue wraps the go-redis Streams calls used by the allocator and
// promotion worker loops: per-session ordered ingress, consumer-group
// acking, and a backlog depth counter for the admission-control check in
// service.RegistrationService.RequestRegistration.
type Queue struct {
	client *redis.Client
}

func NewQueue(c *Cache) *Queue { return &Queue{client: c.Client} }

// EnsureGroup creates the consumer group for a stream if it does not exist
// yet, tolerating the BUSYGROUP race the same way registration_mux.py does.
func (q *Queue) EnsureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// CheckIdempotency atomically claims candidateRequestID as the request_id
// for (sessionID, userID, key) via SETNX if no mapping exists yet. If a
// mapping already exists — a retried submission within the TTL window —
// the previously-claimed request_id is returned instead, so the caller
// knows not to enqueue a second time. Grounded on
// registrations.py's idemp:S:U:key -> request_id map.
func (q *Queue) CheckIdempotency(ctx context.Context, sessionID, userID uuid.UUID, key, candidateRequestID string) (string, bool, error) {
	k := idempotencyKey(sessionID, userID, key)
	ok, err := q.client.SetNX(ctx, k, candidateRequestID, idempotencyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return candidateRequestID, true, nil
	}
	existing, err := q.client.Get(ctx, k).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// EnqueueRegistration appends a registration request to the session's
// stream and bumps its backlog counter, returning the stream entry ID.
// Satisfies service.Enqueuer.
func (q *Queue) EnqueueRegistration(ctx context.Context, sessionID uuid.UUID, requestID string, userID uuid.UUID, guestNames []string) (string, error) {
	stream := registrationStreamKey(sessionID)
	if err := q.EnsureGroup(ctx, stream); err != nil {
		return "", err
	}
	guestNamesJSON, err := json.Marshal(guestNames)
	if err != nil {
		return "", err
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"request_id":  requestID,
			"user_id":     userID.String(),
			"guest_names": string(guestNamesJSON),
		},
	}).Result()
	if err != nil {
		return "", err
	}
	if err := q.client.Incr(ctx, backlogKey(sessionID)).Err(); err != nil {
		return id, err
	}
	return id, nil
}

// ReadRegistrations blocks (up to block) for new entries across the given
// session streams, mirroring registration_mux.py's XREADGROUP fan-in.
func (q *Queue) ReadRegistrations(ctx context.Context, consumer string, sessionIDs []uuid.UUID, count int64, block time.Duration) ([]redis.XStream, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(sessionIDs)*2)
	for _, id := range sessionIDs {
		streams = append(streams, registrationStreamKey(id))
	}
	for range sessionIDs {
		streams = append(streams, ">")
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *Queue) AckRegistration(ctx context.Context, sessionID uuid.UUID, msgID string) error {
	if err := q.client.XAck(ctx, registrationStreamKey(sessionID), consumerGroup, msgID).Err(); err != nil {
		return err
	}
	return q.client.Decr(ctx, backlogKey(sessionID)).Err()
}

func (q *Queue) Backlog(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	return q.client.Get(ctx, backlogKey(sessionID)).Int64()
}

// EnqueuePromotionTrigger nudges the promotion worker to re-check a session
// (called after any cancellation or capacity increase frees a seat).
func (q *Queue) EnqueuePromotionTrigger(ctx context.Context, sessionID uuid.UUID) error {
	stream := promotionStreamKey(sessionID)
	if err := q.EnsureGroup(ctx, stream); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339Nano)},
	}).Err()
}

func (q *Queue) ReadPromotionTriggers(ctx context.Context, consumer string, sessionIDs []uuid.UUID, count int64, block time.Duration) ([]redis.XStream, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(sessionIDs)*2)
	for _, id := range sessionIDs {
		streams = append(streams, promotionStreamKey(id))
	}
	for range sessionIDs {
		streams = append(streams, ">")
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *Queue) AckPromotionTrigger(ctx context.Context, sessionID uuid.UUID, msgID string) error {
	return q.client.XAck(ctx, promotionStreamKey(sessionID), consumerGroup, msgID).Err()
}

// LinkRegistrationToRequest records reg_id -> request_id for 24h so the
// promotion worker can resolve which waiting HTTP client to notify once a
// previously-waitlisted registration is confirmed.
func (q *Queue) LinkRegistrationToRequest(ctx context.Context, registrationID uuid.UUID, requestID string) error {
	return q.client.Set(ctx, regToRequestKey(registrationID), requestID, 24*time.Hour).Err()
}

func (q *Queue) RequestIDForRegistration(ctx context.Context, registrationID uuid.UUID) (string, error) {
	v, err := q.client.Get(ctx, regToRequestKey(registrationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
