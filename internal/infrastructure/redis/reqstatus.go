package redis

import (
	"context"
	"encoding/json"
	"time"
)

func requestStatusKey(requestID string) string { return "req:" + requestID + ":status" }

// SetRequestStatus writes the async request-status hash a polling client
// reads via GET /registrations/requests/{request_id}, and publishes the
// same update on the request's realtime channel for subscribers. Grounded
// on registration_mux.py's _update_request_status + publish pair.
func (q *Queue) SetRequestStatus(ctx context.Context, requestID string, updates map[string]string) error {
	if err := q.client.HSet(ctx, requestStatusKey(requestID), updates).Err(); err != nil {
		return err
	}
	if err := q.client.Expire(ctx, requestStatusKey(requestID), 24*time.Hour).Err(); err != nil {
		return err
	}
	body, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, requestChannel(requestID), body).Err()
}

func (q *Queue) GetRequestStatus(ctx context.Context, requestID string) (map[string]string, error) {
	return q.client.HGetAll(ctx, requestStatusKey(requestID)).Result()
}

func requestChannel(requestID string) string { return "req:" + requestID }
