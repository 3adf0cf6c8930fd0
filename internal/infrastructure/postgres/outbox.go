package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// addOutboxEvent appends a row to the transactional outbox in the same tx as
// the state change it describes. Grounded on original_source's
// repos/outbox.py add_outbox_event and the teacher's inline outbox inserts
// in repository.go.
func addOutboxEvent(ctx context.Context, tx pgx.Tx, traceID, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO events_outbox (message_id, trace_id, channel, payload, occurred_at, status, attempt, next_retry_at)
		VALUES ($1, $2, $3, $4, NOW(), 'pending', 0, NOW())
	`, uuid.New(), traceID, channel, body)
	return err
}

func sessionChannel(sessionID uuid.UUID) string { return "session:" + sessionID.String() }

func requestChannel(requestID string) string { return "req:" + requestID }

type registrationEventPayload struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	RegistrationID string    `json:"registration_id"`
	Seats          int       `json:"seats"`
	WaitlistPos    *int      `json:"waitlist_pos,omitempty"`
	HostUserID     string    `json:"host_user_id,omitempty"`
	Ts             time.Time `json:"ts"`
}

type sessionEventPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Capacity  *int   `json:"capacity,omitempty"`
}
