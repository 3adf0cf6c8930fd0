package audit

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for the registration and wallet
// write paths, kept separate from the request-scoped HTTP access log so a
// deployment can route it to its own sink.
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// NoOp returns an audit logger that discards everything, for callers that
// don't wire a real sink (postgres.New falls back to it when given nil).
func NoOp() *Logger {
	return &Logger{log: zerolog.New(io.Discard)}
}

// RegistrationAllocated logs the outcome of one Allocate call: the host's
// final state plus how many rows (host + guests) it created.
func (l *Logger) RegistrationAllocated(ctx context.Context, traceID string, sessionID, userID, hostRegID uuid.UUID, state string, createdRows int) {
	l.log.Info().
		Str("action", "registration_allocated").
		Str("trace_id", traceID).
		Str("session_id", sessionID.String()).
		Str("user_id", userID.String()).
		Str("host_registration_id", hostRegID.String()).
		Str("state", state).
		Int("created_rows", createdRows).
		Msg("registration allocated")
}

// RegistrationPromoted logs a single waitlisted registration being confirmed
// by the FIFO promotion sweep.
func (l *Logger) RegistrationPromoted(ctx context.Context, sessionID, registrationID uuid.UUID) {
	l.log.Info().
		Str("action", "registration_promoted").
		Str("session_id", sessionID.String()).
		Str("registration_id", registrationID.String()).
		Msg("registration promoted from waitlist")
}

// RegistrationCanceled logs a cancellation (host- or admin-initiated) with
// the refund/penalty split it produced.
func (l *Logger) RegistrationCanceled(ctx context.Context, traceID string, registrationID, actorID uuid.UUID, refundCents, penaltyCents int64) {
	l.log.Info().
		Str("action", "registration_canceled").
		Str("trace_id", traceID).
		Str("registration_id", registrationID.String()).
		Str("actor_user_id", actorID.String()).
		Int64("refund_cents", refundCents).
		Int64("penalty_cents", penaltyCents).
		Msg("registration canceled")
}

// GuestsUpdated logs a host shrinking their guest list.
func (l *Logger) GuestsUpdated(ctx context.Context, traceID string, registrationID, actorID uuid.UUID, oldSeats, newSeats int, refundCents, penaltyCents int64) {
	l.log.Info().
		Str("action", "guests_updated").
		Str("trace_id", traceID).
		Str("registration_id", registrationID.String()).
		Str("actor_user_id", actorID.String()).
		Int("old_seats", oldSeats).
		Int("new_seats", newSeats).
		Int64("refund_cents", refundCents).
		Int64("penalty_cents", penaltyCents).
		Msg("guest list updated")
}

// SessionStatusChanged logs an admin- or auto-closer-initiated transition.
func (l *Logger) SessionStatusChanged(ctx context.Context, traceID string, sessionID uuid.UUID, oldStatus, newStatus string) {
	l.log.Warn().
		Str("action", "session_status_changed").
		Str("trace_id", traceID).
		Str("session_id", sessionID.String()).
		Str("old_status", oldStatus).
		Str("new_status", newStatus).
		Msg("session status changed")
}

// LedgerPosted logs every ledger entry applied, the closest thing this
// system has to a financial audit trail.
func (l *Logger) LedgerPosted(ctx context.Context, userID uuid.UUID, kind string, amountCents int64, idempotencyKey string) {
	l.log.Info().
		Str("action", "ledger_posted").
		Str("user_id", userID.String()).
		Str("kind", kind).
		Int64("amount_cents", amountCents).
		Str("idempotency_key", idempotencyKey).
		Msg("ledger entry posted")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, channel string) {
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("channel", channel).
		Msg("outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, channel string, retries int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("channel", channel).
		Int("retries", retries).
		Msg("outbox message moved to dead status")
}
