package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/birdiecourt/registry-core/internal/contracts/event"
	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventSubscriber delivers raw outbox payloads published on the
// "session:*" Pub/Sub pattern — the same channel the outbox dispatcher
// writes to for realtime clients.
type EventSubscriber interface {
	PSubscribe(ctx context.Context, pattern string) <-chan []byte
}

// TargetLookup resolves a registration to the host phone/session title a
// notification needs.
type TargetLookup interface {
	NotificationTarget(ctx context.Context, registrationID uuid.UUID) (domain.NotificationTarget, error)
}

// Notifier hands a built message off to the out-of-scope SMS/email
// collaborator.
type Notifier interface {
	Notify(ctx context.Context, traceID string, payload event.NotificationPayload) error
}

// sessionEvent is the subset of registrationEventPayload (postgres package,
// unexported) the notifier cares about — decoded independently so this
// package never needs to import postgres.
type sessionEvent struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	RegistrationID string `json:"registration_id"`
}

// notifyTemplates mirrors original_source/app/workers/sms_notifier.py's
// MESSAGE_TEMPLATES: only these three event types produce a user-facing
// notice, everything else on the channel (session_status_changed,
// session_capacity_changed, ...) is ignored.
var notifyTemplates = map[string]string{
	"registration_confirmed":  "You're confirmed for %s.",
	"registration_promoted":   "A seat opened up — you're now confirmed for %s.",
	"registration_waitlisted": "You're on the waitlist for %s.",
}

const sessionEventPattern = "session:*"

// NotifierWorker bridges internal registration/session events to the
// out-of-scope SMS collaborator (spec: SMS dispatch itself is out of
// scope; bridging the event to that collaborator is not). Grounded on
// sms_notifier.py's psubscribe/decode/template/lookup/send loop.
type NotifierWorker struct {
	sub    EventSubscriber
	lookup TargetLookup
	notify Notifier
}

func NewNotifierWorker(sub EventSubscriber, lookup TargetLookup, notify Notifier) *NotifierWorker {
	return &NotifierWorker{sub: sub, lookup: lookup, notify: notify}
}

func (w *NotifierWorker) Run(ctx context.Context) error {
	log := logger.WithCtx(ctx).With().Str("component", "notifier_worker").Logger()
	events := w.sub.PSubscribe(ctx, sessionEventPattern)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			w.handle(ctx, log, raw)
		}
	}
}

func (w *NotifierWorker) handle(ctx context.Context, log zerolog.Logger, raw []byte) {
	var evt sessionEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Warn().Err(err).Msg("malformed session event payload; dropping")
		return
	}
	template, ok := notifyTemplates[evt.Type]
	if !ok {
		return
	}
	regID, err := uuid.Parse(evt.RegistrationID)
	if err != nil {
		log.Warn().Str("registration_id", evt.RegistrationID).Msg("unparseable registration id; dropping")
		return
	}

	target, err := w.lookup.NotificationTarget(ctx, regID)
	if err != nil {
		log.Warn().Err(err).Str("registration_id", evt.RegistrationID).Msg("notification target lookup failed")
		return
	}
	if target.Phone == nil {
		// Guest row, or a host who never gave us a phone number — nothing to send.
		return
	}

	title := "your session"
	if target.SessionTitle != nil && *target.SessionTitle != "" {
		title = *target.SessionTitle
	}

	payload := event.NotificationPayload{
		UserID:  *target.Phone,
		Kind:    evt.Type,
		Subject: "Registration update",
		Body:    fmt.Sprintf(template, title),
	}
	if err := w.notify.Notify(ctx, evt.SessionID, payload); err != nil {
		log.Error().Err(err).Str("registration_id", evt.RegistrationID).Msg("notification publish failed")
	}
}
