package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/birdiecourt/registry-core/internal/contracts/event"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const rkNotify = "notify.user"

// Notifier publishes registration/session lifecycle notices to the
// out-of-scope SMS/email collaborator. Generalized from the teacher's
// publish-with-confirms half of consumer.go into a standalone outbound
// bridge, since this module now has two independent AMQP directions
// instead of one.
type Notifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewNotifier(rabbitURL, exchange string) (*Notifier, error) {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Notifier{conn: conn, ch: ch, exchange: exchange}, nil
}

func (n *Notifier) Close() error {
	_ = n.ch.Close()
	return n.conn.Close()
}

func (n *Notifier) Notify(ctx context.Context, traceID string, payload event.NotificationPayload) error {
	env := event.DomainEventEnvelope[event.NotificationPayload]{
		Version:    1,
		Producer:   "registry-core",
		TraceID:    strings.TrimSpace(traceID),
		MessageID:  uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	confirmCh := n.ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := n.ch.PublishWithContext(ctx, n.exchange, rkNotify, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     env.MessageID,
		CorrelationId: env.TraceID,
		AppId:         "registry-core",
	}); err != nil {
		return err
	}

	select {
	case conf := <-confirmCh:
		if !conf.Ack {
			return fmt.Errorf("notifier: broker nacked delivery_tag=%d", conf.DeliveryTag)
		}
		logger.WithCtx(ctx).Info().Str("kind", payload.Kind).Str("user_id", payload.UserID).Msg("notification published")
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("notifier: confirm timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
