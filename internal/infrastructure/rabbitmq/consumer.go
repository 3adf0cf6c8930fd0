package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/birdiecourt/registry-core/internal/contracts/event"
	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	supportedVersion = 1
	rkDepositConfirmed = "deposit.confirmed"
)

// inboxRepo is the slice of domain.Ledger + the teacher's processed-message
// dedupe fence this consumer needs. Declared locally rather than imported
// from domain so this package doesn't need to depend on the concrete
// postgres.Repository type.
type inboxRepo interface {
	domain.Ledger
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
}

// Consumer is the deposit-confirmation inbound bridge: the payments
// collaborator (out of scope per spec.md §1) publishes a confirmed bank
// transfer here, and the consumer posts a deposit_in ledger entry.
// Grounded on the teacher's event-snapshot consumer (envelope validation,
// dedupe-fence, ack/nack-requeue loop); the routing key and payload are new.
type Consumer struct {
	rabbitURL string
	exchange  string
	queueName string
	repo      inboxRepo
}

func NewConsumer(rabbitURL, exchange, queueName string, repo inboxRepo) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		queueName: strings.TrimSpace(queueName),
		repo:      repo,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		c.queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if err := ch.QueueBind(q.Name, rkDepositConfirmed, c.exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "registry-core", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}
	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	if d.RoutingKey != rkDepositConfirmed {
		log.Warn().Msg("unknown routing key; ignoring")
		return nil
	}

	var p event.DepositConfirmedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return nil
	}
	userID, err := uuid.Parse(strings.TrimSpace(p.UserID))
	if err != nil || p.AmountCents == 0 || strings.TrimSpace(p.ExternalRefID) == "" {
		log.Warn().Msg("missing or invalid fields; dropping")
		return nil
	}

	// Two independent dedupe layers: processed_messages guards against AMQP
	// redelivery of this exact message, and the ledger's own idempotency_key
	// (external_ref_id) guards against the same bank transfer being
	// reported twice under a different message_id. Apply runs in its own
	// transaction rather than the ProcessOnce tx — both layers are each
	// individually sufficient for correctness, so the lack of a single
	// shared transaction here costs nothing.
	const handlerName = "deposit_confirmed"
	processed, err := c.repo.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		_, err := c.repo.Apply(ctx, userID, domain.LedgerDepositIn, p.AmountCents, nil, nil, "deposit:"+p.ExternalRefID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("deposit posting failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
	}
	return nil
}
