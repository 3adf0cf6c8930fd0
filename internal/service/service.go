package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(s))
}

// Enqueuer is the narrow slice of the Redis queue this service needs:
// appending a registration request to its session's stream and reading
// back an async request's status. Declared here (not in domain) so the
// service package never imports the redis package directly — grounded on
// the teacher's own pattern of keeping domain/service free of
// infrastructure imports.
type Enqueuer interface {
	EnqueueRegistration(ctx context.Context, sessionID uuid.UUID, requestID string, userID uuid.UUID, guestNames []string) (string, error)
	GetRequestStatus(ctx context.Context, requestID string) (map[string]string, error)
	SetRequestStatus(ctx context.Context, requestID string, updates map[string]string) error
	Backlog(ctx context.Context, sessionID uuid.UUID) (int64, error)
	// CheckIdempotency claims candidateRequestID for (sessionID, userID, key)
	// if unclaimed, returning (candidateRequestID, true); otherwise it
	// returns the request_id a prior submission with the same key already
	// claimed, with claimed=false.
	CheckIdempotency(ctx context.Context, sessionID, userID uuid.UUID, key, candidateRequestID string) (requestID string, claimed bool, err error)
}

// RegistrationService is the REST-facing orchestrator. Registration
// creation is asynchronous (request enqueued on the session's Redis
// stream, allocator-worker drains it) per spec.md §4.4/§6; every other
// operation runs synchronously against the Postgres components since they
// are single-row, single-tx operations with no fairness ordering to
// preserve across concurrent callers.
type RegistrationService struct {
	queue      Enqueuer
	cache      domain.CacheRepository
	acl        domain.ACL
	canceler   domain.Canceler
	lifecycle  domain.Lifecycle
	reads      domain.Reads
	ledger     domain.Ledger
	backlogCap int
}

func NewRegistrationService(
	queue Enqueuer,
	cache domain.CacheRepository,
	acl domain.ACL,
	canceler domain.Canceler,
	lifecycle domain.Lifecycle,
	reads domain.Reads,
	ledger domain.Ledger,
	backlogCap int,
) *RegistrationService {
	return &RegistrationService{
		queue: queue, cache: cache, acl: acl, canceler: canceler,
		lifecycle: lifecycle, reads: reads, ledger: ledger,
		backlogCap: backlogCap,
	}
}

func isPrivileged(role string) bool {
	r := strings.ToLower(strings.TrimSpace(role))
	return r == "admin"
}

func (s *RegistrationService) requireHostOrAdmin(ctx context.Context, sessionID, requesterID uuid.UUID, role string) error {
	if isPrivileged(role) {
		return nil
	}
	host, err := s.acl.GetSessionHostID(ctx, sessionID)
	if err != nil {
		return err
	}
	if host != requesterID {
		return domain.ErrForbidden
	}
	return nil
}

// RequestRegistration admits one registration request onto the session's
// ordered ingress stream and returns its request_id for the caller to
// poll. Rejects immediately, without touching the queue, if the cached
// session-status mirror already shows the session is not accepting
// registrations.
//
// idempotencyKey maps through the idemp:S:U:key Redis key (15 min TTL,
// see CheckIdempotency) so repeated submissions with the same key within
// the window return the same request_id instead of enqueueing twice.
// seats is the client-declared seat count; it is never used for
// allocation (the allocator always derives seats from 1 host + len(guest
// names)), only checked here as a sanity signal.
func (s *RegistrationService) RequestRegistration(ctx context.Context, sessionID, userID uuid.UUID, idempotencyKey string, seats int, guestNames []string) (string, error) {
	if s.cache != nil {
		if status, err := s.cache.GetSessionStatus(ctx, sessionID); err == nil {
			if status != domain.SessionScheduled {
				return "", domain.ErrSessionNotScheduled
			}
		}
	}

	if s.backlogCap > 0 {
		depth, err := s.queue.Backlog(ctx, sessionID)
		if err == nil && depth >= int64(s.backlogCap) {
			return "", domain.ErrBackpressure
		}
	}

	candidate := uuid.New().String()
	requestID, claimed, err := s.queue.CheckIdempotency(ctx, sessionID, userID, idempotencyKey, candidate)
	if err != nil {
		return "", err
	}
	if !claimed {
		return requestID, nil
	}

	if expected := 1 + len(guestNames); seats > 0 && seats != expected {
		logger.Logger.Warn().
			Str("request_id", requestID).
			Int("declared_seats", seats).
			Int("computed_seats", expected).
			Msg("client-declared seat count ignored: does not match 1 host + guest_names")
	}

	guestNamesJSON, err := json.Marshal(guestNames)
	if err != nil {
		return "", err
	}
	_ = s.queue.SetRequestStatus(ctx, requestID, map[string]string{
		"state":       "queued",
		"session_id":  sessionID.String(),
		"user_id":     userID.String(),
		"guest_names": string(guestNamesJSON),
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})

	if _, err := s.queue.EnqueueRegistration(ctx, sessionID, requestID, userID, guestNames); err != nil {
		return "", err
	}
	return requestID, nil
}

func (s *RegistrationService) GetRequestStatus(ctx context.Context, requestID string) (map[string]string, error) {
	status, err := s.queue.GetRequestStatus(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(status) == 0 {
		return nil, domain.ErrNotFound
	}
	return status, nil
}

func (s *RegistrationService) Cancel(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, role string) (domain.CancelResult, error) {
	return s.canceler.Cancel(ctx, traceID, registrationID, callerID, isPrivileged(role))
}

func (s *RegistrationService) UpdateGuests(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, role string, guestNames []string) (int, int, int64, int64, domain.RegistrationState, error) {
	return s.canceler.UpdateGuests(ctx, traceID, registrationID, callerID, isPrivileged(role), guestNames)
}

func (s *RegistrationService) AddGuest(ctx context.Context, traceID string, hostRegistrationID, callerID uuid.UUID, role string, guestName string) (uuid.UUID, domain.RegistrationState, *int, error) {
	return s.canceler.AddGuest(ctx, traceID, hostRegistrationID, callerID, isPrivileged(role), guestName)
}

// CreateSession books a new session and its optional pre-registrations.
// Admin-only: the caller already passed the router's admin-role middleware,
// but the check is repeated here since the service is the authorization
// boundary for every other admin-gated method.
func (s *RegistrationService) CreateSession(ctx context.Context, traceID string, callerID uuid.UUID, role string, title *string, startsAt, ianaTimezone string, capacity, feeCents int, preregs []domain.PreRegistrationItem) (domain.Session, []domain.PreRegistrationResult, error) {
	if !isPrivileged(role) {
		return domain.Session{}, nil, domain.ErrForbidden
	}
	ts, err := parseRFC3339(startsAt)
	if err != nil {
		return domain.Session{}, nil, domain.ErrValidation
	}
	sess, results, err := s.lifecycle.CreateSession(ctx, traceID, callerID, title, ts, ianaTimezone, capacity, feeCents, preregs)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetSessionStatus(ctx, sess.ID, sess.Status)
	}
	return sess, results, nil
}

func (s *RegistrationService) UpdateSession(ctx context.Context, traceID string, sessionID, actorID uuid.UUID, role string, newCapacity *int, newStatus *domain.SessionStatus) (domain.Session, error) {
	if !isPrivileged(role) {
		return domain.Session{}, domain.ErrForbidden
	}
	sess, err := s.lifecycle.UpdateSession(ctx, traceID, sessionID, newCapacity, newStatus)
	if err != nil {
		return domain.Session{}, err
	}
	if s.cache != nil {
		_ = s.cache.SetSessionStatus(ctx, sessionID, sess.Status)
	}
	return sess, nil
}

func (s *RegistrationService) ListWaitlist(ctx context.Context, sessionID, requesterID uuid.UUID, role string, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	if err := s.requireHostOrAdmin(ctx, sessionID, requesterID, role); err != nil {
		return nil, nil, err
	}
	return s.reads.ListWaitlist(ctx, sessionID, limit, cursor)
}

func (s *RegistrationService) ListParticipants(ctx context.Context, sessionID, requesterID uuid.UUID, role string, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	if err := s.requireHostOrAdmin(ctx, sessionID, requesterID, role); err != nil {
		return nil, nil, err
	}
	return s.reads.ListParticipants(ctx, sessionID, limit, cursor)
}

func (s *RegistrationService) GetRegistration(ctx context.Context, registrationID uuid.UUID) (domain.Registration, error) {
	return s.reads.GetRegistration(ctx, registrationID)
}

func (s *RegistrationService) GetSessionStats(ctx context.Context, sessionID uuid.UUID) (domain.SessionStats, error) {
	return s.reads.GetSessionStats(ctx, sessionID)
}

func (s *RegistrationService) GetWallet(ctx context.Context, userID uuid.UUID) (domain.Wallet, error) {
	return s.ledger.GetWallet(ctx, userID)
}
