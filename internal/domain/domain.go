package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RegistrationState tracks a single seat's lifecycle within a session.
type RegistrationState string

const (
	RegConfirmed RegistrationState = "confirmed"
	RegWaitlisted RegistrationState = "waitlisted"
	RegCanceled   RegistrationState = "canceled"
)

// SessionStatus is the admin-controlled lifecycle of a bookable session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionClosed    SessionStatus = "closed"
	SessionCanceled  SessionStatus = "canceled"
)

// LedgerKind is the closed set of ledger row kinds. Each kind has a fixed
// expected status and sign, enforced at apply time.
type LedgerKind string

const (
	LedgerHold        LedgerKind = "hold"
	LedgerHoldRelease LedgerKind = "hold_release"
	LedgerDepositIn   LedgerKind = "deposit_in"
	LedgerRefund      LedgerKind = "refund"
	LedgerFeeCapture  LedgerKind = "fee_capture"
	LedgerPenalty     LedgerKind = "penalty"
)

type LedgerStatus string

const (
	LedgerHeld   LedgerStatus = "held"
	LedgerPosted LedgerStatus = "posted"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrTooLate          = errors.New("too late")
	ErrBackpressure     = errors.New("backpressure")
	ErrCorruptState     = errors.New("corrupt state")
	ErrTransient        = errors.New("transient error")

	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotScheduled    = errors.New("session not accepting registrations")
	ErrRegistrationNotFound   = errors.New("registration not found")
	ErrAlreadyHost            = errors.New("already has an active host seat for this session")
	ErrInsufficientFunds      = errors.New("insufficient wallet funds")
	ErrGuestLimitExceeded     = errors.New("maximum guests per host exceeded")
	ErrSeatIncreaseNotAllowed = errors.New("cannot increase seats via guest edit")
	ErrInvalidTransition      = errors.New("invalid session status transition")
	ErrCapacityBelowConfirmed = errors.New("capacity cannot drop below confirmed seats")
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with different payload")
	ErrUnknownLedgerKind      = errors.New("unknown ledger kind")
	ErrCacheMiss              = errors.New("cache miss")
)

// KeysetCursor is the opaque pagination cursor used by all list endpoints.
type KeysetCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        uuid.UUID `json:"id"`
}

type User struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	Phone     *string    `json:"phone,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	Status    string     `json:"status"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type Session struct {
	ID         uuid.UUID     `json:"id"`
	HostUserID uuid.UUID     `json:"host_user_id"`
	Title      *string       `json:"title,omitempty"`
	Capacity   int           `json:"capacity"`
	FeeCents   int           `json:"fee_cents"`
	Timezone   string        `json:"timezone"` // IANA, e.g. "America/Los_Angeles"
	StartsAt   time.Time     `json:"starts_at"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NotificationTarget is what the notifier worker needs to hand a
// registration event off to the out-of-scope SMS collaborator: the host's
// phone number (if any) and the session's display title.
type NotificationTarget struct {
	Phone        *string
	SessionTitle *string
}

// Registration is a single seat. A host request that brings guests produces
// one host row (IsHost=true, Seats=1) plus one row per guest (IsHost=false,
// Seats=1, GuestNames=[name]), all sharing GroupKey so they can be cancelled
// or audited together.
type Registration struct {
	ID                 uuid.UUID          `json:"id"`
	SessionID          uuid.UUID          `json:"session_id"`
	HostUserID         uuid.UUID          `json:"host_user_id"`
	GroupKey           *uuid.UUID         `json:"group_key,omitempty"`
	IsHost             bool               `json:"is_host"`
	Seats              int                `json:"seats"`
	GuestNames         []string           `json:"guest_names"`
	State              RegistrationState  `json:"state"`
	WaitlistPos        *int               `json:"waitlist_pos,omitempty"`
	CanceledFromState  *RegistrationState `json:"canceled_from_state,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ActivatedAt        *time.Time         `json:"activated_at,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
}

type Wallet struct {
	UserID      uuid.UUID `json:"user_id"`
	PostedCents int64     `json:"posted_cents"`
	HoldsCents  int64     `json:"holds_cents"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w Wallet) AvailableCents() int64 { return w.PostedCents - w.HoldsCents }

type LedgerEntry struct {
	ID             int64        `json:"id"`
	UserID         uuid.UUID    `json:"user_id"`
	SessionID      *uuid.UUID   `json:"session_id,omitempty"`
	RegistrationID *uuid.UUID   `json:"registration_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	Kind           LedgerKind   `json:"kind"`
	AmountCents    int64        `json:"amount_cents"`
	Status         LedgerStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}

type OutboxEvent struct {
	ID         uuid.UUID `json:"id"`
	MessageID  uuid.UUID `json:"message_id"`
	TraceID    string    `json:"trace_id"`
	Channel    string    `json:"channel"`
	Payload    []byte    `json:"payload"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AllocationResult mirrors the tuple the allocator returns per spec §4.4.
type AllocationResult struct {
	HostState       RegistrationState
	HostRegID       uuid.UUID
	HostWaitlistPos *int
	CreatedRegIDs   []uuid.UUID
}

// CancelResult carries the refund/penalty totals across a cascade.
type CancelResult struct {
	RefundCents int64
	PenaltyCents int64
	FinalState   RegistrationState
}

// Allocator runs the Registration Allocation Core (§4.4).
type Allocator interface {
	Allocate(ctx context.Context, traceID string, sessionID, userID uuid.UUID, guestNames []string) (AllocationResult, error)
}

// Promoter runs the strict-FIFO waitlist promotion pass (§4.5).
type Promoter interface {
	PromoteOnce(ctx context.Context, sessionID uuid.UUID) (promoted []uuid.UUID, err error)
}

// Canceler implements cancellation, guest edit and guest add (§4.6).
type Canceler interface {
	Cancel(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, callerIsAdmin bool) (CancelResult, error)
	UpdateGuests(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, callerIsAdmin bool, newGuestNames []string) (oldSeats, newSeats int, refundCents, penaltyCents int64, state RegistrationState, err error)
	AddGuest(ctx context.Context, traceID string, hostRegistrationID, callerID uuid.UUID, callerIsAdmin bool, guestName string) (guestRegID uuid.UUID, state RegistrationState, waitlistPos *int, err error)
}

// PreRegistrationItem is one admin-supplied seat reservation to apply at
// session-creation time, mirroring original_source's AdminPreregItemIn. It
// books a single host row directly (no separate per-guest rows the way a
// live RequestRegistration allocation does) since an admin batch-import
// names the guest list up front rather than growing it incrementally.
type PreRegistrationItem struct {
	UserID         uuid.UUID
	Seats          int
	GuestNames     []string
	IdempotencyKey string
}

// PreRegistrationResult reports what happened to one PreRegistrationItem.
type PreRegistrationResult struct {
	UserID         uuid.UUID
	RegistrationID *uuid.UUID
	State          string // "confirmed", "waitlisted", or "rejected"
	WaitlistPos    *int
	Error          string
}

// Lifecycle implements admin session creation and transitions (§4.7).
type Lifecycle interface {
	CreateSession(ctx context.Context, traceID string, hostUserID uuid.UUID, title *string, startsAt time.Time, ianaTimezone string, capacity, feeCents int, preregs []PreRegistrationItem) (Session, []PreRegistrationResult, error)
	UpdateSession(ctx context.Context, traceID string, sessionID uuid.UUID, newCapacity *int, newStatus *SessionStatus) (Session, error)
}

// AutoCloser implements the stale-session sweep (§4.8).
type AutoCloser interface {
	CloseDueSessions(ctx context.Context, grace time.Duration, batch int) (closed []uuid.UUID, err error)
}

// Ledger implements the double-entry wallet engine (§4.1).
type Ledger interface {
	Apply(ctx context.Context, userID uuid.UUID, kind LedgerKind, amountCents int64, sessionID, registrationID *uuid.UUID, idempotencyKey string) (LedgerEntry, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error)
}

// ACL exposes cross-entity ownership lookups used by REST authorization.
type ACL interface {
	GetSessionHostID(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error)
}

// Reads exposes the paginated read endpoints (§6).
type Reads interface {
	ListWaitlist(ctx context.Context, sessionID uuid.UUID, limit int, cursor *KeysetCursor) ([]Registration, *KeysetCursor, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID, limit int, cursor *KeysetCursor) ([]Registration, *KeysetCursor, error)
	GetRegistration(ctx context.Context, registrationID uuid.UUID) (Registration, error)
	GetSessionStats(ctx context.Context, sessionID uuid.UUID) (SessionStats, error)
}

// SessionStats is the confirmed/remaining/waitlisted seat rollup GET
// /sessions/{id}/stats returns, mirroring original_source's
// SessionWithStatsOut.
type SessionStats struct {
	SessionID       uuid.UUID `json:"session_id"`
	Capacity        int       `json:"capacity"`
	ConfirmedSeats  int       `json:"confirmed_seats"`
	WaitlistedSeats int       `json:"waitlisted_seats"`
	RemainingSeats  int       `json:"remaining_seats"`
}

// CacheRepository is the Redis-backed ambient cache: rate limiting and a
// fast-fail session-status mirror used before the allocator is invoked.
type CacheRepository interface {
	GetSessionStatus(ctx context.Context, sessionID uuid.UUID) (SessionStatus, error)
	SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus) error
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// PromotionTrigger nudges the promotion worker to re-check a session once a
// seat frees up (a cancellation, a guest-list shrink, or a capacity
// increase). Declared here rather than in the redis package so postgres
// never imports redis directly; redis.Queue implements it structurally.
type PromotionTrigger interface {
	EnqueuePromotionTrigger(ctx context.Context, sessionID uuid.UUID) error
}

// DistributedLock coordinates single-runner work (the auto-closer sweep)
// across replicas via a Redis SET NX PX lock. Release is a no-op if the
// caller no longer holds the lock (e.g. it expired under contention).
type DistributedLock interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (held bool, release func(context.Context), err error)
}
