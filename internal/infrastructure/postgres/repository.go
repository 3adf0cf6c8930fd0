package postgres

import (
	"context"

	"github.com/birdiecourt/registry-core/internal/audit"
	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/birdiecourt/registry-core/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres-backed system of record. Its methods are split
// across this package by concern (ledger.go, allocator.go, promotion.go,
// cancellation.go, lifecycle.go, acl.go, reads.go,
// processed_messages.go) the way the teacher split repository.go by
// operation, but grouped one file per domain component instead of one file
// per endpoint.
//
// Deadlock policy (unchanged from the teacher): always lock in this order
// for a given session_id:
//  1. sessions row (FOR UPDATE)
//  2. registrations rows for that session (FOR UPDATE / FOR UPDATE SKIP LOCKED)
//  3. wallets row for the affected user (FOR UPDATE, locked inside ledger.go)
//
// This prevents cycles between Allocate, PromoteOnce, Cancel and the admin
// lifecycle transitions.
type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Logger
	promo domain.PromotionTrigger
}

func New(pool *pgxpool.Pool, auditLog *audit.Logger, promo domain.PromotionTrigger) *Repository {
	if auditLog == nil {
		auditLog = audit.NoOp()
	}
	return &Repository{pool: pool, audit: auditLog, promo: promo}
}

// triggerPromotion is a best-effort nudge. The promotion worker runs
// PromoteOnce only when it reads a trigger, so if this enqueue fails the
// freed seat waits for the session's next trigger.
func (r *Repository) triggerPromotion(ctx context.Context, sessionID uuid.UUID) {
	if r.promo == nil {
		return
	}
	if err := r.promo.EnqueuePromotionTrigger(ctx, sessionID); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("session_id", sessionID.String()).Msg("promotion trigger enqueue failed")
	}
}
