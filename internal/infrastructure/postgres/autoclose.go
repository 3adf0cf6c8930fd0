package postgres

import (
	"context"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
)

const autoCloseLockKey = "lock:session-autoclose"

// SessionCloser implements domain.AutoCloser. It is kept separate from
// Repository because it needs a cross-replica coordination lock that the
// rest of the Postgres component set does not: only one replica's sweep
// should run at a time. Grounded on
// original_source/app/services/session_auto_close.py, but unlike that file
// it runs the full close cascade (applyStatusTransitionTx, shared with
// lifecycle.go) instead of just flipping the status column — see
// DESIGN.md Open Question 5.
type SessionCloser struct {
	repo *Repository
	lock domain.DistributedLock
}

func NewSessionCloser(repo *Repository, lock domain.DistributedLock) *SessionCloser {
	return &SessionCloser{repo: repo, lock: lock}
}

// CloseDueSessions closes every scheduled session whose starts_at is more
// than grace in the past, up to batch sessions per call. cmd/session-closer
// passes Config.AutoCloseGrace, which defaults to 2 hours.
func (c *SessionCloser) CloseDueSessions(ctx context.Context, grace time.Duration, batch int) ([]uuid.UUID, error) {
	held, release, err := c.lock.TryAcquire(ctx, autoCloseLockKey, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, nil
	}
	defer release(ctx)

	cutoff := time.Now().UTC().Add(-grace)

	rows, err := c.repo.pool.Query(ctx, `
		SELECT id FROM sessions
		WHERE status = 'scheduled' AND starts_at < $1
		ORDER BY starts_at ASC
		LIMIT $2
	`, cutoff, batch)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var closed []uuid.UUID
	for _, id := range ids {
		closedStatus := domain.SessionClosed
		if _, err := c.repo.UpdateSession(ctx, "autoclose:"+id.String(), id, nil, &closedStatus); err != nil {
			if err == domain.ErrInvalidTransition {
				continue // raced with an admin transition, skip this cycle
			}
			return closed, err
		}
		closed = append(closed, id)
	}
	return closed, nil
}
