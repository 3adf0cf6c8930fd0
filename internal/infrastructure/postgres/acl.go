package postgres

import (
	"context"
	"errors"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetSessionHostID implements domain.ACL for REST-layer authorization
// checks (e.g. admin-only session edits vs. the session's own host).
func (r *Repository) GetSessionHostID(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	var host uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT host_user_id FROM sessions WHERE id = $1`, sessionID).Scan(&host)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.UUID{}, domain.ErrSessionNotFound
		}
		return uuid.UUID{}, err
	}
	return host, nil
}
