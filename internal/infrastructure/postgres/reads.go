package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// ListWaitlist returns waitlisted registrations in strict FIFO order
// (waitlist_pos ASC), the keyset cursor riding on waitlist_pos+id so a
// promotion never produces a duplicate or skipped page.
func (r *Repository) ListWaitlist(ctx context.Context, sessionID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{sessionID}
	where := "WHERE session_id = $1 AND state = 'waitlisted'"
	argN := 2

	if cursor != nil {
		where += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", argN, argN+1)
		args = append(args, cursor.CreatedAt, cursor.ID)
		argN += 2
	}

	q := fmt.Sprintf(`
		SELECT id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos,
		       created_at, updated_at, activated_at, canceled_at
		FROM registrations
		%s
		ORDER BY waitlist_pos ASC, created_at ASC, id ASC
		LIMIT %d
	`, where, limit+1)

	return r.queryRegistrations(ctx, q, args, limit)
}

// ListParticipants returns confirmed registrations, oldest first.
func (r *Repository) ListParticipants(ctx context.Context, sessionID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.Registration, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{sessionID}
	where := "WHERE session_id = $1 AND state = 'confirmed'"
	argN := 2

	if cursor != nil {
		where += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", argN, argN+1)
		args = append(args, cursor.CreatedAt, cursor.ID)
		argN += 2
	}

	q := fmt.Sprintf(`
		SELECT id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos,
		       created_at, updated_at, activated_at, canceled_at
		FROM registrations
		%s
		ORDER BY created_at ASC, id ASC
		LIMIT %d
	`, where, limit+1)

	return r.queryRegistrations(ctx, q, args, limit)
}

func (r *Repository) queryRegistrations(ctx context.Context, q string, args []any, limit int) ([]domain.Registration, *domain.KeysetCursor, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []domain.Registration
	for rows.Next() {
		var reg domain.Registration
		var state string
		if err := rows.Scan(
			&reg.ID, &reg.SessionID, &reg.HostUserID, &reg.GroupKey, &reg.IsHost, &reg.Seats, &reg.GuestNames, &state, &reg.WaitlistPos,
			&reg.CreatedAt, &reg.UpdatedAt, &reg.ActivatedAt, &reg.CanceledAt,
		); err != nil {
			return nil, nil, err
		}
		reg.State = domain.RegistrationState(state)
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// GetSessionStats rolls up confirmed/waitlisted seat counts for a session,
// grounded on original_source/app/api/routers/sessions.py's _to_stats
// (confirmed_seats, remaining_seats = max(0, capacity-confirmed)).
func (r *Repository) GetSessionStats(ctx context.Context, sessionID uuid.UUID) (domain.SessionStats, error) {
	var stats domain.SessionStats
	stats.SessionID = sessionID
	err := r.pool.QueryRow(ctx, `
		SELECT s.capacity,
		       COALESCE(SUM(CASE WHEN r.state = 'confirmed' THEN r.seats ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.state = 'waitlisted' THEN r.seats ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN registrations r ON r.session_id = s.id
		WHERE s.id = $1
		GROUP BY s.capacity
	`, sessionID).Scan(&stats.Capacity, &stats.ConfirmedSeats, &stats.WaitlistedSeats)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionStats{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionStats{}, err
	}
	stats.RemainingSeats = stats.Capacity - stats.ConfirmedSeats
	if stats.RemainingSeats < 0 {
		stats.RemainingSeats = 0
	}
	return stats, nil
}

func (r *Repository) GetRegistration(ctx context.Context, registrationID uuid.UUID) (domain.Registration, error) {
	var reg domain.Registration
	var state string
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos,
		       created_at, updated_at, activated_at, canceled_at
		FROM registrations
		WHERE id = $1
	`, registrationID).Scan(
		&reg.ID, &reg.SessionID, &reg.HostUserID, &reg.GroupKey, &reg.IsHost, &reg.Seats, &reg.GuestNames, &state, &reg.WaitlistPos,
		&reg.CreatedAt, &reg.UpdatedAt, &reg.ActivatedAt, &reg.CanceledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Registration{}, domain.ErrRegistrationNotFound
	}
	if err != nil {
		return domain.Registration{}, err
	}
	reg.State = domain.RegistrationState(state)
	return reg, nil
}
