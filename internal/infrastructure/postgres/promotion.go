package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// waitlistRow is one row considered by a promotion pass.
type waitlistRow struct {
	id          uuid.UUID
	hostUserID  uuid.UUID
	seats       int
	waitlistPos int
	groupKey    *uuid.UUID
}

// PromoteOnce runs a single strict-FIFO promotion pass. The head of the
// waitlist is the lowest-position row, but if that row belongs to a
// group (a multi-seat submission split across per-seat rows by the
// allocator — see allocator.go), the whole group is the FIFO unit: it is
// promoted only when every seat it holds fits in remaining, and never
// skipped in favor of a later, smaller entry even if that entry alone
// would fit. This matches spec.md's "FIFO not skipped" scenario, where a
// 2-seat head group blocks promotion until 2 seats are free even though
// a later 1-seat row would otherwise qualify on its own.
//
// A row with no group_key (the admin pre-registration path, or a
// guest-less 1-seat submission) is its own one-row group.
//
// Grounded on original_source/app/services/waitlist_promotion.py for the
// per-registration outbox emission and position-collapse mechanics;
// the group-at-a-time fit check is this port's resolution of the
// per-row-vs-atomic-group ambiguity documented in DESIGN.md.
func (r *Repository) PromoteOnce(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sess.Status != domain.SessionScheduled {
		return nil, nil
	}

	remaining, err := remainingSeats(ctx, tx, sessionID, sess.Capacity)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, nil
	}

	var promoted []uuid.UUID

	for remaining > 0 {
		group, err := headGroup(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if group == nil {
			break
		}

		groupSeats := 0
		for _, row := range group {
			groupSeats += row.seats
		}
		if groupSeats > remaining {
			// strict FIFO: stop, never skip the head group.
			break
		}

		for i, row := range group {
			totalFee := int64(row.seats) * int64(sess.FeeCents)

			if _, err := r.applyLedgerEntryTx(ctx, tx, row.hostUserID, domain.LedgerFeeCapture, -totalFee, &sessionID, &row.id, "cap:"+row.id.String()); err != nil {
				return nil, err
			}
			if _, err := r.applyLedgerEntryTx(ctx, tx, row.hostUserID, domain.LedgerHoldRelease, -totalFee, &sessionID, &row.id, "rel:"+row.id.String()); err != nil {
				return nil, err
			}

			if _, err := tx.Exec(ctx, `
				UPDATE registrations SET state = 'confirmed', waitlist_pos = NULL, activated_at = NOW(), updated_at = NOW()
				WHERE id = $1
			`, row.id); err != nil {
				return nil, err
			}
			// Each earlier row of this group already collapsed the positions
			// behind it by one, so this row now sits at waitlistPos - i.
			if _, err := tx.Exec(ctx, `
				UPDATE registrations SET waitlist_pos = waitlist_pos - 1, updated_at = NOW()
				WHERE session_id = $1 AND state = 'waitlisted' AND waitlist_pos > $2
			`, sessionID, row.waitlistPos-i); err != nil {
				return nil, err
			}

			if err := addOutboxEvent(ctx, tx, "", sessionChannel(sessionID), registrationEventPayload{
				Type: "registration_promoted", SessionID: sessionID.String(), RegistrationID: row.id.String(), Seats: row.seats, Ts: time.Now().UTC(),
			}); err != nil {
				return nil, err
			}

			promoted = append(promoted, row.id)
		}

		remaining -= groupSeats
	}

	if len(promoted) == 0 {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	for _, regID := range promoted {
		r.audit.RegistrationPromoted(ctx, sessionID, regID)
	}
	return promoted, nil
}

// headGroup locks and returns the waitlist's head row plus every other
// waitlisted row sharing its group_key, ordered by waitlist_pos. A head
// row with a null group_key is returned alone. Rows are locked
// FOR UPDATE SKIP LOCKED so a concurrent promotion or cancellation on an
// overlapping group never blocks this pass indefinitely.
func headGroup(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) ([]waitlistRow, error) {
	var head waitlistRow
	err := tx.QueryRow(ctx, `
		SELECT id, host_user_id, seats, waitlist_pos, group_key
		FROM registrations
		WHERE session_id = $1 AND state = 'waitlisted'
		ORDER BY waitlist_pos ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, sessionID).Scan(&head.id, &head.hostUserID, &head.seats, &head.waitlistPos, &head.groupKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if head.groupKey == nil {
		return []waitlistRow{head}, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, host_user_id, seats, waitlist_pos, group_key
		FROM registrations
		WHERE session_id = $1 AND state = 'waitlisted' AND group_key = $2 AND id != $3
		ORDER BY waitlist_pos ASC
		FOR UPDATE SKIP LOCKED
	`, sessionID, *head.groupKey, head.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	group := []waitlistRow{head}
	for rows.Next() {
		var row waitlistRow
		if err := rows.Scan(&row.id, &row.hostUserID, &row.seats, &row.waitlistPos, &row.groupKey); err != nil {
			return nil, err
		}
		group = append(group, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return group, nil
}
