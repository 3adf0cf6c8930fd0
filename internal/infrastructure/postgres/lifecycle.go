package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateSession inserts a new scheduled session and, if the admin supplied
// any, books a batch of pre-registrations against it in the same call.
// Grounded on original_source/app/repos/sessions.py's create_session plus
// admin_prereg_service.py's prereg_batch_on_create: each pre-registration
// books a single host-only row directly (no per-guest row splitting — the
// guest names travel on that one row, same as the row's GuestNames field)
// and is rejected independently of its siblings rather than failing the
// whole batch.
func (r *Repository) CreateSession(ctx context.Context, traceID string, hostUserID uuid.UUID, title *string, startsAt time.Time, ianaTimezone string, capacity, feeCents int, preregs []domain.PreRegistrationItem) (domain.Session, []domain.PreRegistrationResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Session{}, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sess domain.Session
	var status string
	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (id, host_user_id, title, capacity, fee_cents, timezone, starts_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', NOW(), NOW())
		RETURNING id, host_user_id, title, capacity, fee_cents, timezone, starts_at, status, created_at, updated_at
	`, uuid.New(), hostUserID, title, capacity, feeCents, ianaTimezone, startsAt).Scan(
		&sess.ID, &sess.HostUserID, &sess.Title, &sess.Capacity, &sess.FeeCents,
		&sess.Timezone, &sess.StartsAt, &status, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, nil, err
	}
	sess.Status = domain.SessionStatus(status)

	results := make([]domain.PreRegistrationResult, 0, len(preregs))
	for _, item := range preregs {
		results = append(results, r.preregisterOneTx(ctx, tx, traceID, &sess, item))
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, nil, err
	}
	return sess, results, nil
}

// preregisterOneTx mirrors _preregister_one's checks (duplicate host,
// funds, waitlist-tail placement) but never returns an error from the
// batch — a bad item is reported as a rejected result so the rest of the
// batch still commits.
func (r *Repository) preregisterOneTx(ctx context.Context, tx pgx.Tx, traceID string, sess *domain.Session, item domain.PreRegistrationItem) domain.PreRegistrationResult {
	reject := func(reason string) domain.PreRegistrationResult {
		return domain.PreRegistrationResult{UserID: item.UserID, State: "rejected", Error: reason}
	}

	if item.Seats < 1 {
		return reject("invalid_seats")
	}

	var userStatus string
	var userDeletedAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT status, deleted_at FROM users WHERE id = $1`, item.UserID).Scan(&userStatus, &userDeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reject("user_disabled_or_missing")
		}
		return reject(err.Error())
	}
	if userDeletedAt != nil || userStatus != "active" {
		return reject("user_disabled_or_missing")
	}

	var dupID uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM registrations
		WHERE session_id = $1 AND host_user_id = $2 AND is_host AND state != 'canceled'
		LIMIT 1
	`, sess.ID, item.UserID).Scan(&dupID)
	if err == nil {
		return reject("already_registered_or_waitlisted")
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return reject(err.Error())
	}

	remaining, err := remainingSeats(ctx, tx, sess.ID, sess.Capacity)
	if err != nil {
		return reject(err.Error())
	}
	willConfirm := item.Seats <= remaining

	fee := int64(sess.FeeCents) * int64(item.Seats)
	wallet, err := r.GetWallet(ctx, item.UserID)
	if err != nil {
		return reject(err.Error())
	}
	if wallet.AvailableCents() < fee {
		return reject("insufficient_funds")
	}

	var waitlistPos *int
	if !willConfirm {
		pos, err := nextWaitlistPos(ctx, tx, sess.ID)
		if err != nil {
			return reject(err.Error())
		}
		waitlistPos = &pos
	}

	state := domain.RegConfirmed
	if !willConfirm {
		state = domain.RegWaitlisted
	}

	var regID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO registrations (id, session_id, host_user_id, is_host, seats, guest_names, state, waitlist_pos, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id
	`, uuid.New(), sess.ID, item.UserID, item.Seats, item.GuestNames, string(state), waitlistPos).Scan(&regID)
	if err != nil {
		return reject(err.Error())
	}

	if willConfirm {
		if _, err := r.applyLedgerEntryTx(ctx, tx, item.UserID, domain.LedgerFeeCapture, -fee, &sess.ID, &regID, item.IdempotencyKey); err != nil {
			return reject(err.Error())
		}
	} else {
		if _, err := r.applyLedgerEntryTx(ctx, tx, item.UserID, domain.LedgerHold, fee, &sess.ID, &regID, item.IdempotencyKey); err != nil {
			return reject(err.Error())
		}
	}

	if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), registrationEventPayload{
		Type: confirmedOrWaitlisted(willConfirm), SessionID: sess.ID.String(), RegistrationID: regID.String(),
		Seats: item.Seats, WaitlistPos: waitlistPos, HostUserID: item.UserID.String(), Ts: time.Now().UTC(),
	}); err != nil {
		return reject(err.Error())
	}

	id := regID
	return domain.PreRegistrationResult{UserID: item.UserID, RegistrationID: &id, State: string(state), WaitlistPos: waitlistPos}
}

func confirmedOrWaitlisted(confirmed bool) string {
	if confirmed {
		return "registration_confirmed"
	}
	return "registration_waitlisted"
}

// allowedSessionTransitions is the closed transition set from
// original_source/app/services/session_lifecycle.py's admin_update_session.
var allowedSessionTransitions = map[domain.SessionStatus]map[domain.SessionStatus]bool{
	domain.SessionScheduled: {domain.SessionClosed: true, domain.SessionCanceled: true},
	domain.SessionClosed:    {domain.SessionScheduled: true, domain.SessionCanceled: true},
}

// UpdateSession applies an admin capacity and/or status change to a session.
// Grounded on session_lifecycle.py, but deliberately drops that file's stray
// duplicate session_canceled outbox emit on its default fallthrough path —
// each transition emits exactly one event.
func (r *Repository) UpdateSession(ctx context.Context, traceID string, sessionID uuid.UUID, newCapacity *int, newStatus *domain.SessionStatus) (domain.Session, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	oldStatus := sess.Status
	oldCapacity := sess.Capacity
	capacityIncreased := false

	if newCapacity != nil && *newCapacity != sess.Capacity {
		confirmed, err := confirmedSeats(ctx, tx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		if *newCapacity < confirmed {
			return domain.Session{}, domain.ErrCapacityBelowConfirmed
		}
		if _, err := tx.Exec(ctx, `UPDATE sessions SET capacity = $2, updated_at = NOW() WHERE id = $1`, sessionID, *newCapacity); err != nil {
			return domain.Session{}, err
		}
		capacityIncreased = *newCapacity > oldCapacity
		sess.Capacity = *newCapacity
		if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sessionID), sessionEventPayload{
			Type: "session_capacity_changed", SessionID: sessionID.String(), Capacity: newCapacity,
		}); err != nil {
			return domain.Session{}, err
		}
	}

	if newStatus != nil && *newStatus != oldStatus {
		if !allowedSessionTransitions[oldStatus][*newStatus] {
			return domain.Session{}, domain.ErrInvalidTransition
		}
		if err := applyStatusTransitionTx(ctx, tx, r, traceID, sess, *newStatus); err != nil {
			return domain.Session{}, err
		}
		sess.Status = *newStatus
	}

	sess.UpdatedAt = time.Now().UTC()
	if err := tx.Commit(ctx); err != nil {
		return domain.Session{}, err
	}

	if sess.Status != oldStatus {
		r.audit.SessionStatusChanged(ctx, traceID, sessionID, string(oldStatus), string(sess.Status))
	}
	// A capacity bump only needs a promotion nudge if the session stayed
	// scheduled throughout — a status transition in the same call already
	// ran its own cancellation cascade and left nothing to promote.
	if capacityIncreased && sess.Status == domain.SessionScheduled && oldStatus == domain.SessionScheduled {
		r.triggerPromotion(ctx, sessionID)
	}
	return sess, nil
}

// applyStatusTransitionTx runs the side effects for a session status change.
// Closing refunds nothing for confirmed seats (they attended or will) but
// releases holds and cancels every waitlisted registration. Canceling the
// whole session fully refunds confirmed seats (no penalty — the host did not
// choose to leave) and releases holds on the waitlist. Grounded on
// session_lifecycle.py's close/cancel branches; shared verbatim with
// autoclose.go so the scheduled sweep never takes the original source's
// incomplete shortcut of flipping status without running this cascade.
func applyStatusTransitionTx(ctx context.Context, tx pgx.Tx, r *Repository, traceID string, sess domain.Session, newStatus domain.SessionStatus) error {
	if _, err := tx.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = NOW() WHERE id = $1`, sess.ID, string(newStatus)); err != nil {
		return err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, host_user_id, seats, state, waitlist_pos
		FROM registrations
		WHERE session_id = $1 AND state IN ('confirmed', 'waitlisted')
		FOR UPDATE
	`, sess.ID)
	if err != nil {
		return err
	}
	type regRow struct {
		id, hostID      uuid.UUID
		seats           int
		state           domain.RegistrationState
		waitlistPos     *int
	}
	var regs []regRow
	for rows.Next() {
		var rr regRow
		var state string
		if err := rows.Scan(&rr.id, &rr.hostID, &rr.seats, &state, &rr.waitlistPos); err != nil {
			rows.Close()
			return err
		}
		rr.state = domain.RegistrationState(state)
		regs = append(regs, rr)
	}
	rows.Close()

	for _, reg := range regs {
		fee := int64(reg.seats) * int64(sess.FeeCents)

		switch {
		case newStatus == domain.SessionCanceled && reg.state == domain.RegConfirmed:
			if fee != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, reg.hostID, domain.LedgerRefund, fee, &sess.ID, &reg.id, "cancel_session_refund:"+reg.id.String()); err != nil {
					return err
				}
			}
		case reg.state == domain.RegWaitlisted:
			if fee != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, reg.hostID, domain.LedgerHoldRelease, -fee, &sess.ID, &reg.id, "sess_release:"+reg.id.String()); err != nil {
					return err
				}
			}
		default:
			// close with confirmed seats kept: attendance stands, no ledger change.
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE registrations
			SET state = 'canceled', canceled_at = NOW(), canceled_from_state = $2, waitlist_pos = NULL, updated_at = NOW()
			WHERE id = $1
		`, reg.id, string(reg.state)); err != nil {
			return err
		}

		if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), registrationEventPayload{
			Type: "registration_canceled", SessionID: sess.ID.String(), RegistrationID: reg.id.String(),
			HostUserID: reg.hostID.String(), Seats: reg.seats, Ts: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	oldStatusStr := string(sess.Status)
	newStatusStr := string(newStatus)
	return addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), sessionEventPayload{
		Type: "session_status_changed", SessionID: sess.ID.String(), OldStatus: oldStatusStr, NewStatus: newStatusStr,
	})
}

// ListScheduledSessionIDs returns every session currently accepting
// registrations, re-queried on a short interval by the allocator and
// promotion workers so a newly scheduled session starts getting its stream
// read without a restart. Grounded on registration_mux.py/promotion_mux.py's
// _discover_session_ids.
func (r *Repository) ListScheduledSessionIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM sessions WHERE status = 'scheduled'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func confirmedSeats(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(seats), 0) FROM registrations WHERE session_id = $1 AND state = 'confirmed'`, sessionID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
