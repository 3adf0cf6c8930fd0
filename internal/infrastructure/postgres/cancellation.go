package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Cancel cancels a single registration (confirmed or waitlisted), applying
// refund/penalty policy for confirmed seats and a plain hold release for
// waitlisted ones, then cascades to sibling guest rows when the canceled row
// is the host seat of a split group. Grounded on
// original_source/app/services/cancellation.py.
func (r *Repository) Cancel(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, callerIsAdmin bool) (domain.CancelResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.CancelResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reg, sess, err := lockRegistrationWithSession(ctx, tx, registrationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CancelResult{}, domain.ErrRegistrationNotFound
	}
	if err != nil {
		return domain.CancelResult{}, err
	}

	if !callerIsAdmin && reg.HostUserID != callerID {
		return domain.CancelResult{}, domain.ErrForbidden
	}
	if reg.State == domain.RegCanceled {
		return domain.CancelResult{}, nil // idempotent no-op, matches original_source
	}

	now := time.Now().UTC()
	if !now.Before(sess.StartsAt) {
		return domain.CancelResult{}, domain.ErrTooLate
	}

	var totalRefund, totalPenalty int64

	cancelOne := func(target domain.Registration) (int64, int64, error) {
		fee := int64(target.Seats) * int64(sess.FeeCents)
		var refund, penalty int64

		switch target.State {
		case domain.RegWaitlisted:
			if _, err := r.applyLedgerEntryTx(ctx, tx, target.HostUserID, domain.LedgerHoldRelease, -fee, &sess.ID, &target.ID, "rel_cancel:"+target.ID.String()); err != nil {
				return 0, 0, err
			}
			oldPos := *target.WaitlistPos
			if err := cancelRegistrationRow(ctx, tx, target.ID, domain.RegWaitlisted, nil); err != nil {
				return 0, 0, err
			}
			if err := collapseWaitlistAfter(ctx, tx, sess.ID, &oldPos); err != nil {
				return 0, 0, err
			}
		case domain.RegConfirmed:
			refund, penalty, err = domain.ComputeCancellationPolicy(now, sess.StartsAt, sess.Timezone, fee)
			if err != nil {
				return 0, 0, err
			}
			if refund != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, target.HostUserID, domain.LedgerRefund, refund, &sess.ID, &target.ID, "refund_cancel:"+target.ID.String()); err != nil {
					return 0, 0, err
				}
			}
			if penalty != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, target.HostUserID, domain.LedgerPenalty, penalty, &sess.ID, &target.ID, "penalty_cancel:"+target.ID.String()); err != nil {
					return 0, 0, err
				}
			}
			if err := cancelRegistrationRow(ctx, tx, target.ID, domain.RegConfirmed, nil); err != nil {
				return 0, 0, err
			}
		}

		if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), registrationEventPayload{
			Type: "registration_canceled", SessionID: sess.ID.String(), RegistrationID: target.ID.String(),
			HostUserID: target.HostUserID.String(), Seats: target.Seats, Ts: now,
		}); err != nil {
			return 0, 0, err
		}
		return refund, penalty, nil
	}

	isHostSeatInGroup := reg.GroupKey != nil && reg.Seats == 1 && len(reg.GuestNames) == 0

	ref, pen, err := cancelOne(reg)
	if err != nil {
		return domain.CancelResult{}, err
	}
	totalRefund += ref
	totalPenalty += pen

	if isHostSeatInGroup {
		rows, err := tx.Query(ctx, `
			SELECT id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos
			FROM registrations
			WHERE session_id = $1 AND group_key = $2 AND id != $3 AND state != 'canceled'
			FOR UPDATE SKIP LOCKED
		`, reg.SessionID, reg.GroupKey, reg.ID)
		if err != nil {
			return domain.CancelResult{}, err
		}
		var siblings []domain.Registration
		for rows.Next() {
			s, err := scanRegistrationRow(rows)
			if err != nil {
				rows.Close()
				return domain.CancelResult{}, err
			}
			siblings = append(siblings, s)
		}
		rows.Close()

		for _, sib := range siblings {
			ref, pen, err := cancelOne(sib)
			if err != nil {
				return domain.CancelResult{}, err
			}
			totalRefund += ref
			totalPenalty += pen
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CancelResult{}, err
	}

	r.audit.RegistrationCanceled(ctx, traceID, registrationID, callerID, totalRefund, totalPenalty)
	if reg.State == domain.RegConfirmed {
		r.triggerPromotion(ctx, sess.ID)
	}

	return domain.CancelResult{RefundCents: totalRefund, PenaltyCents: totalPenalty, FinalState: domain.RegCanceled}, nil
}

// UpdateGuests replaces the guest list for a host's registration group. Seats
// may only shrink here (growth goes through AddGuest); trailing guest rows
// beyond the new count are canceled with policy-based refund/penalty, and
// surviving rows have their guest_names renamed in submission order. This is
// an adaptation of original_source/app/services/guest_update.py's
// single-row-seats model to this repository's one-row-per-seat model (see
// DESIGN.md).
func (r *Repository) UpdateGuests(ctx context.Context, traceID string, registrationID, callerID uuid.UUID, callerIsAdmin bool, newGuestNames []string) (int, int, int64, int64, domain.RegistrationState, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, 0, 0, 0, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	host, sess, err := lockRegistrationWithSession(ctx, tx, registrationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, 0, 0, "", domain.ErrRegistrationNotFound
	}
	if err != nil {
		return 0, 0, 0, 0, "", err
	}
	if !host.IsHost {
		return 0, 0, 0, 0, "", domain.ErrValidation
	}
	if !callerIsAdmin && host.HostUserID != callerID {
		return 0, 0, 0, 0, "", domain.ErrForbidden
	}

	now := time.Now().UTC()
	if !now.Before(sess.StartsAt) {
		return 0, 0, 0, 0, "", domain.ErrTooLate
	}
	if host.State != domain.RegConfirmed && host.State != domain.RegWaitlisted {
		return 0, 0, 0, 0, "", domain.ErrValidation
	}

	names := normalizeGuestNames(newGuestNames)

	var guestRows []domain.Registration
	if host.GroupKey != nil {
		rows, err := tx.Query(ctx, `
			SELECT id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos
			FROM registrations
			WHERE session_id = $1 AND group_key = $2 AND is_host = false AND state != 'canceled'
			ORDER BY created_at ASC
			FOR UPDATE
		`, host.SessionID, host.GroupKey)
		if err != nil {
			return 0, 0, 0, 0, "", err
		}
		for rows.Next() {
			g, err := scanRegistrationRow(rows)
			if err != nil {
				rows.Close()
				return 0, 0, 0, 0, "", err
			}
			guestRows = append(guestRows, g)
		}
		rows.Close()
	}

	oldSeats := 1 + len(guestRows)
	newSeats := 1 + len(names)
	if newSeats > oldSeats {
		return 0, 0, 0, 0, "", domain.ErrSeatIncreaseNotAllowed
	}

	var totalRefund, totalPenalty int64
	freedConfirmedSeat := false

	keep := len(names)
	for i, g := range guestRows {
		if i < keep {
			if _, err := tx.Exec(ctx, `UPDATE registrations SET guest_names = $2, updated_at = NOW() WHERE id = $1`, g.ID, []string{names[i]}); err != nil {
				return 0, 0, 0, 0, "", err
			}
			continue
		}
		fee := int64(sess.FeeCents)
		if g.State == domain.RegWaitlisted {
			if _, err := r.applyLedgerEntryTx(ctx, tx, g.HostUserID, domain.LedgerHoldRelease, -fee, &sess.ID, &g.ID, "gu_release:"+g.ID.String()); err != nil {
				return 0, 0, 0, 0, "", err
			}
			oldPos := *g.WaitlistPos
			if err := cancelRegistrationRow(ctx, tx, g.ID, domain.RegWaitlisted, nil); err != nil {
				return 0, 0, 0, 0, "", err
			}
			if err := collapseWaitlistAfter(ctx, tx, sess.ID, &oldPos); err != nil {
				return 0, 0, 0, 0, "", err
			}
		} else {
			refund, penalty, err := domain.ComputeCancellationPolicy(now, sess.StartsAt, sess.Timezone, fee)
			if err != nil {
				return 0, 0, 0, 0, "", err
			}
			if refund != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, g.HostUserID, domain.LedgerRefund, refund, &sess.ID, &g.ID, "gu_refund:"+g.ID.String()); err != nil {
					return 0, 0, 0, 0, "", err
				}
			}
			if penalty != 0 {
				if _, err := r.applyLedgerEntryTx(ctx, tx, g.HostUserID, domain.LedgerPenalty, penalty, &sess.ID, &g.ID, "gu_penalty:"+g.ID.String()); err != nil {
					return 0, 0, 0, 0, "", err
				}
			}
			totalRefund += refund
			totalPenalty += penalty
			if err := cancelRegistrationRow(ctx, tx, g.ID, domain.RegConfirmed, nil); err != nil {
				return 0, 0, 0, 0, "", err
			}
			freedConfirmedSeat = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, 0, 0, "", err
	}

	r.audit.GuestsUpdated(ctx, traceID, registrationID, callerID, oldSeats, newSeats, totalRefund, totalPenalty)
	if oldSeats != newSeats && freedConfirmedSeat {
		r.triggerPromotion(ctx, sess.ID)
	}

	return oldSeats, newSeats, totalRefund, totalPenalty, host.State, nil
}

// AddGuest appends one guest seat to a host's group. Fairness-first: if any
// waitlist currently exists for the session, or no seats remain, the guest
// is always queued at the tail rather than jumping ahead of waiting
// strangers. Grounded on original_source/app/services/guest_add.py.
func (r *Repository) AddGuest(ctx context.Context, traceID string, hostRegistrationID, callerID uuid.UUID, callerIsAdmin bool, guestName string) (uuid.UUID, domain.RegistrationState, *int, error) {
	guestName = trimToRune(guestName)
	if guestName == "" {
		return uuid.Nil, "", nil, domain.ErrValidation
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return uuid.Nil, "", nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	host, sess, err := lockRegistrationWithSession(ctx, tx, hostRegistrationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, "", nil, domain.ErrRegistrationNotFound
	}
	if err != nil {
		return uuid.Nil, "", nil, err
	}
	if !callerIsAdmin && host.HostUserID != callerID {
		return uuid.Nil, "", nil, domain.ErrForbidden
	}
	if sess.Status != domain.SessionScheduled {
		return uuid.Nil, "", nil, domain.ErrSessionNotScheduled
	}
	now := time.Now().UTC()
	if !now.Before(sess.StartsAt) {
		return uuid.Nil, "", nil, domain.ErrTooLate
	}

	groupKey := host.GroupKey
	if groupKey == nil {
		gk := uuid.New()
		if _, err := tx.Exec(ctx, `UPDATE registrations SET group_key = $2, updated_at = NOW() WHERE id = $1`, host.ID, gk); err != nil {
			return uuid.Nil, "", nil, err
		}
		groupKey = &gk
	}

	var activeGuests int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM registrations
		WHERE session_id = $1 AND group_key = $2 AND id != $3 AND is_host = false AND state != 'canceled'
	`, host.SessionID, groupKey, host.ID).Scan(&activeGuests); err != nil {
		return uuid.Nil, "", nil, err
	}
	if activeGuests >= maxGuestsPerHost {
		return uuid.Nil, "", nil, domain.ErrGuestLimitExceeded
	}

	wallet, err := r.GetWallet(ctx, host.HostUserID)
	if err != nil {
		return uuid.Nil, "", nil, err
	}
	fee := int64(sess.FeeCents)
	if wallet.AvailableCents() < fee {
		return uuid.Nil, "", nil, domain.ErrInsufficientFunds
	}

	var waitlistExists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM registrations WHERE session_id = $1 AND state = 'waitlisted')
	`, host.SessionID).Scan(&waitlistExists); err != nil {
		return uuid.Nil, "", nil, err
	}

	remaining, err := remainingSeats(ctx, tx, host.SessionID, sess.Capacity)
	if err != nil {
		return uuid.Nil, "", nil, err
	}

	insertGuest := func(state domain.RegistrationState, pos *int) (uuid.UUID, error) {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO registrations (id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos, created_at, updated_at)
			VALUES ($1, $2, $3, $4, false, 1, $5, $6, $7, NOW(), NOW())
			RETURNING id
		`, uuid.New(), host.SessionID, host.HostUserID, groupKey, []string{guestName}, string(state), pos).Scan(&id)
		return id, err
	}

	if waitlistExists || remaining <= 0 {
		pos, err := nextWaitlistPos(ctx, tx, host.SessionID)
		if err != nil {
			return uuid.Nil, "", nil, err
		}
		guestID, err := insertGuest(domain.RegWaitlisted, &pos)
		if err != nil {
			return uuid.Nil, "", nil, err
		}
		if _, err := r.applyLedgerEntryTx(ctx, tx, host.HostUserID, domain.LedgerHold, fee, &sess.ID, &guestID, "hold:addguest:"+guestID.String()); err != nil {
			return uuid.Nil, "", nil, err
		}
		if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), registrationEventPayload{
			Type: "registration_waitlisted", SessionID: sess.ID.String(), RegistrationID: guestID.String(), Seats: 1, WaitlistPos: &pos, Ts: now,
		}); err != nil {
			return uuid.Nil, "", nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return uuid.Nil, "", nil, err
		}
		return guestID, domain.RegWaitlisted, &pos, nil
	}

	guestID, err := insertGuest(domain.RegConfirmed, nil)
	if err != nil {
		return uuid.Nil, "", nil, err
	}
	if _, err := r.applyLedgerEntryTx(ctx, tx, host.HostUserID, domain.LedgerFeeCapture, -fee, &sess.ID, &guestID, "cap:addguest:"+guestID.String()); err != nil {
		return uuid.Nil, "", nil, err
	}
	if err := addOutboxEvent(ctx, tx, traceID, sessionChannel(sess.ID), registrationEventPayload{
		Type: "registration_confirmed", SessionID: sess.ID.String(), RegistrationID: guestID.String(), Seats: 1, Ts: now,
	}); err != nil {
		return uuid.Nil, "", nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, "", nil, err
	}
	return guestID, domain.RegConfirmed, nil, nil
}

func lockRegistrationWithSession(ctx context.Context, tx pgx.Tx, registrationID uuid.UUID) (domain.Registration, domain.Session, error) {
	var reg domain.Registration
	var sess domain.Session
	var regState, sessStatus string
	err := tx.QueryRow(ctx, `
		SELECT r.id, r.session_id, r.host_user_id, r.group_key, r.is_host, r.seats, r.guest_names, r.state, r.waitlist_pos,
		       s.id, s.host_user_id, s.capacity, s.fee_cents, s.timezone, s.starts_at, s.status, s.created_at, s.updated_at
		FROM registrations r
		JOIN sessions s ON s.id = r.session_id
		WHERE r.id = $1
		FOR UPDATE OF r, s
	`, registrationID).Scan(
		&reg.ID, &reg.SessionID, &reg.HostUserID, &reg.GroupKey, &reg.IsHost, &reg.Seats, &reg.GuestNames, &regState, &reg.WaitlistPos,
		&sess.ID, &sess.HostUserID, &sess.Capacity, &sess.FeeCents, &sess.Timezone, &sess.StartsAt, &sessStatus, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return domain.Registration{}, domain.Session{}, err
	}
	reg.State = domain.RegistrationState(regState)
	sess.Status = domain.SessionStatus(sessStatus)
	return reg, sess, nil
}

func scanRegistrationRow(rows pgx.Rows) (domain.Registration, error) {
	var reg domain.Registration
	var state string
	if err := rows.Scan(&reg.ID, &reg.SessionID, &reg.HostUserID, &reg.GroupKey, &reg.IsHost, &reg.Seats, &reg.GuestNames, &state, &reg.WaitlistPos); err != nil {
		return domain.Registration{}, err
	}
	reg.State = domain.RegistrationState(state)
	return reg, nil
}

func cancelRegistrationRow(ctx context.Context, tx pgx.Tx, regID uuid.UUID, from domain.RegistrationState, waitlistPos *int) error {
	_, err := tx.Exec(ctx, `
		UPDATE registrations
		SET state = 'canceled', canceled_at = NOW(), canceled_from_state = $2, waitlist_pos = NULL, updated_at = NOW()
		WHERE id = $1
	`, regID, string(from))
	return err
}

func collapseWaitlistAfter(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, vacatedPos *int) error {
	if vacatedPos == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE registrations SET waitlist_pos = waitlist_pos - 1, updated_at = NOW()
		WHERE session_id = $1 AND state = 'waitlisted' AND waitlist_pos > $2
	`, sessionID, *vacatedPos)
	return err
}
