package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const maxGuestsPerHost = 2

// Allocate runs the Registration Allocation Core. Grounded line-for-line on
// original_source/app/services/registration_allocator.py's three-branch
// algorithm: full-fit, no-seats (pure waitlist), and host-priority
// partial-fit. Runs inside a single transaction with SERIALIZABLE isolation
// per spec.md §5.
func (r *Repository) Allocate(ctx context.Context, traceID string, sessionID, userID uuid.UUID, guestNames []string) (domain.AllocationResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.AllocationResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return domain.AllocationResult{}, err
	}
	if sess.Status != domain.SessionScheduled {
		return domain.AllocationResult{}, domain.ErrSessionNotScheduled
	}
	if time.Now().UTC().After(sess.StartsAt) || time.Now().UTC().Equal(sess.StartsAt) {
		return domain.AllocationResult{}, domain.ErrTooLate
	}

	var existingHost uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM registrations
		WHERE session_id = $1 AND host_user_id = $2 AND is_host AND state != 'canceled'
		LIMIT 1
	`, sessionID, userID).Scan(&existingHost)
	if err == nil {
		return domain.AllocationResult{}, domain.ErrAlreadyHost
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.AllocationResult{}, err
	}

	names := normalizeGuestNames(guestNames)
	totalSeats := 1 + len(names)

	fee := int64(sess.FeeCents)
	required := fee * int64(totalSeats)

	wallet, err := r.GetWallet(ctx, userID)
	if err != nil {
		return domain.AllocationResult{}, err
	}
	if wallet.AvailableCents() < required {
		return domain.AllocationResult{}, domain.ErrInsufficientFunds
	}

	remaining, err := remainingSeats(ctx, tx, sessionID, sess.Capacity)
	if err != nil {
		return domain.AllocationResult{}, err
	}

	var groupKey *uuid.UUID
	if totalSeats > 1 || remaining == 0 {
		gk := uuid.New()
		groupKey = &gk
	}

	var created []uuid.UUID

	createReg := func(isHost bool, state domain.RegistrationState, guestName []string, waitlistPos *int) (uuid.UUID, error) {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO registrations (id, session_id, host_user_id, group_key, is_host, seats, guest_names, state, waitlist_pos, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, NOW(), NOW())
			RETURNING id
		`, uuid.New(), sessionID, userID, groupKey, isHost, guestName, string(state), waitlistPos).Scan(&id)
		if err != nil {
			return uuid.Nil, err
		}
		created = append(created, id)
		return id, nil
	}

	emitConfirmed := func(regID uuid.UUID) error {
		return addOutboxEvent(ctx, tx, traceID, sessionChannel(sessionID), registrationEventPayload{
			Type: "registration_confirmed", SessionID: sessionID.String(), RegistrationID: regID.String(), Seats: 1, Ts: time.Now().UTC(),
		})
	}
	emitWaitlisted := func(regID uuid.UUID, pos int) error {
		p := pos
		return addOutboxEvent(ctx, tx, traceID, sessionChannel(sessionID), registrationEventPayload{
			Type: "registration_waitlisted", SessionID: sessionID.String(), RegistrationID: regID.String(), Seats: 1, WaitlistPos: &p, Ts: time.Now().UTC(),
		})
	}

	confirmOne := func(isHost bool, guestName []string) (uuid.UUID, error) {
		id, err := createReg(isHost, domain.RegConfirmed, guestName, nil)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := r.applyLedgerEntryTx(ctx, tx, userID, domain.LedgerFeeCapture, -fee, &sessionID, &id, "cap:"+id.String()); err != nil {
			return uuid.Nil, err
		}
		if err := emitConfirmed(id); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	waitlistOne := func(isHost bool, guestName []string, pos int) (uuid.UUID, error) {
		p := pos
		id, err := createReg(isHost, domain.RegWaitlisted, guestName, &p)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := r.applyLedgerEntryTx(ctx, tx, userID, domain.LedgerHold, fee, &sessionID, &id, "hold:"+id.String()); err != nil {
			return uuid.Nil, err
		}
		if err := emitWaitlisted(id, pos); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	var result domain.AllocationResult

	switch {
	case remaining >= totalSeats:
		// CASE A: everyone fits.
		hostID, err := confirmOne(true, nil)
		if err != nil {
			return domain.AllocationResult{}, err
		}
		for _, name := range names {
			if _, err := confirmOne(false, []string{name}); err != nil {
				return domain.AllocationResult{}, err
			}
		}
		result = domain.AllocationResult{HostState: domain.RegConfirmed, HostRegID: hostID, CreatedRegIDs: created}

	case remaining == 0:
		// CASE B: pure waitlist, host first then guests, strict FIFO tail order.
		pos, err := nextWaitlistPos(ctx, tx, sessionID)
		if err != nil {
			return domain.AllocationResult{}, err
		}
		hostID, err := waitlistOne(true, nil, pos)
		if err != nil {
			return domain.AllocationResult{}, err
		}
		for _, name := range names {
			pos++
			if _, err := waitlistOne(false, []string{name}, pos); err != nil {
				return domain.AllocationResult{}, err
			}
		}
		hp, err := hostWaitlistPos(ctx, tx, hostID)
		if err != nil {
			return domain.AllocationResult{}, err
		}
		result = domain.AllocationResult{HostState: domain.RegWaitlisted, HostRegID: hostID, HostWaitlistPos: &hp, CreatedRegIDs: created}

	default:
		// CASE C: host-priority partial fit.
		hostID, err := confirmOne(true, nil)
		if err != nil {
			return domain.AllocationResult{}, err
		}
		left := remaining - 1
		if left < 0 {
			left = 0
		}
		confirmedGuests := 0
		for _, name := range names {
			if left <= 0 {
				break
			}
			if _, err := confirmOne(false, []string{name}); err != nil {
				return domain.AllocationResult{}, err
			}
			left--
			confirmedGuests++
		}
		overflow := names[confirmedGuests:]
		if len(overflow) > 0 {
			pos, err := nextWaitlistPos(ctx, tx, sessionID)
			if err != nil {
				return domain.AllocationResult{}, err
			}
			for i, name := range overflow {
				if _, err := waitlistOne(false, []string{name}, pos+i); err != nil {
					return domain.AllocationResult{}, err
				}
			}
		}
		result = domain.AllocationResult{HostState: domain.RegConfirmed, HostRegID: hostID, CreatedRegIDs: created}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.AllocationResult{}, err
	}
	r.audit.RegistrationAllocated(ctx, traceID, sessionID, userID, result.HostRegID, string(result.HostState), len(result.CreatedRegIDs))
	return result, nil
}

func normalizeGuestNames(in []string) []string {
	var out []string
	for _, g := range in {
		g = trimToRune(g)
		if g != "" {
			out = append(out, g)
		}
		if len(out) == maxGuestsPerHost {
			break
		}
	}
	return out
}

func trimToRune(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

func lockSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (domain.Session, error) {
	var s domain.Session
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, host_user_id, capacity, fee_cents, timezone, starts_at, status, created_at, updated_at
		FROM sessions WHERE id = $1 FOR UPDATE
	`, sessionID).Scan(&s.ID, &s.HostUserID, &s.Capacity, &s.FeeCents, &s.Timezone, &s.StartsAt, &status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}

func remainingSeats(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, capacity int) (int, error) {
	var confirmed int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(seats), 0) FROM registrations WHERE session_id = $1 AND state = 'confirmed'
	`, sessionID).Scan(&confirmed)
	if err != nil {
		return 0, err
	}
	remaining := capacity - confirmed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func nextWaitlistPos(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (int, error) {
	var maxPos int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(waitlist_pos), 0) FROM registrations WHERE session_id = $1 AND state = 'waitlisted'
	`, sessionID).Scan(&maxPos)
	if err != nil {
		return 0, err
	}
	return maxPos + 1, nil
}

func hostWaitlistPos(ctx context.Context, tx pgx.Tx, regID uuid.UUID) (int, error) {
	var pos int
	err := tx.QueryRow(ctx, `SELECT waitlist_pos FROM registrations WHERE id = $1`, regID).Scan(&pos)
	return pos, err
}
