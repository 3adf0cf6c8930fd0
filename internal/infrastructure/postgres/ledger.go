package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// kindStatus and kindSign are the closed per-kind rules from spec.md §3's
// ledger table, grounded on original_source's ledger_repo.py _KIND_STATUS /
// _KIND_SIGN maps. sign 0 means "caller decides, amount must be non-zero"
// (deposit_in — see DESIGN.md Open Question 1).
var kindStatus = map[domain.LedgerKind]domain.LedgerStatus{
	domain.LedgerHold:        domain.LedgerHeld,
	domain.LedgerHoldRelease: domain.LedgerPosted,
	domain.LedgerDepositIn:   domain.LedgerPosted,
	domain.LedgerRefund:      domain.LedgerPosted,
	domain.LedgerFeeCapture:  domain.LedgerPosted,
	domain.LedgerPenalty:     domain.LedgerPosted,
}

var kindSign = map[domain.LedgerKind]int{
	domain.LedgerHold:        +1,
	domain.LedgerHoldRelease: -1,
	domain.LedgerDepositIn:   0,
	domain.LedgerRefund:      +1,
	domain.LedgerFeeCapture:  -1,
	domain.LedgerPenalty:     -1,
}

func validateLedgerAmount(kind domain.LedgerKind, amountCents int64) error {
	sign, ok := kindSign[kind]
	if !ok {
		return domain.ErrUnknownLedgerKind
	}
	switch sign {
	case +1:
		if amountCents <= 0 {
			return domain.ErrValidation
		}
	case -1:
		if amountCents >= 0 {
			return domain.ErrValidation
		}
	default:
		if amountCents == 0 {
			return domain.ErrValidation
		}
	}
	return nil
}

// Apply inserts a ledger row and mutates the wallet atomically, idempotent
// on idempotencyKey. Grounded on original_source/app/repos/ledger_repo.py's
// apply_ledger_entry: idempotency-first lookup, wallet upsert+lock, then an
// insert (inside a savepoint) that tolerates a concurrent unique-violation
// by rolling back to the savepoint and returning the existing row unchanged.
func (r *Repository) Apply(ctx context.Context, userID uuid.UUID, kind domain.LedgerKind, amountCents int64, sessionID, registrationID *uuid.UUID, idempotencyKey string) (domain.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry, err := r.applyLedgerEntryTx(ctx, tx, userID, kind, amountCents, sessionID, registrationID, idempotencyKey)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (r *Repository) applyLedgerEntryTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind domain.LedgerKind, amountCents int64, sessionID, registrationID *uuid.UUID, idempotencyKey string) (domain.LedgerEntry, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	status, ok := kindStatus[kind]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrUnknownLedgerKind
	}
	if err := validateLedgerAmount(kind, amountCents); err != nil {
		return domain.LedgerEntry{}, err
	}

	if idempotencyKey != "" {
		if existing, err := scanLedgerEntry(tx.QueryRow(ctx, ledgerSelectByKeySQL, idempotencyKey)); err == nil {
			return existing, nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, posted_cents, holds_cents, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return domain.LedgerEntry{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return domain.LedgerEntry{}, err
	}

	var deltaPosted, deltaHolds int64
	switch kind {
	case domain.LedgerHold, domain.LedgerHoldRelease:
		deltaHolds = amountCents
	case domain.LedgerDepositIn, domain.LedgerRefund, domain.LedgerFeeCapture, domain.LedgerPenalty:
		deltaPosted = amountCents
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, session_id, registration_id, idempotency_key, kind, amount_cents, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NOW())
	`, userID, sessionID, registrationID, idempotencyKey, string(kind), amountCents, string(status))
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Concurrent insert won the idempotency-key race: return its row
			// without applying this call's wallet delta.
			return scanLedgerEntry(tx.QueryRow(ctx, ledgerSelectByKeySQL, idempotencyKey))
		}
		return domain.LedgerEntry{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE wallets
		SET posted_cents = posted_cents + $2,
		    holds_cents  = holds_cents + $3,
		    updated_at   = NOW()
		WHERE user_id = $1
	`, userID, deltaPosted, deltaHolds); err != nil {
		return domain.LedgerEntry{}, err
	}

	if idempotencyKey != "" {
		entry, err := scanLedgerEntry(tx.QueryRow(ctx, ledgerSelectByKeySQL, idempotencyKey))
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		r.audit.LedgerPosted(ctx, userID, string(kind), amountCents, idempotencyKey)
		return entry, nil
	}

	row := tx.QueryRow(ctx, `
		SELECT id, user_id, session_id, registration_id, idempotency_key, kind, amount_cents, status, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND kind = $2 AND amount_cents = $3
		ORDER BY id DESC LIMIT 1
	`, userID, string(kind), amountCents)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	r.audit.LedgerPosted(ctx, userID, string(kind), amountCents, idempotencyKey)
	return entry, nil
}

const ledgerSelectByKeySQL = `
	SELECT id, user_id, session_id, registration_id, idempotency_key, kind, amount_cents, status, created_at
	FROM ledger_entries
	WHERE idempotency_key = $1
`

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind, status string
	var idemKey *string
	if err := row.Scan(&e.ID, &e.UserID, &e.SessionID, &e.RegistrationID, &idemKey, &kind, &e.AmountCents, &status, &e.CreatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	if idemKey != nil {
		e.IdempotencyKey = *idemKey
	}
	e.Kind = domain.LedgerKind(kind)
	e.Status = domain.LedgerStatus(status)
	return e, nil
}

func (r *Repository) GetWallet(ctx context.Context, userID uuid.UUID) (domain.Wallet, error) {
	var w domain.Wallet
	w.UserID = userID
	err := r.pool.QueryRow(ctx, `
		SELECT posted_cents, holds_cents, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.PostedCents, &w.HoldsCents, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{UserID: userID}, nil
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}
