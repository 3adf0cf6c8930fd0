package postgres

import (
	"context"
	"errors"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// NotificationTarget resolves a host registration to the phone number the
// notifier worker should hand the SMS collaborator, plus the session's
// display title. Grounded on original_source/app/workers/sms_notifier.py's
// _get_registration_data: guest rows are skipped (only the host carries a
// phone-reachable account on this booking), and a host with no phone on file
// yields a nil Phone rather than an error — the caller just has nothing to
// send.
func (r *Repository) NotificationTarget(ctx context.Context, registrationID uuid.UUID) (domain.NotificationTarget, error) {
	var target domain.NotificationTarget
	var isHost bool
	err := r.pool.QueryRow(ctx, `
		SELECT u.phone, s.title, reg.is_host
		FROM registrations reg
		JOIN sessions s ON s.id = reg.session_id
		JOIN users u ON u.id = reg.host_user_id
		WHERE reg.id = $1
	`, registrationID).Scan(&target.Phone, &target.SessionTitle, &isHost)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationTarget{}, domain.ErrRegistrationNotFound
	}
	if err != nil {
		return domain.NotificationTarget{}, err
	}
	if !isHost {
		return domain.NotificationTarget{}, nil
	}
	return target, nil
}
