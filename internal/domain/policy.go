package domain

import "time"

// ComputeCancellationPolicy decides the refund/penalty split for canceling a
// confirmed seat worth totalFeeCents, evaluated in the session's own IANA
// timezone.
//
// Rules:
//   - now before local midnight of the session's start day: full refund, no penalty.
//   - local midnight <= now < starts_at: 50/50 split. Refund minus penalty
//     (penalty reported negative) always equals totalFeeCents exactly.
//   - now >= starts_at: cancellation is not allowed; caller returns ErrTooLate
//     and never calls this function for that path.
func ComputeCancellationPolicy(now, startsAt time.Time, tzName string, totalFeeCents int64) (refundCents, penaltyCents int64, err error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return 0, 0, err
	}

	startLocal := startsAt.In(loc)
	midnightLocal := time.Date(startLocal.Year(), startLocal.Month(), startLocal.Day(), 0, 0, 0, 0, loc)
	nowLocal := now.In(loc)

	if nowLocal.Before(midnightLocal) {
		return totalFeeCents, 0, nil
	}

	refund := totalFeeCents / 2
	penalty := -(totalFeeCents - refund) // refund + (-penalty) == totalFeeCents, no lost cent
	return refund, penalty, nil
}

// WaitlistDisplayPosition re-numbers a 0-indexed slice position into the
// 1-based position shown to callers.
func WaitlistDisplayPosition(zeroIndexed int) int { return zeroIndexed + 1 }
