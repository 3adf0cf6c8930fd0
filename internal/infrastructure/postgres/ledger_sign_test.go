package postgres

import (
	"testing"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestValidateLedgerAmount_SignTable(t *testing.T) {
	cases := []struct {
		kind    domain.LedgerKind
		amount  int64
		wantErr bool
	}{
		{domain.LedgerHold, 500, false},
		{domain.LedgerHold, -1, true},
		{domain.LedgerHold, 0, true},
		{domain.LedgerHoldRelease, -500, false},
		{domain.LedgerHoldRelease, 1, true},
		{domain.LedgerFeeCapture, -500, false},
		{domain.LedgerFeeCapture, 500, true},
		{domain.LedgerPenalty, -1, false},
		{domain.LedgerPenalty, 0, true},
		{domain.LedgerRefund, 500, false},
		{domain.LedgerRefund, -500, true},
		{domain.LedgerDepositIn, 500, false},
		{domain.LedgerDepositIn, -500, false},
		{domain.LedgerDepositIn, 0, true},
	}

	for _, c := range cases {
		err := validateLedgerAmount(c.kind, c.amount)
		if c.wantErr {
			require.Error(t, err, "kind=%s amount=%d", c.kind, c.amount)
		} else {
			require.NoError(t, err, "kind=%s amount=%d", c.kind, c.amount)
		}
	}
}

func TestValidateLedgerAmount_UnknownKind(t *testing.T) {
	err := validateLedgerAmount(domain.LedgerKind("nonsense"), 100)
	require.ErrorIs(t, err, domain.ErrUnknownLedgerKind)
}
