//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestApply_IdempotentOnRepeatedKey(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	user := seedUser(t, pool, 0)

	key := "deposit:" + uuid.New().String()
	entry1, err := repo.Apply(ctx, user, domain.LedgerDepositIn, 5000, nil, nil, key)
	require.NoError(t, err)

	entry2, err := repo.Apply(ctx, user, domain.LedgerDepositIn, 5000, nil, nil, key)
	require.NoError(t, err)
	require.Equal(t, entry1.ID, entry2.ID)

	wallet, err := repo.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(5000), wallet.PostedCents)
}

func TestApply_HoldThenReleaseNetsToZero(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	user := seedUser(t, pool, 0)

	_, err := repo.Apply(ctx, user, domain.LedgerHold, 1500, nil, nil, "hold:"+uuid.New().String())
	require.NoError(t, err)

	wallet, err := repo.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(1500), wallet.HoldsCents)

	_, err = repo.Apply(ctx, user, domain.LedgerHoldRelease, -1500, nil, nil, "rel:"+uuid.New().String())
	require.NoError(t, err)

	wallet, err = repo.GetWallet(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(0), wallet.HoldsCents)
}

func TestGetWallet_UnknownUserReturnsZeroBalance(t *testing.T) {
	repo, _ := setupRepo(t)
	wallet, err := repo.GetWallet(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, int64(0), wallet.PostedCents)
	require.Equal(t, int64(0), wallet.HoldsCents)
}
