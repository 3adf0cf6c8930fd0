//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestAllocate_FullFitConfirmsImmediately(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	host := seedUser(t, pool, 10_000)
	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(24*time.Hour))

	res, err := repo.Allocate(ctx, "trace-1", sess, host, nil)
	require.NoError(t, err)
	require.Equal(t, domain.RegConfirmed, res.HostState)
	require.Nil(t, res.HostWaitlistPos)
}

func TestAllocate_NoSeatsWaitlistsWholeGroup(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 1, 500, time.Now().Add(24*time.Hour))

	first := seedUser(t, pool, 10_000)
	_, err := repo.Allocate(ctx, "trace-1", sess, first, nil)
	require.NoError(t, err)

	second := seedUser(t, pool, 10_000)
	res, err := repo.Allocate(ctx, "trace-2", sess, second, []string{"Guest A"})
	require.NoError(t, err)
	require.Equal(t, domain.RegWaitlisted, res.HostState)
	require.NotNil(t, res.HostWaitlistPos)
	require.Equal(t, 1, *res.HostWaitlistPos)
}

func TestAllocate_HostPriorityPartialFitConfirmsHostWaitlistsGuests(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 1, 500, time.Now().Add(24*time.Hour))

	host := seedUser(t, pool, 10_000)
	res, err := repo.Allocate(ctx, "trace-1", sess, host, []string{"Guest A", "Guest B"})
	require.NoError(t, err)
	require.Equal(t, domain.RegConfirmed, res.HostState)
	require.Nil(t, res.HostWaitlistPos)
	// host seat + 2 guest seats = 3 rows total even though only the host confirmed.
	require.Len(t, res.CreatedRegIDs, 3)
}

func TestAllocate_RejectsDoubleHostBooking(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(24*time.Hour))
	host := seedUser(t, pool, 10_000)

	_, err := repo.Allocate(ctx, "trace-1", sess, host, nil)
	require.NoError(t, err)

	_, err = repo.Allocate(ctx, "trace-2", sess, host, nil)
	require.ErrorIs(t, err, domain.ErrAlreadyHost)
}

func TestAllocate_RejectsInsufficientFunds(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(24*time.Hour))
	poor := seedUser(t, pool, 100)

	_, err := repo.Allocate(ctx, "trace-1", sess, poor, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestAllocate_RejectsAfterSessionStarts(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(-time.Hour))
	user := seedUser(t, pool, 10_000)

	_, err := repo.Allocate(ctx, "trace-1", sess, user, nil)
	require.ErrorIs(t, err, domain.ErrTooLate)
}
