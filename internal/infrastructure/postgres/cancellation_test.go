//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestCancel_WaitlistedSeatReleasesHoldAndCollapsesPositions(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 1, 500, time.Now().Add(24*time.Hour))

	first := seedUser(t, pool, 10_000)
	_, err := repo.Allocate(ctx, "t1", sess, first, nil)
	require.NoError(t, err)

	second := seedUser(t, pool, 10_000)
	resB, err := repo.Allocate(ctx, "t2", sess, second, nil)
	require.NoError(t, err)
	require.Equal(t, 1, *resB.HostWaitlistPos)

	third := seedUser(t, pool, 10_000)
	resC, err := repo.Allocate(ctx, "t3", sess, third, nil)
	require.NoError(t, err)
	require.Equal(t, 2, *resC.HostWaitlistPos)

	_, err = repo.Cancel(ctx, "t4", resB.HostRegID, second, false)
	require.NoError(t, err)

	var pos int
	require.NoError(t, pool.QueryRow(ctx, `SELECT waitlist_pos FROM registrations WHERE id = $1`, resC.HostRegID).Scan(&pos))
	require.Equal(t, 1, pos)
}

func TestCancel_HostCancellationCascadesToGuests(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(24*time.Hour))
	host := seedUser(t, pool, 10_000)

	res, err := repo.Allocate(ctx, "t1", sess, host, []string{"Guest A", "Guest B"})
	require.NoError(t, err)
	require.Len(t, res.CreatedRegIDs, 3)

	_, err = repo.Cancel(ctx, "t2", res.HostRegID, host, false)
	require.NoError(t, err)

	var canceled int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM registrations WHERE id = ANY($1) AND state = 'canceled'
	`, res.CreatedRegIDs).Scan(&canceled))
	require.Equal(t, 3, canceled)
}

func TestCancel_ForbiddenForNonHostNonAdmin(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(24*time.Hour))
	host := seedUser(t, pool, 10_000)
	stranger := seedUser(t, pool, 10_000)

	res, err := repo.Allocate(ctx, "t1", sess, host, nil)
	require.NoError(t, err)

	_, err = repo.Cancel(ctx, "t2", res.HostRegID, stranger, false)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCancel_TooLateOnceSessionHasStarted(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 5, 500, time.Now().Add(-time.Minute))
	host := seedUser(t, pool, 10_000)

	id := seedWaitlisted(t, pool, sess, host, 1, 1)
	_, err := repo.Cancel(ctx, "t1", id, host, false)
	require.ErrorIs(t, err, domain.ErrTooLate)
}
