//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func seedWaitlisted(t *testing.T, pool *pgxpool.Pool, sessionID, hostID uuid.UUID, seats, pos int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO registrations (id, session_id, host_user_id, is_host, seats, guest_names, state, waitlist_pos, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, '{}', 'waitlisted', $5, NOW(), NOW())
	`, id, sessionID, hostID, seats, pos)
	require.NoError(t, err)
	return id
}

func TestPromoteOnce_PromotesNextInFIFOAfterCancellation(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 1, 500, time.Now().Add(24*time.Hour))

	host1 := seedUser(t, pool, 10_000)
	res1, err := repo.Allocate(ctx, "t1", sess, host1, nil)
	require.NoError(t, err)
	require.Equal(t, domain.RegConfirmed, res1.HostState)

	host2 := seedUser(t, pool, 10_000)
	res2, err := repo.Allocate(ctx, "t2", sess, host2, nil)
	require.NoError(t, err)
	require.Equal(t, domain.RegWaitlisted, res2.HostState)

	_, err = repo.Cancel(ctx, "t3", res1.HostRegID, host1, false)
	require.NoError(t, err)

	promoted, err := repo.PromoteOnce(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{res2.HostRegID}, promoted)

	var state string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM registrations WHERE id = $1`, res2.HostRegID).Scan(&state))
	require.Equal(t, "confirmed", state)
}

func TestPromoteOnce_StopsAtFirstUnfitHead(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 1, 500, time.Now().Add(24*time.Hour))

	bigHost := seedUser(t, pool, 10_000)
	smallHost := seedUser(t, pool, 10_000)
	bigID := seedWaitlisted(t, pool, sess, bigHost, 2, 1)
	seedWaitlisted(t, pool, sess, smallHost, 1, 2)

	promoted, err := repo.PromoteOnce(ctx, sess)
	require.NoError(t, err)
	require.Empty(t, promoted)

	var state string
	require.NoError(t, pool.QueryRow(ctx, `SELECT state FROM registrations WHERE id = $1`, bigID).Scan(&state))
	require.Equal(t, "waitlisted", state)
}

// TestPromoteOnce_AtomicGroupNotSkipped reproduces spec.md §8 scenario 3
// literally: capacity=3 fully confirmed, host H submits seats=2 (allocator
// splits this into two 1-seat rows sharing a group_key, at positions 1 and
// 2), then T submits seats=1 (position 3). One cancellation frees a single
// seat: H's group needs 2, so nothing is promoted even though T's row alone
// would fit — the group is the FIFO unit, not the individual row. A second
// cancellation frees a second seat: H's whole group promotes together and
// T collapses to position 1.
func TestPromoteOnce_AtomicGroupNotSkipped(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	sess := seedSession(t, pool, admin, 3, 800, time.Now().Add(24*time.Hour))

	var confirmedRegIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		u := seedUser(t, pool, 10_000)
		res, err := repo.Allocate(ctx, "fill", sess, u, nil)
		require.NoError(t, err)
		require.Equal(t, domain.RegConfirmed, res.HostState)
		confirmedRegIDs = append(confirmedRegIDs, res.HostRegID)
	}

	hostH := seedUser(t, pool, 10_000)
	resH, err := repo.Allocate(ctx, "h", sess, hostH, []string{"g1"})
	require.NoError(t, err)
	require.Equal(t, domain.RegWaitlisted, resH.HostState)
	require.NotNil(t, resH.HostWaitlistPos)
	require.Equal(t, 1, *resH.HostWaitlistPos)

	hostT := seedUser(t, pool, 10_000)
	resT, err := repo.Allocate(ctx, "t", sess, hostT, nil)
	require.NoError(t, err)
	require.Equal(t, domain.RegWaitlisted, resT.HostState)
	require.NotNil(t, resT.HostWaitlistPos)
	require.Equal(t, 3, *resT.HostWaitlistPos)

	_, err = repo.Cancel(ctx, "c1", confirmedRegIDs[0], admin, true)
	require.NoError(t, err)

	promoted, err := repo.PromoteOnce(ctx, sess)
	require.NoError(t, err)
	require.Empty(t, promoted, "head group needs 2 remaining seats but only 1 is free")

	_, err = repo.Cancel(ctx, "c2", confirmedRegIDs[1], admin, true)
	require.NoError(t, err)

	promoted, err = repo.PromoteOnce(ctx, sess)
	require.NoError(t, err)
	require.ElementsMatch(t, resH.CreatedRegIDs, promoted)

	var tPos int
	require.NoError(t, pool.QueryRow(ctx, `SELECT waitlist_pos FROM registrations WHERE id = $1`, resT.HostRegID).Scan(&tPos))
	require.Equal(t, 1, tPos)
}
