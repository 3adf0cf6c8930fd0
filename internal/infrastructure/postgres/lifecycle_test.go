//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_PreregistrationBatchIsPartiallyAccepted(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	rich := seedUser(t, pool, 10_000)
	poor := seedUser(t, pool, 0)
	duplicate := seedUser(t, pool, 10_000)

	title := "Pickup Basketball"
	sess, results, err := repo.CreateSession(ctx, "t1", admin, &title, time.Now().Add(48*time.Hour), "UTC", 2, 500, []domain.PreRegistrationItem{
		{UserID: rich, Seats: 1},
		{UserID: poor, Seats: 1},
		{UserID: duplicate, Seats: 1},
		{UserID: duplicate, Seats: 1},
	})
	require.NoError(t, err)
	require.Equal(t, domain.SessionScheduled, sess.Status)
	require.Len(t, results, 4)

	require.Equal(t, "confirmed", results[0].State)
	require.Equal(t, "rejected", results[1].State)
	require.Equal(t, "insufficient_funds", results[1].Error)
	require.Equal(t, "confirmed", results[2].State)
	require.Equal(t, "rejected", results[3].State)
	require.Equal(t, "already_registered_or_waitlisted", results[3].Error)
}

func TestCreateSession_PreregistrationOverCapacityWaitlists(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	first := seedUser(t, pool, 10_000)
	second := seedUser(t, pool, 10_000)

	sess, results, err := repo.CreateSession(ctx, "t1", admin, nil, time.Now().Add(48*time.Hour), "UTC", 1, 500, []domain.PreRegistrationItem{
		{UserID: first, Seats: 1},
		{UserID: second, Seats: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 1, sess.Capacity)

	require.Equal(t, "confirmed", results[0].State)
	require.Equal(t, "waitlisted", results[1].State)
	require.NotNil(t, results[1].WaitlistPos)
	require.Equal(t, 1, *results[1].WaitlistPos)
}

func TestCreateSession_RejectsDisabledUser(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()

	admin := seedUser(t, pool, 0)
	disabled := seedUser(t, pool, 10_000)
	_, err := pool.Exec(ctx, `UPDATE users SET status = 'disabled' WHERE id = $1`, disabled)
	require.NoError(t, err)

	_, results, err := repo.CreateSession(ctx, "t1", admin, nil, time.Now().Add(48*time.Hour), "UTC", 5, 500, []domain.PreRegistrationItem{
		{UserID: disabled, Seats: 1},
	})
	require.NoError(t, err)
	require.Equal(t, "rejected", results[0].State)
	require.Equal(t, "user_disabled_or_missing", results[0].Error)
}
