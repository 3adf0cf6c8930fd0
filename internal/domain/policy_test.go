package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTZ = "America/Los_Angeles"

func mustStartsAt(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(testTZ)
	require.NoError(t, err)
	return time.Date(2026, 3, 10, 18, 0, 0, 0, loc)
}

func TestComputeCancellationPolicy_FullRefundBeforeMidnight(t *testing.T) {
	startsAt := mustStartsAt(t)
	loc, _ := time.LoadLocation(testTZ)
	now := time.Date(2026, 3, 9, 23, 0, 0, 0, loc)

	refund, penalty, err := ComputeCancellationPolicy(now, startsAt, testTZ, 2000)
	require.NoError(t, err)
	require.Equal(t, int64(2000), refund)
	require.Equal(t, int64(0), penalty)
}

func TestComputeCancellationPolicy_HalfSplitAfterMidnight(t *testing.T) {
	startsAt := mustStartsAt(t)
	loc, _ := time.LoadLocation(testTZ)
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, loc)

	refund, penalty, err := ComputeCancellationPolicy(now, startsAt, testTZ, 2001)
	require.NoError(t, err)
	require.Equal(t, int64(1000), refund)
	require.Equal(t, int64(-1001), penalty)
	require.Equal(t, int64(2001), refund-penalty)
}

func TestComputeCancellationPolicy_ExactMidnightBoundaryIsHalfSplit(t *testing.T) {
	startsAt := mustStartsAt(t)
	loc, _ := time.LoadLocation(testTZ)
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)

	refund, penalty, err := ComputeCancellationPolicy(midnight, startsAt, testTZ, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(500), refund)
	require.Equal(t, int64(-500), penalty)
}

func TestComputeCancellationPolicy_NeverLosesACent(t *testing.T) {
	startsAt := mustStartsAt(t)
	loc, _ := time.LoadLocation(testTZ)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)

	for _, fee := range []int64{1, 3, 999, 1000, 1001, 123_456_789} {
		refund, penalty, err := ComputeCancellationPolicy(now, startsAt, testTZ, fee)
		require.NoError(t, err)
		require.Equal(t, fee, refund-penalty, "fee=%d", fee)
	}
}

func TestComputeCancellationPolicy_InvalidTimezone(t *testing.T) {
	_, _, err := ComputeCancellationPolicy(time.Now(), time.Now(), "Not/A_Zone", 100)
	require.Error(t, err)
}

func TestWaitlistDisplayPosition(t *testing.T) {
	require.Equal(t, 1, WaitlistDisplayPosition(0))
	require.Equal(t, 5, WaitlistDisplayPosition(4))
}
