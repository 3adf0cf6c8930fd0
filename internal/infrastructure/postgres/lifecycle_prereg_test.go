package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfirmedOrWaitlisted(t *testing.T) {
	require.Equal(t, "registration_confirmed", confirmedOrWaitlisted(true))
	require.Equal(t, "registration_waitlisted", confirmedOrWaitlisted(false))
}
