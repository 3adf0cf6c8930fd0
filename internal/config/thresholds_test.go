package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultThresholds(t *testing.T) {
	d := DefaultThresholds()
	require.Equal(t, 2, d.MaxGuestsPerHost)
	require.Equal(t, 500, d.BacklogCap)
	require.Equal(t, 2*time.Hour, d.AutoCloseGrace)
}

func TestLoadThresholds_MissingPathReturnsDefaults(t *testing.T) {
	th, err := LoadThresholds("")
	require.NoError(t, err)
	require.Equal(t, DefaultThresholds(), th)

	th, err = LoadThresholds(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultThresholds(), th)
}

func TestLoadThresholds_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	body := "backlog_cap: 1000\nmax_guests_per_host: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	th, err := LoadThresholds(path)
	require.NoError(t, err)
	require.Equal(t, 1000, th.BacklogCap)
	require.Equal(t, 4, th.MaxGuestsPerHost)
	require.Equal(t, 2*time.Hour, th.AutoCloseGrace)
}
