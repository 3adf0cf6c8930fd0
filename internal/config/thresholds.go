package config

import (
	"os"
	"time"

	"go.yaml.in/yaml/v2"
)

// Thresholds is an optional file-based override layer for the numeric
// limits that spec'd the system (backlog cap, max guests per host, auto-close
// grace window). Config.Load covers everything from the environment; this
// supplements it with a typed file for the handful of values an operator
// tunes more often than they redeploy. BacklogCap and AutoCloseGrace take
// effect through Config.Load; MaxGuestsPerHost is loaded but the allocator
// keeps its own fixed guest limit.
type Thresholds struct {
	MaxGuestsPerHost int           `yaml:"max_guests_per_host"`
	BacklogCap       int           `yaml:"backlog_cap"`
	AutoCloseGrace   time.Duration `yaml:"auto_close_grace"`
}

// DefaultThresholds mirrors the hard-coded constants used when no override
// file is present: 2 guests per host (spec's fixed limit), a 500-request
// backlog cap, and the same 2h auto-close grace Config.Load defaults to.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxGuestsPerHost: 2,
		BacklogCap:       500,
		AutoCloseGrace:   2 * time.Hour,
	}
}

// LoadThresholds reads path and overlays it on DefaultThresholds. A missing
// file is not an error — most deployments never need one.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return Thresholds{}, err
	}
	if err := yaml.Unmarshal(body, &t); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}
