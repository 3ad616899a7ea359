// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.LimitDefault)
	assert.Equal(t, 15*time.Second, cfg.PreDialBase)
	assert.Equal(t, 45*time.Second, cfg.PreDialMax)
	assert.Equal(t, 70*time.Second, cfg.ReservationTTL)
	assert.Equal(t, 20*time.Second, cfg.GateTTL)
	assert.Equal(t, 90*time.Second, cfg.ColdStartBlock)
	assert.Equal(t, 5*time.Minute, cfg.DialIdempotencyTTL)
	assert.Equal(t, 3, cfg.FairnessHighShare)
	assert.Equal(t, 30*time.Second, cfg.JanitorInterval)
	assert.Equal(t, 2*time.Minute, cfg.CompactorInterval)
	assert.Equal(t, 15*time.Minute, cfg.ReconcilerInterval)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LIMIT_DEFAULT", "7")
	t.Setenv("GATE_TTL", "25")
	t.Setenv("FAIRNESS_RATIO", "4:1")
	t.Setenv("JANITOR_INTERVAL_MS", "5000")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.LimitDefault)
	assert.Equal(t, 25*time.Second, cfg.GateTTL)
	assert.Equal(t, 4, cfg.FairnessHighShare)
	assert.Equal(t, 5*time.Second, cfg.JanitorInterval)
	assert.True(t, cfg.TracingEnabled)
	assert.InDelta(t, 0.25, cfg.TracingSampleRate, 1e-9)
}

func TestValidateRejectsBadTTLTable(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	// Reservation must strictly exceed the pre-dial hard cap.
	cfg.ReservationTTL = cfg.PreDialMax
	require.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.GateTTL = cfg.PromoterBackoffCap // < 2x cap
	require.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.DialIdempotencyTTL = 25 * time.Hour
	require.Error(t, cfg.Validate())
}

func TestParseFairnessRatio(t *testing.T) {
	assert.Equal(t, 3, parseFairnessRatio("3:1"))
	assert.Equal(t, 5, parseFairnessRatio("5:1"))
	assert.Equal(t, 3, parseFairnessRatio("bogus"))
	assert.Equal(t, 3, parseFairnessRatio("0:1"))
}

func TestHolderReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateTTLSeconds: 40\nmaxBatch: 8\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	cfg.OverridesFile = path

	h := NewHolder(cfg)
	require.NoError(t, h.Reload(context.Background()))

	got := h.Get()
	assert.Equal(t, 40*time.Second, got.GateTTL)
	assert.Equal(t, 8, got.MaxBatch)

	// An overrides file that breaks TTL invariants is rejected wholesale.
	require.NoError(t, os.WriteFile(path, []byte("reservationTTLSeconds: 10\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 40*time.Second, h.Get().GateTTL)
	assert.Equal(t, 70*time.Second, h.Get().ReservationTTL)
}
