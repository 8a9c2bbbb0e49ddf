package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OrchestratorInterval)
	assert.Equal(t, 3, cfg.BrokerAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.BrokerBackoff)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Contains(t, cfg.SessionKeys, 1)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_INTERVAL", "5s")
	t.Setenv("INSTRUMENTS", "NIFTY, BANKNIFTY ,")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("SESSION_KEY_V3", "rotated")
	t.Setenv("BROKER_RATE_PER_SEC", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.OrchestratorInterval)
	assert.Equal(t, []string{"NIFTY", "BANKNIFTY"}, cfg.Instruments)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "rotated", cfg.SessionKeys[3])
	assert.Equal(t, 8.0, cfg.BrokerRatePerSec)
}
