package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"COINS_PER_TICK", "TICK_INTERVAL", "INVITE_TIMEOUT", "STORE_TIMEOUT", "HTTP_ADDR", "FIREWALL_THRESHOLD"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(40), cfg.CoinsPerTick)
	assert.Equal(t, 60*time.Second, cfg.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.InviteTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.FirewallThreshold)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COINS_PER_TICK", "25")
	t.Setenv("TICK_INTERVAL", "30s")
	t.Setenv("INVITE_TIMEOUT", "10s")
	t.Setenv("NODE_ID", "node-7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.CoinsPerTick)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.InviteTimeout)
	assert.Equal(t, "node-7", cfg.NodeID)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TICK_INTERVAL", "")
	t.Setenv("COINS_PER_TICK", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_TickIntervalWholeSeconds(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "500ms")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TICK_INTERVAL", "1500ms")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("TICK_INTERVAL", "2s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
}
