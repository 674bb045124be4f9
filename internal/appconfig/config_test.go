package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Transport)
	assert.Equal(t, 1, cfg.Agents)
}

func TestLoadParsesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(map[string]any{
		"transport": "tcp",
		"host":      "0.0.0.0",
		"port":      9000,
		"agents":    3,
		"pool_id":   "pool-1",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 3, cfg.Agents)
	assert.Equal(t, "pool-1", cfg.PoolID)
	// unset fields retain their defaults
	assert.Equal(t, 60, cfg.DefaultClaimTTLSeconds)
	assert.Equal(t, "memory", cfg.DiscoveryStore)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesApplyOnTopOfFile(t *testing.T) {
	t.Setenv("CONVERGE_TRANSPORT", "websocket")
	t.Setenv("CONVERGE_TICK_INTERVAL_MS", "500")
	t.Setenv("CONVERGE_AGENTS", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.Transport)
	assert.Equal(t, 500, cfg.TickIntervalMS)
	assert.Equal(t, 4, cfg.Agents)
}

func TestEnvOverrideRejectsInvalidInt(t *testing.T) {
	t.Setenv("CONVERGE_TICK_INTERVAL_MS", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}
