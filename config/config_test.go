package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brigade/core"
)

func loadClean(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadClean(t)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8081, cfg.API.Port)
	assert.Equal(t, 100, cfg.API.RateLimit.RequestsPerSecond)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, 256, cfg.Fanout.BufferSize)
	assert.Empty(t, cfg.Registry.StatusShortcuts)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("BRIGADE_API_PORT", "9090")
	t.Setenv("BRIGADE_STORAGE_BACKEND", "sqlite")

	cfg := loadClean(t)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.NotEmpty(t, cfg.Storage.SQLitePath)
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("BRIGADE_STORAGE_BACKEND", "clay-tablets")

	viper.Reset()
	t.Cleanup(viper.Reset)
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage backend")
}

func TestConfig_StatusShortcuts(t *testing.T) {
	cfg := loadClean(t)
	cfg.Registry.StatusShortcuts = map[string][]string{
		"PENDING": {"ON_SITE"},
	}

	shortcuts, err := cfg.StatusShortcuts()
	require.NoError(t, err)
	require.Len(t, shortcuts, 1)
	assert.Equal(t,
		[]core.InterventionStatus{core.InterventionStatusOnSite},
		shortcuts[core.InterventionStatusPending])

	// The whitelist feeds straight into the transition table.
	table, err := core.NewTransitionTable(shortcuts)
	require.NoError(t, err)
	assert.True(t, table.CanTransition(core.InterventionStatusPending, core.InterventionStatusOnSite))

	cfg.Registry.StatusShortcuts = map[string][]string{"PENDING": {"TELEPORTED"}}
	_, err = cfg.StatusShortcuts()
	require.Error(t, err)
}
