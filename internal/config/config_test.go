package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 70, cfg.Consensus.AutoAssignThreshold, 0.001)
	assert.True(t, cfg.Consensus.AutoConsensus)
	assert.InDelta(t, 60, cfg.Consensus.SingleSourceCap, 0.001)
	assert.Equal(t, "none", cfg.Consensus.Decay.Curve)
	assert.Equal(t, 10, cfg.Dedup.MinSignatureSize)
	assert.Equal(t, 5, cfg.Dedup.CommonMediaCap)
	assert.Equal(t, 50, cfg.Dedup.GroupLimit)
	assert.Equal(t, 900, cfg.Orchestrator.LeaseTimeoutSecs)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, 7, cfg.Signals.FreshDays)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
consensus:
  auto_assign_threshold: 80
  decay:
    curve: exponential
    half_life_days: 90
dedup:
  common_media_cap: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 80, cfg.Consensus.AutoAssignThreshold, 0.001)
	assert.Equal(t, "exponential", cfg.Consensus.Decay.Curve)
	assert.InDelta(t, 90, cfg.Consensus.Decay.HalfLifeDays, 0.001)
	assert.Equal(t, 3, cfg.Dedup.CommonMediaCap)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Dedup.MinSignatureSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("CONSENSUS_STORE_DRIVER", "postgres")
	t.Setenv("CONSENSUS_ORCHESTRATOR_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Orchestrator.MaxAttempts)
}

func TestLoadRejectsUnknownDecayCurve(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("consensus:\n  decay:\n    curve: cubic\n"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decay curve")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero value ok", mutate: func(c *Config) {}},
		{name: "threshold too high", mutate: func(c *Config) { c.Consensus.AutoAssignThreshold = 101 }, wantErr: "auto_assign_threshold"},
		{name: "redis without addr", mutate: func(c *Config) { c.Lock.Driver = "redis" }, wantErr: "redis_addr"},
		{name: "redis with addr", mutate: func(c *Config) { c.Lock.Driver = "redis"; c.Lock.RedisAddr = "localhost:6379" }},
		{name: "unknown lock driver", mutate: func(c *Config) { c.Lock.Driver = "etcd" }, wantErr: "unknown lock driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
