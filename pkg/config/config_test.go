package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateThresholdOrdering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "warning above timeout",
			mutate: func(c *Config) {
				c.Heartbeat.WarningThreshold = 2 * time.Minute
				c.Heartbeat.TimeoutThreshold = time.Minute
			},
		},
		{
			name: "timeout above emergency",
			mutate: func(c *Config) {
				c.Heartbeat.TimeoutThreshold = 20 * time.Minute
			},
		},
		{
			name: "imbalance threshold out of range",
			mutate: func(c *Config) {
				c.Balancer.ImbalanceThreshold = 1.5
			},
		},
		{
			name: "weights not summing to one",
			mutate: func(c *Config) {
				c.Balancer.CapacityWeight = 0.9
			},
		},
		{
			name: "zero breaker threshold",
			mutate: func(c *Config) {
				c.Breaker.FailureThreshold = 0
			},
		},
		{
			name: "zero consistency history",
			mutate: func(c *Config) {
				c.Consistency.HistorySize = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	data := []byte(`
api_addr: ":9090"
balancer:
  imbalance_threshold: 0.3
  max_stream_difference: 5
  rebalance_cooldown: 30s
  min_migration_size: 2
  max_streams_per_step: 10
  capacity_weight: 0.5
  performance_weight: 0.3
  failure_weight: 0.2
consistency:
  auto_recovery: false
  check_interval: 120s
  recovery_attempts: 3
  history_size: 50
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, 0.3, cfg.Balancer.ImbalanceThreshold)
	assert.Equal(t, 30*time.Second, cfg.Balancer.RebalanceCooldown)
	assert.False(t, cfg.Consistency.AutoRecovery)
	assert.Equal(t, 120*time.Second, cfg.Consistency.CheckInterval)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.TimeoutThreshold)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_API_ADDR", ":7070")
	t.Setenv("CONDUCTOR_IMBALANCE_THRESHOLD", "0.25")
	t.Setenv("CONDUCTOR_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("CONDUCTOR_AUTO_RECOVERY", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.APIAddr)
	assert.Equal(t, 0.25, cfg.Balancer.ImbalanceThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.TimeoutThreshold)
	assert.False(t, cfg.Consistency.AutoRecovery)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balancer:\n  imbalance_threshold: 2.0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/conductor.yaml")
	assert.Error(t, err)
}
