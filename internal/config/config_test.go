package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func TestConfig_Validate_DefaultsPass(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_RejectsBadExecutionMode(t *testing.T) {
	cfg := validConfig()
	cfg.ExecutionMode = "turbo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution_mode")
}

func TestConfig_Validate_RejectsBadSecurityProfile(t *testing.T) {
	cfg := validConfig()
	cfg.SecurityProfile = "yolo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security_profile")
}

func TestConfig_Validate_RejectsZeroQueueMaxSize(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.MaxSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_size")
}

func TestConfig_Validate_RejectsInvalidCacheEviction(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Eviction = "mru"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.eviction")
}

func TestConfig_Validate_RejectsSchedulerConcurrencyOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.MaxConcurrency = 32
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.max_concurrency")
}

func TestConfig_Validate_RejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

