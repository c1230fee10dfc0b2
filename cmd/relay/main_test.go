package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/dispatch"
	"github.com/valinor-ai/relay/internal/platform/config"
)

func TestQueueConfig_MapsSettings(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	qc := queueConfig(cfg.Queue, dispatch.Config{})

	assert.Equal(t, dispatch.DefaultRateLimit, qc.Default)
	assert.Equal(t, 3, qc.MaxAttempts)
	assert.Equal(t, 2*time.Second, qc.BackoffBase)
	assert.Equal(t, 30*time.Second, qc.MaxDelay)
	assert.Equal(t, 100, qc.KeepCompleted)
	assert.Equal(t, 50, qc.KeepFailed)
	assert.Nil(t, qc.Classes)
}

func TestQueueConfig_Classes(t *testing.T) {
	qc := queueConfig(config.QueueConfig{
		MessagesPerSecond: 80,
		Classes: map[string]config.RateLimitSetting{
			"tier1": {MessagesPerSecond: 10, BurstSize: 20, Concurrency: 5},
		},
	}, dispatch.Config{})

	require.Contains(t, qc.Classes, "tier1")
	assert.Equal(t, dispatch.RateLimitConfig{MessagesPerSecond: 10, BurstSize: 20, Concurrency: 5}, qc.Classes["tier1"])
	assert.Equal(t, 80, qc.Default.MessagesPerSecond)
}
