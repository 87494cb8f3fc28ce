package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config

	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, 10*time.Second, cfg.Gateway.GetRPCTimeout())
	assert.Equal(t, 5*time.Second, cfg.Adapter.GetReconnectDelay())
	assert.Equal(t, 30*time.Second, cfg.Adapter.GetHeartbeatInterval())
	assert.Equal(t, time.Second, cfg.Queue.GetInterval())
	assert.Equal(t, 20, cfg.Queue.GetBatchSize())
	assert.Equal(t, 3, cfg.Queue.GetMaxRetries())
	assert.True(t, cfg.Relay.InlineEnabled())
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}, cfg.Relay.GetRetryDelays())
	assert.Equal(t, 5.0, cfg.RateLimit.GetRate())
	assert.Equal(t, 10, cfg.RateLimit.GetBurst())
}

func TestConfig_Overrides(t *testing.T) {
	var cfg Config
	cfg.Service.HTTPPort = 9000
	cfg.Queue.BatchSize = 50
	off := false
	cfg.Relay.InlineDelivery = &off
	cfg.Relay.RetryDelays = []time.Duration{time.Second}

	assert.Equal(t, ":9000", cfg.GetHTTPAddr())
	assert.Equal(t, 50, cfg.Queue.GetBatchSize())
	assert.False(t, cfg.Relay.InlineEnabled())
	assert.Equal(t, []time.Duration{time.Second}, cfg.Relay.GetRetryDelays())

	cfg.Service.HTTPPort = 70000
	assert.Equal(t, 8080, cfg.GetHTTPPort())
}
