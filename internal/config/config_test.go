package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "task-consumer-group", cfg.Consumer.Group)
	assert.Equal(t, "task-topic", cfg.Consumer.Topic)
	assert.Equal(t, 10, cfg.Consumer.ConsumeThreadMax)
	assert.Equal(t, 16, cfg.Consumer.MaxRetryTimes)
	assert.Equal(t, 30*time.Second, cfg.Consumer.LeaseTimeout)
	assert.Equal(t, 10*time.Second, cfg.Task.ExportDuration)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKRUNNER_SERVER_PORT", "9090")
	t.Setenv("TASKRUNNER_CONSUMER_MAX_RETRY_TIMES", "3")
	t.Setenv("TASKRUNNER_CONSUMER_RETRY_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Consumer.MaxRetryTimes)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.RetryDelay)
}

func TestLoad_InvalidThreadBounds(t *testing.T) {
	t.Setenv("TASKRUNNER_CONSUMER_CONSUME_THREAD_MIN", "20")
	t.Setenv("TASKRUNNER_CONSUMER_CONSUME_THREAD_MAX", "5")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("TASKRUNNER_SERVER_PORT", "0")

	_, err := Load()
	assert.Error(t, err)
}
