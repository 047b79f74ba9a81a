package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, []string{"localhost:6379"}, cfg.RedisAddrs)
	assert.Equal(t, "counter.assignments", cfg.EventTopic)
	assert.Equal(t, 30*time.Second, cfg.LivenessTtl())
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, "linear", cfg.CounterScoringPolicy)
	assert.Equal(t, "class", cfg.BoothScoringPolicy)
	assert.Equal(t, 3, cfg.SkipReentryTurns)
	assert.Equal(t, 5, cfg.MaxCallCount)
	assert.Equal(t, "revita-counter", cfg.ListenerService)
	assert.Equal(t, 200*time.Millisecond, cfg.ConsumerRetry())
	assert.Equal(t, time.Minute, cfg.ConsumerClaimIdle())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDRS", "redis-a:6379, redis-b:6379")
	t.Setenv("LIVENESS_TTL_SECONDS", "60")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "20000")
	t.Setenv("EVENT_PARTITIONS", "4")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.RedisAddrs)
	assert.Equal(t, time.Minute, cfg.LivenessTtl())
	assert.Equal(t, 4, cfg.EventPartitions)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--port=9100", "--events=memory"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.ServerPort)
	assert.Equal(t, "memory", cfg.EventBackend)
}

func TestUnsetFlagKeepsEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ServerPort)
}

func TestHeartbeatMustBeAtMostHalfTtl(t *testing.T) {
	t.Setenv("LIVENESS_TTL_SECONDS", "30")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "16000")

	_, err := Load(nil)
	assert.ErrorContains(t, err, "HEARTBEAT_INTERVAL_MS")
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.BoothScoringPolicy = "fifo"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.EventBackend = "kafka"
	assert.ErrorContains(t, cfg.Validate(), "EVENT_BACKEND")
}
