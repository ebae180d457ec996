package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "", cfg.Channel.URL)
	assert.Equal(t, 1000, cfg.Channel.BufferSize)
	assert.Equal(t, time.Second, cfg.Channel.ReceiveTimeout)
	assert.Equal(t, time.Second, cfg.Channel.RetryInterval)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, 1000, cfg.Realtime.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Realtime.PingInterval)
	assert.False(t, cfg.Debug)
}

func TestLoadEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("CHANWIRE_CHANNEL_URL", "redis://localhost:6379/2")
	t.Setenv("CHANWIRE_CHANNEL_BUFFER_SIZE", "50")
	t.Setenv("CHANWIRE_SERVER_ADDRESS", ":9090")
	t.Setenv("CHANWIRE_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/2", cfg.Channel.URL)
	assert.Equal(t, 50, cfg.Channel.BufferSize)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.True(t, cfg.Debug)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Channel:  ChannelConfig{URL: "redis://localhost:6379/0", BufferSize: 10},
			Realtime: RealtimeConfig{MaxConnections: 100},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("empty channel url is valid", func(t *testing.T) {
		cfg := valid()
		cfg.Channel.URL = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("cluster scheme is valid", func(t *testing.T) {
		cfg := valid()
		cfg.Channel.URL = "redis-cluster://localhost:7000"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad channel scheme", func(t *testing.T) {
		cfg := valid()
		cfg.Channel.URL = "amqp://localhost:5672"
		assert.ErrorContains(t, cfg.Validate(), "scheme")
	})

	t.Run("negative buffer size", func(t *testing.T) {
		cfg := valid()
		cfg.Channel.BufferSize = -1
		assert.ErrorContains(t, cfg.Validate(), "buffer_size")
	})

	t.Run("non-positive max connections", func(t *testing.T) {
		cfg := valid()
		cfg.Realtime.MaxConnections = 0
		assert.ErrorContains(t, cfg.Validate(), "max_connections")
	})
}
