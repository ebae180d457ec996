package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwire/chanwire/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("empty url selects local", func(t *testing.T) {
		ch, err := New(&config.ChannelConfig{}, nil)
		require.NoError(t, err)
		defer ch.Close()
		assert.IsType(t, &LocalChannel{}, ch)
	})

	t.Run("redis url", func(t *testing.T) {
		ch, err := New(&config.ChannelConfig{URL: "redis://localhost:6379/0"}, nil)
		require.NoError(t, err)
		defer ch.Close()
		assert.IsType(t, &RedisChannel{}, ch)
	})

	t.Run("rediss url", func(t *testing.T) {
		ch, err := New(&config.ChannelConfig{URL: "rediss://localhost:6380/0"}, nil)
		require.NoError(t, err)
		defer ch.Close()
		assert.IsType(t, &RedisChannel{}, ch)
	})

	t.Run("cluster url", func(t *testing.T) {
		ch, err := New(&config.ChannelConfig{URL: "redis-cluster://localhost:7000"}, nil)
		require.NoError(t, err)
		defer ch.Close()
		assert.IsType(t, &ClusterChannel{}, ch)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := New(&config.ChannelConfig{URL: "amqp://localhost:5672"}, nil)
		assert.ErrorContains(t, err, "unsupported url scheme")
	})
}
