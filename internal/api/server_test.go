package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwire/chanwire/internal/channel"
	"github.com/chanwire/chanwire/internal/config"
	"github.com/chanwire/chanwire/internal/observability"
	"github.com/chanwire/chanwire/internal/realtime"
)

func newTestServer(t *testing.T, cfg *config.Config, metrics *observability.Metrics) *Server {
	t.Helper()

	ch := channel.NewLocalChannel(channel.Options{})
	manager := realtime.NewManager(context.Background(), ch, cfg.Realtime)
	handler := realtime.NewHandler(manager, cfg.Realtime)
	t.Cleanup(func() {
		manager.Close()
		_ = ch.Close()
	})

	return NewServer(cfg, handler, metrics)
}

func baseConfig() *config.Config {
	return &config.Config{
		Realtime: config.RealtimeConfig{Enabled: true, MaxConnections: 10},
	}
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, baseConfig(), nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		s := newTestServer(t, baseConfig(), observability.NewMetrics())

		resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, 200, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "chanwire_")
	})

	t.Run("disabled without metrics", func(t *testing.T) {
		s := newTestServer(t, baseConfig(), nil)

		resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, 404, resp.StatusCode)
	})
}

func TestServer_RealtimeRoute(t *testing.T) {
	t.Run("plain GET requires upgrade", func(t *testing.T) {
		s := newTestServer(t, baseConfig(), nil)

		resp, err := s.App().Test(httptest.NewRequest("GET", "/realtime/ws", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, 426, resp.StatusCode)
	})

	t.Run("absent when realtime is disabled", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Realtime.Enabled = false
		s := newTestServer(t, cfg, nil)

		resp, err := s.App().Test(httptest.NewRequest("GET", "/realtime/ws", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, 404, resp.StatusCode)
	})
}
