package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.MessagePublished("orders")
	m.MessagePublished("orders")
	m.MessageDelivered("orders")
	m.MessageDropped("orders")
	m.DecodeFailure()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesPublished.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesDelivered.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesDropped.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeFailures))
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics()

	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.SetTopics(3)
	m.ConnectionOpened()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.topics))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.wsConnections))

	m.ConnectionClosed()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.wsConnections))
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	first := NewMetrics()
	second := NewMetrics()

	first.MessagePublished("orders")
	assert.Equal(t, float64(0), testutil.ToFloat64(second.messagesPublished.WithLabelValues("orders")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.MessagePublished("orders")

	app := fiber.New()
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chanwire_channel_messages_published_total")
}
