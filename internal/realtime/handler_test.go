package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwire/chanwire/internal/channel"
	"github.com/chanwire/chanwire/internal/config"
)

func newTestHandler(t *testing.T) (*Handler, *Manager) {
	t.Helper()
	m, _ := newTestManager(t, config.RealtimeConfig{MaxConnections: 10})
	return NewHandler(m, config.RealtimeConfig{MaxConnections: 10}), m
}

func lastMessage(t *testing.T, ws *fakeWSConn) ServerMessage {
	t.Helper()
	msgs := ws.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func TestHandleMessage_SubscribeAndPublish(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: MessageTypeSubscribe, Channel: "orders"})

	ack := lastMessage(t, ws)
	assert.Equal(t, MessageTypeAck, ack.Type)
	assert.Equal(t, "orders", ack.Channel)
	assert.Equal(t, 1, conn.SubscriptionCount())

	h.handleMessage(conn, ClientMessage{
		Type:    MessageTypePublish,
		Channel: "orders",
		Event:   "created",
		Payload: json.RawMessage(`{"order_id":7}`),
	})

	// The publish ack plus, eventually, the fanned-out message itself.
	require.Eventually(t, func() bool {
		for _, msg := range ws.messages() {
			if msg.Type == MessageTypeMessage && msg.Channel == "orders" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHandleMessage_SubscribeValidation(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: MessageTypeSubscribe})

	out := lastMessage(t, ws)
	assert.Equal(t, MessageTypeError, out.Type)
	assert.Contains(t, out.Error, "channel is required")
}

func TestHandleMessage_Unsubscribe(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: MessageTypeSubscribe, Channel: "orders"})
	h.handleMessage(conn, ClientMessage{Type: MessageTypeUnsubscribe, Channel: "orders"})

	ack := lastMessage(t, ws)
	assert.Equal(t, MessageTypeAck, ack.Type)
	assert.Equal(t, 0, conn.SubscriptionCount())

	// Unsubscribing again reports an error to the client.
	h.handleMessage(conn, ClientMessage{Type: MessageTypeUnsubscribe, Channel: "orders"})
	assert.Equal(t, MessageTypeError, lastMessage(t, ws).Type)
}

func TestHandleMessage_Heartbeat(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: MessageTypeHeartbeat})
	assert.Equal(t, MessageTypeHeartbeat, lastMessage(t, ws).Type)
}

func TestHandleMessage_UnknownType(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: "bogus"})

	out := lastMessage(t, ws)
	assert.Equal(t, MessageTypeError, out.Type)
	assert.Contains(t, out.Error, "unknown message type")
}

// noPatternChannel behaves like the sharded backend: no server-side pattern
// matching.
type noPatternChannel struct {
	*channel.LocalChannel
}

func (noPatternChannel) PSubscribe(ctx context.Context, pattern string) (<-chan channel.Message, error) {
	return nil, channel.ErrNotSupported
}

func TestHandleMessage_PatternNotSupported(t *testing.T) {
	local := channel.NewLocalChannel(channel.Options{})
	m := NewManager(context.Background(), noPatternChannel{local}, config.RealtimeConfig{MaxConnections: 10})
	t.Cleanup(func() {
		m.Close()
		_ = local.Close()
	})
	h := NewHandler(m, config.RealtimeConfig{MaxConnections: 10})

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{Type: MessageTypeSubscribe, Channel: "orders.*", Pattern: true})

	out := lastMessage(t, ws)
	assert.Equal(t, MessageTypeError, out.Type)
	assert.Contains(t, out.Error, "not supported")
}

func TestHandleMessage_PublishInvalidPayload(t *testing.T) {
	h, m := newTestHandler(t)

	ws := &fakeWSConn{}
	conn, err := m.AddConnection("c1", ws)
	require.NoError(t, err)

	h.handleMessage(conn, ClientMessage{
		Type:    MessageTypePublish,
		Channel: "orders",
		Payload: json.RawMessage(`{broken`),
	})
	assert.Equal(t, MessageTypeError, lastMessage(t, ws).Type)
}
