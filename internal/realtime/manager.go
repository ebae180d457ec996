package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chanwire/chanwire/internal/channel"
	"github.com/chanwire/chanwire/internal/config"
	"github.com/chanwire/chanwire/internal/observability"
)

// ErrTooManyConnections is returned when the configured connection limit is
// reached.
var ErrTooManyConnections = errors.New("realtime: connection limit reached")

// Manager owns all WebSocket connections of this instance and bridges their
// subscriptions onto the shared pub/sub channel. One channel subscription
// exists per connection+topic; the channel layer ref-counts the broker side.
type Manager struct {
	ch      channel.Channel
	cfg     config.RealtimeConfig
	metrics *observability.Metrics

	mu          sync.RWMutex
	connections map[string]*Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager on top of ch.
func NewManager(ctx context.Context, ch channel.Channel, cfg config.RealtimeConfig) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		ch:          ch,
		cfg:         cfg,
		connections: make(map[string]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMetrics sets the metrics instance for recording realtime metrics.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// AddConnection registers a new WebSocket connection.
func (m *Manager) AddConnection(id string, ws wsConn) (*Connection, error) {
	conn := NewConnection(id, ws)

	m.mu.Lock()
	if m.cfg.MaxConnections > 0 && len(m.connections) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	m.connections[id] = conn
	total := len(m.connections)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionOpened()
	}
	log.Info().Str("connection_id", id).Int("connections", total).Msg("WebSocket connected")
	return conn, nil
}

// RemoveConnection tears down a connection and all of its subscriptions.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	delete(m.connections, id)
	total := len(m.connections)
	m.mu.Unlock()

	if !ok {
		return
	}
	conn.cancelAll()
	_ = conn.Close()

	if m.metrics != nil {
		m.metrics.ConnectionClosed()
	}
	log.Info().Str("connection_id", id).Int("connections", total).Msg("WebSocket disconnected")
}

// GetConnection looks up a registered connection.
func (m *Manager) GetConnection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// ConnectionCount reports the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Subscribe opens a channel subscription for one connection and pumps its
// stream to the client until the subscription or the connection ends.
func (m *Manager) Subscribe(connID, topic string, pattern bool) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("realtime: unknown connection %q", connID)
	}

	subCtx, cancel := context.WithCancel(m.ctx)

	var (
		stream <-chan channel.Message
		err    error
	)
	if pattern {
		stream, err = m.ch.PSubscribe(subCtx, topic)
	} else {
		stream, err = m.ch.Subscribe(subCtx, topic)
	}
	if err != nil {
		cancel()
		return err
	}

	key := subKey{name: topic, pattern: pattern}
	if !conn.addSubscription(key, cancel) {
		// Already subscribed; drop the duplicate channel subscription.
		cancel()
		return nil
	}

	m.wg.Add(1)
	go m.pump(conn, key, stream)
	return nil
}

// pump forwards one subscription's stream to the client. A slow client only
// delays its own stream; the channel layer drops for it once its queue fills.
func (m *Manager) pump(conn *Connection, key subKey, stream <-chan channel.Message) {
	defer m.wg.Done()

	for msg := range stream {
		out := ServerMessage{
			Type:      MessageTypeMessage,
			Channel:   msg.Channel,
			Event:     msg.Event,
			ID:        msg.ID,
			Payload:   msg.Data,
			Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		}
		if err := conn.SendMessage(out); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID).Str("channel", key.name).Msg("Write to client failed, dropping subscription")
			conn.removeSubscription(key)
			return
		}
	}
}

// Unsubscribe tears down one subscription of one connection.
func (m *Manager) Unsubscribe(connID, topic string, pattern bool) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("realtime: unknown connection %q", connID)
	}
	if !conn.removeSubscription(subKey{name: topic, pattern: pattern}) {
		return fmt.Errorf("realtime: not subscribed to %q", topic)
	}
	return nil
}

// Publish sends a client-supplied payload to topic on the shared channel.
func (m *Manager) Publish(ctx context.Context, topic, event string, payload json.RawMessage) error {
	var data any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("realtime: invalid payload: %w", err)
		}
	}
	return m.ch.Publish(ctx, topic, channel.NewMessage(event, data))
}

// Close tears down all connections and waits for their pumps to exit. The
// underlying channel is owned by the caller and is not closed here.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.cancelAll()
		_ = conn.Close()
		if m.metrics != nil {
			m.metrics.ConnectionClosed()
		}
	}
	m.wg.Wait()
}
