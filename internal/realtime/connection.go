package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// wsConn is the subset of *websocket.Conn the realtime package uses.
// Narrowed to an interface so tests can observe writes without a live socket.
type wsConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// subKey distinguishes topic subscriptions from pattern subscriptions with
// the same spelling.
type subKey struct {
	name    string
	pattern bool
}

// Connection represents a WebSocket client connection and its channel
// subscriptions. Each subscription holds the cancel func that tears down the
// matching subscription on the shared channel.
type Connection struct {
	ID          string
	Conn        wsConn
	ConnectedAt time.Time

	mu   sync.Mutex
	subs map[subKey]context.CancelFunc
}

// NewConnection creates a new WebSocket connection.
func NewConnection(id string, conn wsConn) *Connection {
	return &Connection{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
		subs:        make(map[subKey]context.CancelFunc),
	}
}

// addSubscription registers the cancel func for a subscription. Returns false
// if the connection already holds an identical subscription, in which case
// the caller must cancel the new one.
func (c *Connection) addSubscription(key subKey, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return false
	}
	c.subs[key] = cancel
	log.Debug().Str("connection_id", c.ID).Str("channel", key.name).Bool("pattern", key.pattern).Msg("Subscribed to channel")
	return true
}

// removeSubscription cancels and forgets one subscription.
// Returns false if no such subscription exists.
func (c *Connection) removeSubscription(key subKey) bool {
	c.mu.Lock()
	cancel, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	log.Debug().Str("connection_id", c.ID).Str("channel", key.name).Bool("pattern", key.pattern).Msg("Unsubscribed from channel")
	return true
}

// cancelAll tears down every subscription held by this connection.
func (c *Connection) cancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[subKey]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// SubscriptionCount reports how many subscriptions this connection holds.
func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// SendMessage sends a message to the WebSocket client. Writes are serialized
// by the connection's write lock.
func (c *Connection) SendMessage(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(msg)
}

// Close closes the WebSocket connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
