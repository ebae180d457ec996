// Package realtime bridges WebSocket clients onto the shared pub/sub channel.
// All clients of one process share a single channel.Channel instance; each
// client subscription becomes one ref-counted subscription on that channel.
package realtime

import "encoding/json"

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePublish     MessageType = "publish"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeMessage     MessageType = "message"
	MessageTypeError       MessageType = "error"
	MessageTypeAck         MessageType = "ack"
)

// ClientMessage represents a message from the client.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Pattern bool            `json:"pattern,omitempty"` // subscribe by glob pattern
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Event     string      `json:"event,omitempty"`
	ID        string      `json:"id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}
