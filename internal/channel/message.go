package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried through a channel. On the wire it is a
// UTF-8 JSON object with exactly the keys data, event, id, channel and
// timestamp (RFC 3339).
type Message struct {
	// Data is the application payload. It is opaque to the channel layer.
	Data any `json:"data"`

	// Event is an optional logical event name (e.g. "created").
	Event string `json:"event"`

	// ID is an optional producer-assigned id, usable for client-side
	// deduplication. The channel layer does not enforce uniqueness.
	ID string `json:"id"`

	// Channel is the topic the message was published to. It is filled in
	// by the channel on publish and on receive, never by the caller.
	Channel string `json:"channel"`

	// Timestamp is the creation time of the message.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated id and the current time.
func NewMessage(event string, data any) Message {
	return Message{
		Data:      data,
		Event:     event,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// wireMessage mirrors Message but keeps the timestamp as a string so that
// frames from non-Go producers (which may omit the timezone offset) still
// decode.
type wireMessage struct {
	Data      any    `json:"data"`
	Event     string `json:"event"`
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
}

// timestamp layouts accepted on inbound frames, tried in order.
var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // ISO-8601 without offset
}

// decodeMessage parses an inbound frame payload. topic is the topic the frame
// arrived on and is used when the envelope carries no channel of its own, so
// the returned message always has a non-empty Channel.
func decodeMessage(payload []byte, topic string) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	msg := Message{
		Data:    w.Data,
		Event:   w.Event,
		ID:      w.ID,
		Channel: w.Channel,
	}
	if msg.Channel == "" {
		msg.Channel = topic
	}

	if w.Timestamp == "" {
		msg.Timestamp = time.Now().UTC()
		return msg, nil
	}
	for _, layout := range wireTimeLayouts {
		ts, err := time.Parse(layout, w.Timestamp)
		if err == nil {
			msg.Timestamp = ts
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("decode message: invalid timestamp %q", w.Timestamp)
}
