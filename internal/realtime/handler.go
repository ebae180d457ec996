package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chanwire/chanwire/internal/channel"
	"github.com/chanwire/chanwire/internal/config"
)

// Handler handles WebSocket upgrade and the client message protocol.
type Handler struct {
	manager *Manager
	cfg     config.RealtimeConfig
}

// NewHandler creates a new realtime handler.
func NewHandler(manager *Manager, cfg config.RealtimeConfig) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
	}
}

// HandleWebSocket handles WebSocket upgrade and communication.
func (h *Handler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.handleConnection)(c)
}

// handleConnection handles an individual WebSocket connection.
func (h *Handler) handleConnection(c *websocket.Conn) {
	connectionID := uuid.New().String()

	conn, err := h.manager.AddConnection(connectionID, c)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting WebSocket connection")
		_ = c.WriteJSON(ServerMessage{Type: MessageTypeError, Error: err.Error()})
		_ = c.Close()
		return
	}
	defer h.manager.RemoveConnection(connectionID)

	if h.cfg.MessageSizeLimit > 0 {
		c.SetReadLimit(h.cfg.MessageSizeLimit)
	}

	// Heartbeat writer; the read loop below owns the connection's reads.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.heartbeat(conn, stopPing)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", connectionID).Msg("WebSocket error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = conn.SendMessage(ServerMessage{
				Type:  MessageTypeError,
				Error: "invalid message",
			})
			continue
		}

		h.handleMessage(conn, msg)
	}
}

// heartbeat periodically pings the client until the read loop ends.
func (h *Handler) heartbeat(conn *Connection, stop <-chan struct{}) {
	interval := h.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.SendMessage(ServerMessage{Type: MessageTypeHeartbeat}); err != nil {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Heartbeat failed")
				return
			}
		}
	}
}

// handleMessage processes a client message.
func (h *Handler) handleMessage(conn *Connection, msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Channel == "" {
			h.sendError(conn, msg.Channel, "channel is required for subscribe")
			return
		}
		if err := h.manager.Subscribe(conn.ID, msg.Channel, msg.Pattern); err != nil {
			if errors.Is(err, channel.ErrNotSupported) {
				h.sendError(conn, msg.Channel, "pattern subscriptions are not supported by this backend")
				return
			}
			h.sendError(conn, msg.Channel, err.Error())
			return
		}
		_ = conn.SendMessage(ServerMessage{
			Type:    MessageTypeAck,
			Channel: msg.Channel,
			Payload: map[string]any{"subscribed": true},
		})

	case MessageTypeUnsubscribe:
		if msg.Channel == "" {
			h.sendError(conn, msg.Channel, "channel is required for unsubscribe")
			return
		}
		if err := h.manager.Unsubscribe(conn.ID, msg.Channel, msg.Pattern); err != nil {
			h.sendError(conn, msg.Channel, err.Error())
			return
		}
		_ = conn.SendMessage(ServerMessage{
			Type:    MessageTypeAck,
			Channel: msg.Channel,
			Payload: map[string]any{"subscribed": false},
		})

	case MessageTypePublish:
		if msg.Channel == "" {
			h.sendError(conn, msg.Channel, "channel is required for publish")
			return
		}
		if err := h.manager.Publish(h.manager.ctx, msg.Channel, msg.Event, msg.Payload); err != nil {
			h.sendError(conn, msg.Channel, err.Error())
			return
		}
		_ = conn.SendMessage(ServerMessage{
			Type:    MessageTypeAck,
			Channel: msg.Channel,
			Payload: map[string]any{"published": true},
		})

	case MessageTypeHeartbeat:
		_ = conn.SendMessage(ServerMessage{Type: MessageTypeHeartbeat})

	default:
		h.sendError(conn, msg.Channel, "unknown message type")
	}
}

func (h *Handler) sendError(conn *Connection, topic, message string) {
	_ = conn.SendMessage(ServerMessage{
		Type:    MessageTypeError,
		Channel: topic,
		Error:   message,
	})
}
