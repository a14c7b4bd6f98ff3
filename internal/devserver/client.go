package devserver

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tullo/realtime/internal/realtime"
	"github.com/tullo/realtime/internal/transport"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10240 // 10KB
)

// client represents one authenticated WebSocket connection
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      uuid.UUID
	email       string
	connectedAt time.Time

	// per-connection inbound frame limiter
	limiter *rate.Limiter
}

func newClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, email string, rps int) *client {
	return &client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		userID:      userID,
		email:       email,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(rps), rps*2),
	}
}

// readPump pumps frames from the WebSocket connection into the hub
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("devserver: websocket error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.sendError("rate_limited")
			continue
		}

		c.handleFrame(data)
	}
}

// writePump pumps envelopes from the hub to the WebSocket connection
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound wire envelope
func (c *client) handleFrame(data []byte) {
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch env.Event {
	case realtime.EventMessageSend:
		c.handleMessageSend(env.Payload)

	case realtime.EventMarkRead:
		c.handleMarkRead(env.Payload)

	case realtime.EventTyping:
		c.handleTyping(env.Payload)

	case realtime.EventConversationJoin:
		c.handleConversationJoin(env.Payload)

	case realtime.EventConversationLeave:
		c.handleConversationLeave(env.Payload)

	case realtime.EventPresenceRefresh:
		c.handlePresenceRefresh()

	default:
		c.sendError("Unknown event type")
	}
}

// handleMessageSend acks the send back to the sender with its correlation id,
// delivers the message to the other members, and issues delivery receipts for
// the members who got it.
func (c *client) handleMessageSend(payload json.RawMessage) {
	var req realtime.SendMessagePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid message payload")
		return
	}
	if req.ConversationID == uuid.Nil || req.Body == "" {
		c.sendError("conversation_id and body are required")
		return
	}

	now := time.Now()
	msg := realtime.Message{
		ID:                  uuid.New(),
		ConversationID:      req.ConversationID,
		SenderID:            c.userID,
		Body:                req.Body,
		Type:                req.Type,
		ClientCorrelationID: req.ClientCorrelationID,
		CreatedAt:           now,
	}

	c.hub.SendToUser(c.userID, realtime.EventMessageSent, realtime.MessageAck{
		MessageID:           msg.ID,
		ConversationID:      msg.ConversationID,
		ClientCorrelationID: req.ClientCorrelationID,
		CreatedAt:           now,
	})

	if c.hub.redis != nil {
		// Cross-instance fanout; every instance rebroadcasts to its clients
		if data := envelope(realtime.EventMessageNew, msg); data != nil {
			if err := c.hub.redis.PublishMessage(json.RawMessage(data)); err != nil {
				log.Printf("devserver: publish message: %v", err)
			}
		}
		return
	}

	c.hub.SendToConversation(msg.ConversationID, realtime.EventMessageNew, msg, c.userID)

	for _, memberID := range c.hub.Members(msg.ConversationID) {
		if memberID == c.userID || !c.hub.IsUserOnline(memberID) {
			continue
		}
		c.hub.SendToUser(c.userID, realtime.EventMessageDelivered, realtime.Receipt{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			UserID:         memberID,
			At:             now,
		})
	}
}

// handleMarkRead turns a mark-read request into read receipts for the other
// members.
func (c *client) handleMarkRead(payload json.RawMessage) {
	var req realtime.MarkReadPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid read payload")
		return
	}

	now := time.Now()
	for _, messageID := range req.MessageIDs {
		c.hub.SendToConversation(req.ConversationID, realtime.EventMessageRead, realtime.Receipt{
			MessageID:      messageID,
			ConversationID: req.ConversationID,
			UserID:         c.userID,
			At:             now,
		}, c.userID)
	}
}

// handleTyping stamps the sender's id on the signal and rebroadcasts it.
func (c *client) handleTyping(payload json.RawMessage) {
	var req realtime.TypingPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid typing payload")
		return
	}
	req.UserID = c.userID

	if c.hub.redis != nil {
		if req.IsTyping {
			c.hub.redis.SetTyping(req.ConversationID, c.userID)
		} else {
			c.hub.redis.RemoveTyping(req.ConversationID, c.userID)
		}
		if err := c.hub.redis.PublishTyping(req); err != nil {
			log.Printf("devserver: publish typing: %v", err)
		}
		return
	}

	c.hub.SendToConversation(req.ConversationID, realtime.EventTyping, req, c.userID)
}

func (c *client) handleConversationJoin(payload json.RawMessage) {
	var req realtime.ConversationPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid join payload")
		return
	}

	c.hub.Join(req.ConversationID, c.userID)
	c.hub.SendToUser(c.userID, realtime.EventConversationJoined, req)
}

func (c *client) handleConversationLeave(payload json.RawMessage) {
	var req realtime.ConversationPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("Invalid leave payload")
		return
	}

	c.hub.Leave(req.ConversationID, c.userID)
}

// handlePresenceRefresh keeps the session's presence alive.
func (c *client) handlePresenceRefresh() {
	if c.hub.redis != nil {
		if err := c.hub.redis.RefreshUserOnline(c.userID); err != nil {
			log.Printf("devserver: refresh presence: %v", err)
		}
	}
}

// sendError sends an error event to the client
func (c *client) sendError(message string) {
	data := envelope(realtime.EventError, realtime.ErrorPayload{Message: message})
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
