// Package devserver is the development gateway for the realtime sync client:
// the server half of the wire contract. It authenticates WebSocket clients
// with JWTs, tracks conversation membership, rebroadcasts typing and presence
// signals, and acknowledges sends with the client's correlation id. State is
// in-memory; with Redis configured, presence and event fanout go through
// pub/sub so several gateway instances can run side by side.
package devserver

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/realtime/internal/cache"
	"github.com/tullo/realtime/internal/realtime"
	"github.com/tullo/realtime/internal/transport"
)

// Hub maintains the set of active clients and routes events between them
type Hub struct {
	// Registered clients, one connection per user
	clients map[uuid.UUID]*client

	// Conversation membership: conversation id -> joined user ids
	conversations map[uuid.UUID]map[uuid.UUID]bool

	// Raw envelopes fanned out to every connected client
	broadcast chan []byte

	// Register requests from clients
	register chan *client

	// Unregister requests from clients
	unregister chan *client

	// Redis client for cross-instance pub/sub; nil for in-memory mode
	redis *cache.RedisClient

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// NewHub creates a new Hub. redis may be nil.
func NewHub(redis *cache.RedisClient) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]*client),
		conversations: make(map[uuid.UUID]map[uuid.UUID]bool),
		broadcast:     make(chan []byte, 256),
		register:      make(chan *client),
		unregister:    make(chan *client),
		redis:         redis,
	}
}

// envelope marshals a wire envelope; marshal failures are programming errors
// and are logged, returning nil.
func envelope(event string, payload interface{}) []byte {
	data, err := json.Marshal(transport.OutEnvelope{Event: event, Payload: payload})
	if err != nil {
		log.Printf("devserver: marshal %s: %v", event, err)
		return nil
	}
	return data
}

// Run starts the hub
func (h *Hub) Run() {
	if h.redis != nil {
		go h.subscribeToRedis()
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			h.mu.Unlock()

			if h.redis != nil {
				h.redis.SetUserOnline(client.userID)
			}
			h.publishPresence(realtime.PresencePayload{
				UserID: client.userID,
				Status: realtime.StatusOnline,
			})

			log.Printf("devserver: client registered: %s", client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			for _, members := range h.conversations {
				delete(members, client.userID)
			}
			h.mu.Unlock()

			if h.redis != nil {
				h.redis.SetUserOffline(client.userID)
			}
			now := time.Now()
			h.publishPresence(realtime.PresencePayload{
				UserID:   client.userID,
				Status:   realtime.StatusOffline,
				LastSeen: &now,
			})

			log.Printf("devserver: client unregistered: %s", client.userID)

		case message := <-h.broadcast:
			// Fan out to all connected clients
			h.mu.Lock()
			for userID, client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, userID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// subscribeToRedis fans events from other gateway instances out to the
// clients connected here.
func (h *Hub) subscribeToRedis() {
	msgPubSub := h.redis.SubscribeToMessages()
	defer msgPubSub.Close()
	msgChan := msgPubSub.Channel()

	presencePubSub := h.redis.SubscribeToPresence()
	defer presencePubSub.Close()
	presenceChan := presencePubSub.Channel()

	typingPubSub := h.redis.SubscribeToTyping()
	defer typingPubSub.Close()
	typingChan := typingPubSub.Channel()

	for {
		select {
		case msg := <-msgChan:
			// Already a full envelope
			h.broadcast <- []byte(msg.Payload)

		case presence := <-presenceChan:
			var p realtime.PresencePayload
			if err := json.Unmarshal([]byte(presence.Payload), &p); err != nil {
				continue
			}
			if data := envelope(realtime.EventPresenceUpdate, p); data != nil {
				h.broadcast <- data
			}

		case typing := <-typingChan:
			var p realtime.TypingPayload
			if err := json.Unmarshal([]byte(typing.Payload), &p); err != nil {
				continue
			}
			if data := envelope(realtime.EventTyping, p); data != nil {
				h.broadcast <- data
			}
		}
	}
}

// publishPresence routes a presence update through Redis when available, or
// straight to the local clients otherwise.
func (h *Hub) publishPresence(p realtime.PresencePayload) {
	if h.redis != nil {
		if err := h.redis.PublishPresence(p); err != nil {
			log.Printf("devserver: publish presence: %v", err)
		}
		return
	}
	if data := envelope(realtime.EventPresenceUpdate, p); data != nil {
		h.broadcast <- data
	}
}

// Join adds a user to a conversation's member set.
func (h *Hub) Join(conversationID, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.conversations[conversationID]
	if !ok {
		members = make(map[uuid.UUID]bool)
		h.conversations[conversationID] = members
	}
	members[userID] = true
}

// Leave removes a user from a conversation's member set.
func (h *Hub) Leave(conversationID, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.conversations[conversationID]; ok {
		delete(members, userID)
	}
}

// Members returns the users joined to a conversation.
func (h *Hub) Members(conversationID uuid.UUID) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.conversations[conversationID]
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// SendToUser sends an event to a specific user
func (h *Hub) SendToUser(userID uuid.UUID, event string, payload interface{}) {
	data := envelope(event, payload)
	if data == nil {
		return
	}

	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()

	if ok {
		select {
		case client.send <- data:
		default:
			// Client's send channel is full, skip
		}
	}
}

// SendToConversation sends an event to every joined member of a conversation,
// optionally excluding one user (typically the sender).
func (h *Hub) SendToConversation(conversationID uuid.UUID, event string, payload interface{}, exclude uuid.UUID) {
	data := envelope(event, payload)
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for memberID := range h.conversations[conversationID] {
		if memberID == exclude {
			continue
		}
		if client, ok := h.clients[memberID]; ok {
			select {
			case client.send <- data:
			default:
				// Client's send channel is full, skip
			}
		}
	}
}

// OnlineUsers returns the list of online user IDs
func (h *Hub) OnlineUsers() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]uuid.UUID, 0, len(h.clients))
	for userID := range h.clients {
		userIDs = append(userIDs, userID)
	}

	return userIDs
}

// IsUserOnline checks if a user is online
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[userID]
	return ok
}
