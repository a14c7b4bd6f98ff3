package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Wire event names. Inbound events are what the gateway pushes down the
// channel; outbound events are what this client emits.
const (
	// Inbound
	EventAuthSuccess        = "auth.success"
	EventAuthFailure        = "auth.failure"
	EventMessageNew         = "message.new"
	EventMessageSent        = "message.sent"
	EventMessageDelivered   = "message.delivered"
	EventMessageRead        = "message.read"
	EventTyping             = "typing"
	EventPresenceUpdate     = "presence.update"
	EventConversationJoined = "conversation.joined"
	EventError              = "error"

	// Outbound
	EventMessageSend       = "message.send"
	EventMarkRead          = "message.mark_read"
	EventConversationJoin  = "conversation.join"
	EventConversationLeave = "conversation.leave"
	EventPresenceRefresh   = "presence.refresh"
)

// Presence status values carried by presence.update and presence.refresh.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type AuthSuccessPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

type AuthFailurePayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Message is a chat message as delivered by the gateway.
type Message struct {
	ID                  uuid.UUID `json:"id"`
	ConversationID      uuid.UUID `json:"conversation_id"`
	SenderID            uuid.UUID `json:"sender_id"`
	Body                string    `json:"body"`
	Type                string    `json:"type"`
	ClientCorrelationID string    `json:"client_correlation_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// MessageAck confirms a client-originated send; the correlation id echoes the
// one supplied in message.send so the caller can match it to local state.
type MessageAck struct {
	MessageID           uuid.UUID `json:"message_id"`
	ConversationID      uuid.UUID `json:"conversation_id"`
	ClientCorrelationID string    `json:"client_correlation_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// Receipt is a delivery or read acknowledgment for a message.
type Receipt struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	At             time.Time `json:"at"`
}

// TypingPayload carries a combined typing signal; user_id is filled by the
// gateway on rebroadcast and empty on client emission.
type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id,omitempty"`
	IsTyping       bool      `json:"is_typing"`
}

// PresencePayload carries a combined presence signal. LastSeen is supplied by
// the server for offline transitions, never derived client-side.
type PresencePayload struct {
	UserID   uuid.UUID  `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type SendMessagePayload struct {
	ConversationID      uuid.UUID `json:"conversation_id"`
	Body                string    `json:"body"`
	Type                string    `json:"type"`
	ClientCorrelationID string    `json:"client_correlation_id"`
}

type MarkReadPayload struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type PresenceRefreshPayload struct {
	Status string `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
