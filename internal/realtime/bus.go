package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies a publication on the Bus. Inbound wire events are
// normalized before publication: the combined typing signal splits into
// KindUserTyping/KindUserStoppedTyping and the combined presence signal into
// KindUserOnline/KindUserOffline, so consumers never special-case wire shapes.
type Kind int

const (
	KindStateChange Kind = iota
	KindMessageReceived
	KindMessageAcked
	KindMessageDelivered
	KindMessageRead
	KindUserTyping
	KindUserStoppedTyping
	KindUserOnline
	KindUserOffline
	KindConversationJoined
	KindAuthError
	KindMaxReconnectFailed
	KindServerError
)

// String returns the publication kind name.
func (k Kind) String() string {
	switch k {
	case KindStateChange:
		return "stateChange"
	case KindMessageReceived:
		return "messageReceived"
	case KindMessageAcked:
		return "messageAcked"
	case KindMessageDelivered:
		return "messageDelivered"
	case KindMessageRead:
		return "messageRead"
	case KindUserTyping:
		return "userTyping"
	case KindUserStoppedTyping:
		return "userStoppedTyping"
	case KindUserOnline:
		return "userOnline"
	case KindUserOffline:
		return "userOffline"
	case KindConversationJoined:
		return "conversationJoined"
	case KindAuthError:
		return "authError"
	case KindMaxReconnectFailed:
		return "maxReconnectFailed"
	case KindServerError:
		return "serverError"
	default:
		return "unknown"
	}
}

// Publication is a tagged union: Kind says which of the payload fields is
// set. Only the field matching the Kind is non-zero.
type Publication struct {
	Kind Kind

	// KindStateChange
	State ConnectionState

	// KindMessageReceived
	Message *Message

	// KindMessageAcked
	Ack *MessageAck

	// KindMessageDelivered, KindMessageRead
	Receipt *Receipt

	// KindUserTyping, KindUserStoppedTyping
	ConversationID uuid.UUID
	UserID         uuid.UUID

	// KindUserOnline, KindUserOffline
	Presence *PresenceEntry

	// KindAuthError, KindServerError
	Err *ErrorPayload
}

const subscriptionBuffer = 32

// Subscription delivers matching publications on C. A subscriber that stops
// draining C loses publications rather than blocking the client.
type Subscription struct {
	C chan Publication

	kinds map[Kind]bool
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus is the process-local publish/subscribe hub decoupling the client from
// its consumers. Publish never blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool)}
}

// Subscribe registers interest in the given kinds; with no kinds, every
// publication is delivered.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		C:     make(chan Publication, subscriptionBuffer),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if !b.subs[sub] {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub)
	b.mu.Unlock()

	close(sub.C)
}

// Publish fans the publication out to every matching subscriber. Slow
// subscribers are skipped, never waited on.
func (b *Bus) Publish(p Publication) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(p.Kind) {
			continue
		}
		select {
		case sub.C <- p:
		default:
			// Subscriber buffer full, skip
		}
	}
}
