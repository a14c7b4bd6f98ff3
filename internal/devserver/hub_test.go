package devserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/realtime/internal/realtime"
	"github.com/tullo/realtime/internal/transport"
)

func recvEnvelope(t *testing.T, send chan []byte) transport.Envelope {
	t.Helper()
	select {
	case b := <-send:
		var env transport.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("malformed envelope: %v", err)
		}
		return env
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for an envelope")
	}
	return transport.Envelope{}
}

func TestHubSendToUserAndConversation(t *testing.T) {
	h := NewHub(nil)

	id1 := uuid.New()
	id2 := uuid.New()

	// Use the actual client struct but only its send channel for assertions
	c1 := &client{userID: id1, send: make(chan []byte, 4)}
	c2 := &client{userID: id2, send: make(chan []byte, 4)}

	h.clients[id1] = c1
	h.clients[id2] = c2

	// Send to single user
	conv := uuid.New()
	h.SendToUser(id1, realtime.EventConversationJoined, realtime.ConversationPayload{ConversationID: conv})

	env := recvEnvelope(t, c1.send)
	if env.Event != realtime.EventConversationJoined {
		t.Fatalf("unexpected event: %s", env.Event)
	}
	var p realtime.ConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID != conv {
		t.Fatalf("unexpected payload: %s (%v)", env.Payload, err)
	}

	select {
	case b := <-c2.send:
		t.Fatalf("user 2 should not receive a direct message, got %s", b)
	default:
	}

	// Send to a conversation both users joined, excluding the sender
	h.Join(conv, id1)
	h.Join(conv, id2)

	msg := realtime.Message{
		ID:             uuid.New(),
		ConversationID: conv,
		SenderID:       id1,
		Body:           "hello",
		Type:           "text",
	}
	h.SendToConversation(conv, realtime.EventMessageNew, msg, id1)

	env = recvEnvelope(t, c2.send)
	if env.Event != realtime.EventMessageNew {
		t.Fatalf("unexpected event: %s", env.Event)
	}
	var got realtime.Message
	if err := json.Unmarshal(env.Payload, &got); err != nil || got.Body != "hello" {
		t.Fatalf("unexpected payload: %s (%v)", env.Payload, err)
	}

	select {
	case b := <-c1.send:
		t.Fatalf("excluded sender should not receive the message, got %s", b)
	default:
	}
}

func TestHubMembership(t *testing.T) {
	h := NewHub(nil)

	conv := uuid.New()
	id1 := uuid.New()
	id2 := uuid.New()

	h.Join(conv, id1)
	h.Join(conv, id2)
	if got := h.Members(conv); len(got) != 2 {
		t.Fatalf("expected 2 members, got %d", len(got))
	}

	h.Leave(conv, id1)
	members := h.Members(conv)
	if len(members) != 1 || members[0] != id2 {
		t.Fatalf("expected only user 2 joined, got %v", members)
	}

	// leaving a conversation never joined is a no-op
	h.Leave(uuid.New(), id1)
}

func TestHubOnlineUsers(t *testing.T) {
	h := NewHub(nil)

	id := uuid.New()
	h.clients[id] = &client{userID: id, send: make(chan []byte, 1)}

	if !h.IsUserOnline(id) {
		t.Fatal("expected user to be online")
	}
	if h.IsUserOnline(uuid.New()) {
		t.Fatal("unknown user reported online")
	}

	online := h.OnlineUsers()
	if len(online) != 1 || online[0] != id {
		t.Fatalf("unexpected online set: %v", online)
	}
}
