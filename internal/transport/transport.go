// Package transport defines the bidirectional event channel the realtime
// client speaks over, and a WebSocket implementation of it. The client core
// treats a Transport as a black box: named events in, named events out,
// lifecycle callbacks for connect/disconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Disconnect reasons reported to the OnDisconnect callback.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonServerClose      = "server closed connection"
	ReasonReadError        = "read error"
	ReasonWriteError       = "write error"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Credential is attached at handshake time, never as a post-connect event.
type Credential struct {
	Token string
}

// Handler receives the raw payload of a named inbound event.
type Handler func(payload json.RawMessage)

// Transport is a bidirectional event channel. Implementations must invoke
// inbound Handlers from a single goroutine so event order is preserved.
type Transport interface {
	// Connect opens the channel with the credential attached to the handshake.
	// It returns once the channel is open; authentication outcome arrives as a
	// regular inbound event.
	Connect(ctx context.Context, cred Credential) error

	// Emit sends a named event. It never blocks; if the channel is down or the
	// send buffer is full an error is returned.
	Emit(event string, payload interface{}) error

	// On registers a handler for a named inbound event. Registration is not
	// removable; register once at construction time.
	On(event string, h Handler)

	// OnConnect is invoked after the channel opens.
	OnConnect(func())

	// OnDisconnect is invoked when the channel closes for any reason.
	// permanent is true when the server closed the channel deliberately and
	// reconnecting would be pointless.
	OnDisconnect(func(reason string, permanent bool))

	// Disconnect tears the channel down. Safe to call when not connected.
	Disconnect() error

	// Connected reports whether the channel is currently open.
	Connected() bool
}

// Envelope is the wire format: a named event with a JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// OutEnvelope is the outbound counterpart of Envelope; the payload is
// marshaled in place.
type OutEnvelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}
