package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
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

	sendBufferSize = 256
)

// WSTransport is the WebSocket implementation of Transport, built on
// gorilla/websocket. All writes go through a single goroutine; all inbound
// handlers are dispatched from the read goroutine, preserving event order.
type WSTransport struct {
	serverURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected bool

	hmu      sync.RWMutex
	handlers map[string][]Handler

	onConnect    func()
	onDisconnect func(reason string, permanent bool)
}

// NewWS creates a WebSocket transport for the given ws:// or wss:// URL.
func NewWS(serverURL string) *WSTransport {
	return &WSTransport{
		serverURL: serverURL,
		handlers:  make(map[string][]Handler),
	}
}

// Connect dials the server with the credential as a handshake query parameter.
func (t *WSTransport) Connect(ctx context.Context, cred Credential) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	u, err := url.Parse(t.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("token", cred.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, sendBufferSize)
	t.done = make(chan struct{})
	t.connected = true
	onConnect := t.onConnect
	t.mu.Unlock()

	go t.readPump(conn)
	go t.writePump(conn)

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Emit marshals the event into the wire envelope and hands it to the writer.
func (t *WSTransport) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(OutEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	send, done := t.send, t.done
	t.mu.Unlock()

	select {
	case send <- data:
		return nil
	case <-done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// On registers a handler for a named inbound event.
func (t *WSTransport) On(event string, h Handler) {
	t.hmu.Lock()
	t.handlers[event] = append(t.handlers[event], h)
	t.hmu.Unlock()
}

// OnConnect registers the connect lifecycle callback.
func (t *WSTransport) OnConnect(f func()) {
	t.mu.Lock()
	t.onConnect = f
	t.mu.Unlock()
}

// OnDisconnect registers the disconnect lifecycle callback.
func (t *WSTransport) OnDisconnect(f func(reason string, permanent bool)) {
	t.mu.Lock()
	t.onDisconnect = f
	t.mu.Unlock()
}

// Disconnect closes the channel. A close message is sent on a best-effort
// basis so the server sees a clean shutdown.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	t.teardown(ReasonClientDisconnect, false)
	return nil
}

// Connected reports whether the channel is currently open.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// readPump pumps inbound envelopes from the connection to the registered
// handlers until the connection fails.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason, permanent := ReasonReadError, false
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				reason, permanent = ReasonServerClose, true
			}
			t.teardown(reason, permanent)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}
		t.dispatch(env)
	}
}

// writePump pumps queued frames to the connection and keeps it alive with
// pings.
func (t *WSTransport) writePump(conn *websocket.Conn) {
	t.mu.Lock()
	send, done := t.send, t.done
	t.mu.Unlock()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.teardown(ReasonWriteError, false)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.teardown(ReasonWriteError, false)
				return
			}

		case <-done:
			return
		}
	}
}

func (t *WSTransport) dispatch(env Envelope) {
	t.hmu.RLock()
	handlers := t.handlers[env.Event]
	t.hmu.RUnlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}

// teardown closes the connection once and fires the disconnect callback.
func (t *WSTransport) teardown(reason string, permanent bool) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	close(t.done)
	conn := t.conn
	t.conn = nil
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	conn.Close()

	if onDisconnect != nil {
		onDisconnect(reason, permanent)
	}
}
