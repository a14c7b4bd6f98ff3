// Package realtime implements the synchronization client that keeps a
// persistent authenticated channel to the messaging gateway: it tracks
// connection state, queues outbound work while disconnected, debounces typing
// signals, caches presence, and republishes normalized inbound events on a
// typed bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/realtime/internal/transport"
)

var (
	// ErrAuthFailed means the server rejected the credential. The caller must
	// obtain a fresh one and call Connect again; the client never retries a
	// rejected credential on its own.
	ErrAuthFailed = errors.New("realtime: authentication failed")

	// ErrReconnectExhausted means the reconnection attempt budget ran out.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrConnectInProgress means another Connect call is already driving the
	// connection.
	ErrConnectInProgress = errors.New("realtime: connect already in progress")

	// ErrNoCredentials means no credential provider was configured.
	ErrNoCredentials = errors.New("realtime: no credential provider configured")

	errTransportLost = errors.New("realtime: transport lost")
)

// CredentialFunc supplies the current access token at connect time. Token
// lifecycle (refresh on expiry) belongs to the session layer, not here.
type CredentialFunc func() (string, error)

// Options tunes the client. Zero values fall back to production defaults.
type Options struct {
	Credentials          CredentialFunc
	HeartbeatInterval    time.Duration // default 60s
	TypingTTL            time.Duration // default 5s
	QueueCapacity        int           // default 100
	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
	AuthTimeout          time.Duration // default 10s
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = 5 * time.Second
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 100
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 5 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.AuthTimeout == 0 {
		o.AuthTimeout = 10 * time.Second
	}
}

// Client is the connection state machine. It owns the transport handle, the
// connection state, the current conversation and the outbound queue; no other
// component mutates them. Construct one per app session at the composition
// root and inject it into consumers.
type Client struct {
	tr   transport.Transport
	opts Options

	bus      *Bus
	presence *PresenceCache
	queue    *outboundQueue
	typing   *typingDebouncer
	bo       *backoff

	mu                  sync.Mutex
	state               ConnectionState
	currentConversation uuid.UUID
	closing             bool
	connecting          bool
	heartbeatStop       chan struct{}
	authCh              chan error
	reconnectCancel     context.CancelFunc
	closeCh             chan struct{} // closed by Disconnect; unblocks a waiting connect loop

	// serializes queue drains so replay order holds across racing flushers
	flushMu sync.Mutex
}

// New creates a client over the given transport and registers its inbound
// handlers. The transport must not be shared with another client.
func New(tr transport.Transport, opts Options) *Client {
	opts.setDefaults()

	c := &Client{
		tr:       tr,
		opts:     opts,
		bus:      NewBus(),
		presence: NewPresenceCache(),
		queue:    newOutboundQueue(opts.QueueCapacity),
		bo:       newBackoff(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
		state:    StateDisconnected,
	}
	c.typing = newTypingDebouncer(opts.TypingTTL, func(conversationID uuid.UUID, isTyping bool) {
		c.Emit(EventTyping, TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
	})

	tr.On(EventAuthSuccess, c.handleAuthSuccess)
	tr.On(EventAuthFailure, c.handleAuthFailure)
	tr.On(EventMessageNew, c.handleMessageNew)
	tr.On(EventMessageSent, c.handleMessageSent)
	tr.On(EventMessageDelivered, c.handleReceipt(KindMessageDelivered))
	tr.On(EventMessageRead, c.handleReceipt(KindMessageRead))
	tr.On(EventTyping, c.handleTyping)
	tr.On(EventPresenceUpdate, c.handlePresence)
	tr.On(EventConversationJoined, c.handleConversationJoined)
	tr.On(EventError, c.handleServerError)
	tr.OnDisconnect(c.handleDisconnect)

	return c
}

// Bus returns the publication bus consumers subscribe on.
func (c *Client) Bus() *Bus { return c.bus }

// Presence returns the presence cache for synchronous lookups.
func (c *Client) Presence() *PresenceCache { return c.presence }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentConversation returns the joined conversation, or uuid.Nil.
func (c *Client) CurrentConversation() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentConversation
}

// Connect opens the channel and blocks until it is authenticated. Transient
// dial failures are retried on the backoff schedule; it returns ErrAuthFailed
// on a rejected credential, ErrReconnectExhausted when the attempt budget
// runs out, or the context error. Calling Connect on an authenticated client
// is a no-op. A concurrent Disconnect cancels the dial/retry schedule and
// Connect returns nil with the client left Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Credentials == nil {
		return ErrNoCredentials
	}

	c.mu.Lock()
	if c.state == StateAuthenticated && c.tr.Connected() {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.connecting = true
	c.closing = false
	c.closeCh = make(chan struct{})
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()

	c.bo.reset()
	err := c.connectLoop(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return err
}

// connectLoop drives dial attempts until authenticated or out of budget.
// Shared between Connect and the automatic mid-session reconnect.
func (c *Client) connectLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closing {
			// Disconnect raced in; it owns the final state transition
			c.mu.Unlock()
			return nil
		}
		changed := c.state != StateConnecting
		c.state = StateConnecting
		c.mu.Unlock()
		if changed {
			c.bus.Publish(Publication{Kind: KindStateChange, State: StateConnecting})
		}

		token, err := c.opts.Credentials()
		if err != nil {
			c.setState(StateError)
			return fmt.Errorf("realtime: credentials: %w", err)
		}

		c.mu.Lock()
		c.authCh = make(chan error, 4)
		authCh := c.authCh
		c.mu.Unlock()

		if err := c.tr.Connect(ctx, transport.Credential{Token: token}); err != nil {
			if next, ferr := c.retryOrFail(ctx, err); ferr != nil {
				return ferr
			} else if !next {
				return ctx.Err()
			}
			continue
		}

		// mark Connected only while still in the handshake window: a fast
		// server may have delivered the auth outcome already, and Connected
		// must not overwrite it
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateConnected
			c.mu.Unlock()
			c.bus.Publish(Publication{Kind: KindStateChange, State: StateConnected})
		} else {
			c.mu.Unlock()
		}

		select {
		case err := <-authCh:
			switch {
			case err == nil:
				// handleAuthSuccess already transitioned, started the
				// heartbeat and flushed the queue
				return nil
			case errors.Is(err, ErrAuthFailed):
				return err
			default:
				// transport dropped before the auth ack
				if next, ferr := c.retryOrFail(ctx, err); ferr != nil {
					return ferr
				} else if !next {
					return ctx.Err()
				}
			}

		case <-time.After(c.opts.AuthTimeout):
			c.tr.Disconnect()
			if next, ferr := c.retryOrFail(ctx, errors.New("auth ack timeout")); ferr != nil {
				return ferr
			} else if !next {
				return ctx.Err()
			}

		case <-ctx.Done():
			c.tr.Disconnect()
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

// retryOrFail waits out the backoff delay before the next attempt. It returns
// (false, nil) when the context was canceled, and a terminal error when the
// budget is exhausted.
func (c *Client) retryOrFail(ctx context.Context, cause error) (bool, error) {
	if c.bo.exhausted() {
		c.setState(StateError)
		c.bus.Publish(Publication{
			Kind: KindMaxReconnectFailed,
			Err:  &ErrorPayload{Message: cause.Error()},
		})
		return false, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
	}

	delay := c.bo.nextDelay()
	log.Printf("realtime: connect failed (%v), retrying in %s", cause, delay)

	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()

	select {
	case <-time.After(delay):
		return true, nil
	case <-closeCh:
		// explicit Disconnect cancels the backoff wait
		return false, nil
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return false, nil
	}
}

// Disconnect tears the channel down. Outstanding typing timers are canceled
// with stop signals; the outbound queue is left intact so a later Connect
// resumes pending work.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.closeCh != nil {
		close(c.closeCh)
		c.closeCh = nil
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.stopHeartbeatLocked()
	c.currentConversation = uuid.Nil
	c.mu.Unlock()

	// emit the stop signals while the channel can still carry them
	c.typing.stopAll(true)
	c.tr.Disconnect()

	c.mu.Lock()
	inErr := c.state == StateError
	c.mu.Unlock()
	if !inErr {
		c.setState(StateDisconnected)
	}
}

// Emit is the chokepoint every outbound operation funnels through: send
// immediately while authenticated, queue otherwise. Queued events replay in
// FIFO order on the next authenticated window; nothing in flight overtakes
// them.
func (c *Client) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	authed := c.state == StateAuthenticated
	pending := c.queue.len() > 0
	c.mu.Unlock()

	if authed && !pending {
		if err := c.tr.Emit(event, payload); err == nil {
			return nil
		}
		// channel went down under us; fall through to the queue
	}

	if c.queue.enqueue(event, payload) {
		log.Printf("realtime: outbound queue full, evicted oldest entry")
	}
	if authed {
		c.flushQueue()
	}
	return nil
}

// SendMessage emits (or queues) a message and returns the client correlation
// id the gateway will echo in the message.sent ack.
func (c *Client) SendMessage(conversationID uuid.UUID, body, msgType string) (string, error) {
	if msgType == "" {
		msgType = "text"
	}
	correlationID := uuid.NewString()
	err := c.Emit(EventMessageSend, SendMessagePayload{
		ConversationID:      conversationID,
		Body:                body,
		Type:                msgType,
		ClientCorrelationID: correlationID,
	})
	return correlationID, err
}

// MarkRead reports the given messages as read.
func (c *Client) MarkRead(conversationID uuid.UUID, messageIDs []uuid.UUID) error {
	return c.Emit(EventMarkRead, MarkReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
}

// StartTyping signals the local user is composing in the conversation and
// arms the expiry timer; expiry without renewal emits the stop automatically.
func (c *Client) StartTyping(conversationID uuid.UUID) {
	c.typing.start(conversationID)
}

// StopTyping clears the typing signal. Idempotent.
func (c *Client) StopTyping(conversationID uuid.UUID) {
	c.typing.stop(conversationID)
}

// JoinConversation joins the one active room, leaving any previous one first.
func (c *Client) JoinConversation(conversationID uuid.UUID) error {
	c.mu.Lock()
	prev := c.currentConversation
	if prev == conversationID {
		c.mu.Unlock()
		return nil
	}
	c.currentConversation = conversationID
	c.mu.Unlock()

	if prev != uuid.Nil {
		if err := c.Emit(EventConversationLeave, ConversationPayload{ConversationID: prev}); err != nil {
			return err
		}
	}
	return c.Emit(EventConversationJoin, ConversationPayload{ConversationID: conversationID})
}

// LeaveConversation leaves the active room; a no-op when none is joined.
func (c *Client) LeaveConversation() error {
	c.mu.Lock()
	prev := c.currentConversation
	c.currentConversation = uuid.Nil
	c.mu.Unlock()

	if prev == uuid.Nil {
		return nil
	}
	return c.Emit(EventConversationLeave, ConversationPayload{ConversationID: prev})
}

// flushQueue drains the outbound queue front-to-back, stopping the moment
// the channel is no longer authenticated. Entries are removed only after the
// transport accepted them.
func (c *Client) flushQueue() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for {
		c.mu.Lock()
		authed := c.state == StateAuthenticated
		c.mu.Unlock()
		if !authed {
			return
		}

		m, ok := c.queue.peek()
		if !ok {
			return
		}
		if err := c.tr.Emit(m.Event, m.Payload); err != nil {
			return
		}
		c.queue.pop()
	}
}

// QueuedCount returns the number of events waiting for an authenticated
// window.
func (c *Client) QueuedCount() int {
	return c.queue.len()
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.bus.Publish(Publication{Kind: KindStateChange, State: s})
}

// --- heartbeat ---

func (c *Client) startHeartbeatLocked() {
	if c.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	go c.heartbeatLoop(stop)
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// heartbeatLoop emits an application-level presence refresh while the channel
// stays authenticated. This is layered above the transport's own ping/pong:
// it says "this session is still in use", not "the socket is alive". It
// bypasses the outbound queue; a stale presence refresh replayed after a
// reconnect would be noise.
func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			authed := c.state == StateAuthenticated
			c.mu.Unlock()
			if !authed {
				return
			}
			if err := c.tr.Emit(EventPresenceRefresh, PresenceRefreshPayload{Status: StatusOnline}); err != nil {
				log.Printf("realtime: heartbeat emit failed: %v", err)
			}

		case <-stop:
			return
		}
	}
}

// --- inbound handlers ---

func (c *Client) handleAuthSuccess(payload json.RawMessage) {
	var p AuthSuccessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("realtime: malformed auth.success payload: %v", err)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.startHeartbeatLocked()
	authCh := c.authCh
	c.mu.Unlock()

	c.bo.reset()
	c.bus.Publish(Publication{Kind: KindStateChange, State: StateAuthenticated})

	if authCh != nil {
		select {
		case authCh <- nil:
		default:
		}
	}

	c.flushQueue()
}

func (c *Client) handleAuthFailure(payload json.RawMessage) {
	var p AuthFailurePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		p.Message = "authentication rejected"
	}

	c.mu.Lock()
	c.state = StateError
	c.stopHeartbeatLocked()
	authCh := c.authCh
	c.mu.Unlock()

	c.bus.Publish(Publication{Kind: KindStateChange, State: StateError})
	c.bus.Publish(Publication{
		Kind: KindAuthError,
		Err:  &ErrorPayload{Message: p.Message, Code: p.Code},
	})

	if authCh != nil {
		select {
		case authCh <- ErrAuthFailed:
		default:
		}
	}

	c.tr.Disconnect()
}

// handleDisconnect reacts to transport loss: stop the heartbeat, drop room
// bookkeeping, keep the outbound queue, and reconnect unless the close was
// deliberate on either side.
func (c *Client) handleDisconnect(reason string, permanent bool) {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	c.currentConversation = uuid.Nil
	closing := c.closing
	inErr := c.state == StateError
	if !inErr {
		c.state = StateDisconnected
	}
	authCh := c.authCh
	connecting := c.connecting
	reconnecting := c.reconnectCancel != nil
	c.mu.Unlock()

	// cancel typing timers silently: the wire is gone, and replaying stale
	// ephemeral signals after a reconnect storm is worse than letting the
	// remote TTL expire
	c.typing.stopAll(false)

	if !inErr {
		c.bus.Publish(Publication{Kind: KindStateChange, State: StateDisconnected})
	}

	if authCh != nil {
		select {
		case authCh <- errTransportLost:
		default:
		}
	}

	if closing || permanent || inErr || connecting || reconnecting {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.reconnectCancel = cancel
	c.mu.Unlock()

	log.Printf("realtime: transport lost (%s), reconnecting", reason)
	go c.runReconnect(ctx, cancel)
}

func (c *Client) runReconnect(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer func() {
		c.mu.Lock()
		c.reconnectCancel = nil
		c.mu.Unlock()
	}()

	if err := c.connectLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("realtime: reconnect gave up: %v", err)
	}
}

func (c *Client) handleMessageNew(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Printf("realtime: malformed message.new payload: %v", err)
		return
	}
	c.bus.Publish(Publication{Kind: KindMessageReceived, Message: &m})
}

func (c *Client) handleMessageSent(payload json.RawMessage) {
	var ack MessageAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		log.Printf("realtime: malformed message.sent payload: %v", err)
		return
	}
	c.bus.Publish(Publication{Kind: KindMessageAcked, Ack: &ack})
}

func (c *Client) handleReceipt(kind Kind) transport.Handler {
	return func(payload json.RawMessage) {
		var r Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			log.Printf("realtime: malformed receipt payload: %v", err)
			return
		}
		c.bus.Publish(Publication{Kind: kind, Receipt: &r})
	}
}

// handleTyping splits the combined wire signal into distinct publications.
func (c *Client) handleTyping(payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("realtime: malformed typing payload: %v", err)
		return
	}

	kind := KindUserStoppedTyping
	if p.IsTyping {
		kind = KindUserTyping
	}
	c.bus.Publish(Publication{
		Kind:           kind,
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
	})
}

// handlePresence updates the cache (sole writer) and splits the combined wire
// signal into online/offline publications. Last writer wins per user.
func (c *Client) handlePresence(payload json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("realtime: malformed presence payload: %v", err)
		return
	}

	entry := PresenceEntry{
		UserID: p.UserID,
		Online: p.Status == StatusOnline,
	}
	kind := KindUserOnline
	if !entry.Online {
		kind = KindUserOffline
		entry.LastSeen = p.LastSeen
	}
	c.presence.set(entry)
	c.bus.Publish(Publication{Kind: kind, Presence: &entry})
}

func (c *Client) handleConversationJoined(payload json.RawMessage) {
	var p ConversationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("realtime: malformed conversation.joined payload: %v", err)
		return
	}
	c.bus.Publish(Publication{Kind: KindConversationJoined, ConversationID: p.ConversationID})
}

// handleServerError republishes server-reported errors verbatim; their
// semantics belong to the caller.
func (c *Client) handleServerError(payload json.RawMessage) {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		p.Message = string(payload)
	}
	c.bus.Publish(Publication{Kind: KindServerError, Err: &p})
}
