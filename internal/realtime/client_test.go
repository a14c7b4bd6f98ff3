package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/realtime/internal/transport"
)

type sentEvent struct {
	event   string
	payload interface{}
}

// fakeTransport is an in-memory Transport. A script function, run after every
// successful dial, plays the server's side of the exchange.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	dialErr      error
	sent         []sentEvent
	handlers     map[string][]transport.Handler
	onConnect    func()
	onDisconnect func(reason string, permanent bool)
	dials        int
	script       func(ft *fakeTransport)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(ctx context.Context, cred transport.Credential) error {
	f.mu.Lock()
	f.dials++
	if f.dialErr != nil {
		err := f.dialErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	onConnect := f.onConnect
	script := f.script
	f.mu.Unlock()

	if onConnect != nil {
		onConnect()
	}
	if script != nil {
		go script(f)
	}
	return nil
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) On(event string, h transport.Handler) {
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) OnConnect(fn func()) { f.onConnect = fn }

func (f *fakeTransport) OnDisconnect(fn func(reason string, permanent bool)) {
	f.onDisconnect = fn
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	cb := f.onDisconnect
	f.mu.Unlock()

	if was && cb != nil {
		cb(transport.ReasonClientDisconnect, false)
	}
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// fire delivers an inbound event to the registered handlers, the way the read
// pump would.
func (f *fakeTransport) fire(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// dropConnection simulates an uncommanded transport loss.
func (f *fakeTransport) dropConnection(reason string) {
	f.mu.Lock()
	f.connected = false
	cb := f.onDisconnect
	f.mu.Unlock()
	if cb != nil {
		cb(reason, false)
	}
}

func (f *fakeTransport) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// authOK is the script for a server that accepts every credential. The short
// delay mimics the round trip so the Connected transition is observable.
func authOK(ft *fakeTransport) {
	time.Sleep(time.Millisecond)
	ft.fire(EventAuthSuccess, AuthSuccessPayload{UserID: uuid.New(), Email: "alice@example.com"})
}

func staticCreds(token string) CredentialFunc {
	return func() (string, error) { return token, nil }
}

func testOptions() Options {
	return Options{
		Credentials:          staticCreds("token"),
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    4 * time.Millisecond,
		MaxReconnectAttempts: 3,
		AuthTimeout:          time.Second,
	}
}

func waitPub(t *testing.T, sub *Subscription) Publication {
	t.Helper()
	select {
	case p := <-sub.C:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a publication")
	}
	return Publication{}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClient_ConnectWalksStateSequence(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	sub := c.Bus().Subscribe(KindStateChange)
	defer c.Bus().Unsubscribe(sub)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	wants := []ConnectionState{StateConnecting, StateConnected, StateAuthenticated}
	for _, want := range wants {
		p := waitPub(t, sub)
		if p.State != want {
			t.Fatalf("expected state %v, got %v", want, p.State)
		}
	}
	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("expected StateAuthenticated, got %v", got)
	}
}

func TestClient_ConnectWithoutCredentials(t *testing.T) {
	c := New(newFakeTransport(), Options{})
	if err := c.Connect(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestClient_ConnectIsNoOpWhenAuthenticated(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}
	if got := ft.dialCount(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestClient_AuthFailureIsTerminal(t *testing.T) {
	ft := newFakeTransport()
	ft.script = func(ft *fakeTransport) {
		ft.fire(EventAuthFailure, AuthFailurePayload{Message: "token expired", Code: "token_expired"})
	}
	c := New(ft, testOptions())

	sub := c.Bus().Subscribe(KindAuthError)
	defer c.Bus().Unsubscribe(sub)
	states := c.Bus().Subscribe(KindStateChange)
	defer c.Bus().Unsubscribe(states)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if got := c.State(); got != StateError {
		t.Fatalf("expected StateError, got %v", got)
	}

	p := waitPub(t, sub)
	if p.Err == nil || p.Err.Message != "token expired" {
		t.Fatalf("expected auth error publication, got %+v", p)
	}

	// Authenticated must never have been observed
	for {
		select {
		case s := <-states.C:
			if s.State == StateAuthenticated {
				t.Fatal("Authenticated observed on a rejected credential")
			}
			continue
		default:
		}
		break
	}

	// a rejected credential must not trigger reconnection
	time.Sleep(20 * time.Millisecond)
	if got := ft.dialCount(); got != 1 {
		t.Fatalf("expected no retry after auth failure, got %d dials", got)
	}
}

func TestClient_DialFailuresExhaustBudget(t *testing.T) {
	ft := newFakeTransport()
	ft.dialErr = errors.New("connection refused")
	c := New(ft, testOptions())

	sub := c.Bus().Subscribe(KindMaxReconnectFailed)
	defer c.Bus().Unsubscribe(sub)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := c.State(); got != StateError {
		t.Fatalf("expected StateError, got %v", got)
	}
	waitPub(t, sub)
}

func TestClient_QueuesWhileDisconnectedAndFlushesInOrder(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	conv := uuid.New()
	bodies := []string{"first", "second", "third"}
	for _, b := range bodies {
		if _, err := c.SendMessage(conv, b, "text"); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	if got := c.QueuedCount(); got != len(bodies) {
		t.Fatalf("expected %d queued events, got %d", len(bodies), got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, func() bool { return c.QueuedCount() == 0 }, "queue never drained")

	var got []string
	for _, e := range ft.sentEvents() {
		if e.event != EventMessageSend {
			continue
		}
		got = append(got, e.payload.(SendMessagePayload).Body)
	}
	if len(got) != len(bodies) {
		t.Fatalf("expected %d sends, got %d", len(bodies), len(got))
	}
	for i, b := range bodies {
		if got[i] != b {
			t.Fatalf("send %d: expected %q, got %q", i, b, got[i])
		}
	}
}

func TestClient_ReconnectsAfterTransportLoss(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ft.dropConnection(transport.ReasonReadError)

	waitFor(t, func() bool { return c.State() == StateAuthenticated }, "client never re-authenticated")
	if got := ft.dialCount(); got < 2 {
		t.Fatalf("expected a redial, got %d dials", got)
	}

	// the channel is usable again
	conv := uuid.New()
	if _, err := c.SendMessage(conv, "after the storm", "text"); err != nil {
		t.Fatalf("SendMessage after reconnect failed: %v", err)
	}
	waitFor(t, func() bool {
		for _, e := range ft.sentEvents() {
			if e.event == EventMessageSend && e.payload.(SendMessagePayload).Body == "after the storm" {
				return true
			}
		}
		return false
	}, "message after reconnect never reached the transport")
}

func TestClient_DisconnectCancelsConnectBackoff(t *testing.T) {
	ft := newFakeTransport()
	ft.dialErr = errors.New("connection refused")
	opts := testOptions()
	opts.ReconnectBaseDelay = 50 * time.Millisecond
	opts.ReconnectMaxDelay = 200 * time.Millisecond
	opts.MaxReconnectAttempts = 10
	c := New(ft, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	waitFor(t, func() bool { return ft.dialCount() >= 2 }, "connect never started dialing")
	atDisconnect := ft.dialCount()
	c.Disconnect()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("canceled Connect returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect kept retrying after Disconnect")
	}

	if got := c.State(); got != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", got)
	}

	// a dial already in flight may land, but the schedule must not continue
	time.Sleep(100 * time.Millisecond)
	if got := ft.dialCount(); got > atDisconnect+1 {
		t.Fatalf("dialing continued after Disconnect: %d dials (was %d)", got, atDisconnect)
	}
}

func TestClient_DeliversQueuedSendsOnceAfterReconnect(t *testing.T) {
	ft := newFakeTransport()
	gate := make(chan struct{}, 2)
	ft.script = func(f *fakeTransport) {
		<-gate
		authOK(f)
	}
	c := New(ft, testOptions())
	defer c.Disconnect()

	gate <- struct{}{}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// force the transport down; re-auth stays gated so the sends below land
	// while the channel is unusable
	ft.dropConnection(transport.ReasonReadError)

	conv := uuid.New()
	bodies := []string{"while-down-1", "while-down-2"}
	for _, b := range bodies {
		if _, err := c.SendMessage(conv, b, "text"); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	if got := c.QueuedCount(); got != len(bodies) {
		t.Fatalf("expected %d queued sends, got %d", len(bodies), got)
	}

	gate <- struct{}{}
	waitFor(t, func() bool {
		return c.State() == StateAuthenticated && c.QueuedCount() == 0
	}, "queued sends never flushed after re-auth")

	if _, err := c.SendMessage(conv, "after-reconnect", "text"); err != nil {
		t.Fatalf("SendMessage after reconnect failed: %v", err)
	}

	want := append(bodies, "after-reconnect")
	waitFor(t, func() bool {
		var n int
		for _, e := range ft.sentEvents() {
			if e.event == EventMessageSend {
				n++
			}
		}
		return n >= len(want)
	}, "post-reconnect send never reached the transport")

	var got []string
	for _, e := range ft.sentEvents() {
		if e.event == EventMessageSend {
			got = append(got, e.payload.(SendMessagePayload).Body)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d sends, got %d: %v", len(want), len(got), got)
	}
	for i, b := range want {
		if got[i] != b {
			t.Fatalf("send %d: expected %q, got %q (all: %v)", i, b, got[i], got)
		}
	}
}

func TestClient_DisconnectEmitsTypingStops(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	opts := testOptions()
	opts.TypingTTL = time.Minute
	c := New(ft, opts)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conv := uuid.New()
	c.StartTyping(conv)
	c.Disconnect()

	var starts, stops int
	for _, e := range ft.sentEvents() {
		if e.event != EventTyping {
			continue
		}
		if e.payload.(TypingPayload).IsTyping {
			starts++
		} else {
			stops++
		}
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("expected 1 typing start and 1 stop, got %d/%d", starts, stops)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", got)
	}

	// a deliberate disconnect must not trigger reconnection
	time.Sleep(20 * time.Millisecond)
	if got := ft.dialCount(); got != 1 {
		t.Fatalf("expected no redial after Disconnect, got %d dials", got)
	}
}

func TestClient_HeartbeatRefreshesPresence(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	c := New(ft, opts)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, func() bool {
		var n int
		for _, e := range ft.sentEvents() {
			if e.event == EventPresenceRefresh {
				n++
			}
		}
		return n >= 2
	}, "heartbeat never fired")

	for _, e := range ft.sentEvents() {
		if e.event == EventPresenceRefresh {
			if p := e.payload.(PresenceRefreshPayload); p.Status != StatusOnline {
				t.Fatalf("expected online refresh, got %q", p.Status)
			}
		}
	}
}

func TestClient_JoinConversationSwitchesRooms(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	a, b := uuid.New(), uuid.New()
	if err := c.JoinConversation(a); err != nil {
		t.Fatalf("JoinConversation failed: %v", err)
	}
	if err := c.JoinConversation(b); err != nil {
		t.Fatalf("JoinConversation failed: %v", err)
	}
	if got := c.CurrentConversation(); got != b {
		t.Fatalf("expected current conversation %s, got %s", b, got)
	}

	var got []sentEvent
	for _, e := range ft.sentEvents() {
		if e.event == EventConversationJoin || e.event == EventConversationLeave {
			got = append(got, e)
		}
	}
	wants := []sentEvent{
		{EventConversationJoin, ConversationPayload{ConversationID: a}},
		{EventConversationLeave, ConversationPayload{ConversationID: a}},
		{EventConversationJoin, ConversationPayload{ConversationID: b}},
	}
	if len(got) != len(wants) {
		t.Fatalf("expected %d room events, got %d", len(wants), len(got))
	}
	for i, w := range wants {
		if got[i].event != w.event || got[i].payload.(ConversationPayload) != w.payload.(ConversationPayload) {
			t.Fatalf("room event %d: expected %v %v, got %v %v", i, w.event, w.payload, got[i].event, got[i].payload)
		}
	}

	if err := c.LeaveConversation(); err != nil {
		t.Fatalf("LeaveConversation failed: %v", err)
	}
	if got := c.CurrentConversation(); got != uuid.Nil {
		t.Fatalf("expected no conversation after leave, got %s", got)
	}
	if err := c.LeaveConversation(); err != nil {
		t.Fatalf("leaving twice should be a no-op, got %v", err)
	}
}

func TestClient_NormalizesInboundEvents(t *testing.T) {
	ft := newFakeTransport()
	ft.script = authOK
	c := New(ft, testOptions())
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sub := c.Bus().Subscribe(KindMessageReceived, KindUserTyping, KindUserOffline)
	defer c.Bus().Unsubscribe(sub)

	conv, sender := uuid.New(), uuid.New()
	ft.fire(EventMessageNew, Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Body: "hi", Type: "text"})
	p := waitPub(t, sub)
	if p.Kind != KindMessageReceived || p.Message == nil || p.Message.Body != "hi" {
		t.Fatalf("expected message publication, got %+v", p)
	}

	ft.fire(EventTyping, TypingPayload{ConversationID: conv, UserID: sender, IsTyping: true})
	p = waitPub(t, sub)
	if p.Kind != KindUserTyping || p.UserID != sender {
		t.Fatalf("expected typing publication, got %+v", p)
	}

	lastSeen := time.Now().UTC().Truncate(time.Second)
	ft.fire(EventPresenceUpdate, PresencePayload{UserID: sender, Status: StatusOffline, LastSeen: &lastSeen})
	p = waitPub(t, sub)
	if p.Kind != KindUserOffline || p.Presence == nil || p.Presence.Online {
		t.Fatalf("expected offline publication, got %+v", p)
	}

	entry, ok := c.Presence().Get(sender)
	if !ok || entry.Online || entry.LastSeen == nil || !entry.LastSeen.Equal(lastSeen) {
		t.Fatalf("presence cache not updated: %+v ok=%v", entry, ok)
	}
}
