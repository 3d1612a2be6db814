package triplink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TripLink/triplink-chat-sdk/localstore"
)

// fakeConn records session-driven channel traffic without a live hub.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]Handler
	invokes  []string
	failJoin bool
	failSend bool
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]Handler)}
}

func (f *fakeConn) On(event string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeConn) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeConn) Invoke(_ context.Context, method string, _ ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes = append(f.invokes, method)
	if method == MethodJoinBookingRoom && f.failJoin {
		return &InvocationError{Method: method, Err: errors.New("room unavailable")}
	}
	if method == MethodSendToBooking && f.failSend {
		return &InvocationError{Method: method, Err: errors.New("send rejected")}
	}
	return nil
}

func (f *fakeConn) OnReconnected(func()) {}
func (f *fakeConn) State() ConnState     { return StateConnected }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) deliver(event string, args ...string) {
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h != nil {
		raw := make([]json.RawMessage, len(args))
		for i, a := range args {
			raw[i] = json.RawMessage(a)
		}
		h(raw)
	}
}

func (f *fakeConn) invoked(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.invokes {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeConn) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func testSession(t *testing.T, conn *fakeConn, apiURL string) *Session {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "triplink.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := NewSession("http://localhost:5001/hubs/chat", nil, "me",
		NewAPIClient(apiURL, nil), NewRegistry(store))
	s.dial = func(ctx context.Context) (hubConn, error) { return conn, nil }
	s.delay = 20 * time.Millisecond
	return s
}

func TestBindJoinsRoom(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7, TripID: 3}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	if conn.invoked(MethodRegister) != 1 {
		t.Error("expected one Register invoke")
	}
	if conn.invoked(MethodJoinBookingRoom) != 1 {
		t.Error("expected one JoinBookingRoom invoke")
	}
	if got := s.Conversation().State(); got != ConvConnected {
		t.Errorf("state: got %v, want connected", got)
	}
	if got := s.Conversation().ID(); got != "booking-7" {
		t.Errorf("conversation id: got %q", got)
	}
	if conn.handlerCount() != len(receiveEvents) {
		t.Errorf("handlers: got %d, want %d", conn.handlerCount(), len(receiveEvents))
	}
	if !s.Connected() {
		t.Error("session should report connected after bind")
	}
}

func TestBindAsTripOwner(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, true); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	if got := s.Conversation().ID(); got != "trip-7" {
		t.Errorf("conversation id: got %q, want trip-7", got)
	}
}

func TestJoinFailureIsFatalToSession(t *testing.T) {
	conn := newFakeConn()
	conn.failJoin = true
	s := testSession(t, conn, "http://127.0.0.1:0")

	err := s.Bind(context.Background(), Booking{BookingID: 7}, false)
	if err == nil {
		t.Fatal("expected bind to fail")
	}
	var invErr *InvocationError
	if !errors.As(err, &invErr) || invErr.Method != MethodJoinBookingRoom {
		t.Fatalf("expected JoinBookingRoom invocation error, got %v", err)
	}
	if s.Conversation().State() != ConvDisconnected {
		t.Errorf("state: got %v, want disconnected", s.Conversation().State())
	}
	if s.Err() == nil {
		t.Error("session error must be surfaced for display")
	}
}

func TestSendEmptyIsNoOp(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	if err := s.Send(context.Background(), ""); err != nil {
		t.Fatalf("send empty: %v", err)
	}
	if err := s.Send(context.Background(), "   "); err != nil {
		t.Fatalf("send whitespace: %v", err)
	}

	if n := conn.invoked(MethodSendToBooking); n != 0 {
		t.Fatalf("no remote call expected for empty text, got %d", n)
	}
	if s.Conversation().Len() != 0 {
		t.Fatal("no message may be added optimistically")
	}
}

func TestSendNotConnectedIsNoOp(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	// Never bound: conversation is idle.
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send while idle: %v", err)
	}
	if n := conn.invoked(MethodSendToBooking); n != 0 {
		t.Fatalf("no remote call expected while not connected, got %d", n)
	}
}

func TestSendRecordsActiveConversation(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	if err := s.Send(context.Background(), "see you at the pickup"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No optimistic echo: the message appears only once the hub sends it back.
	if s.Conversation().Len() != 0 {
		t.Fatal("send must not append locally")
	}

	ids, err := s.registry.List(context.Background())
	if err != nil {
		t.Fatalf("registry list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "booking-7" {
		t.Fatalf("active conversations: got %v", ids)
	}
}

func TestSendFailureLeavesDraftWithCaller(t *testing.T) {
	conn := newFakeConn()
	conn.failSend = true
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	err := s.Send(context.Background(), "lost?")
	if err == nil {
		t.Fatal("expected send error")
	}

	ids, _ := s.registry.List(context.Background())
	if len(ids) != 0 {
		t.Fatal("failed send must not record the conversation as active")
	}
}

func TestInboundMessageFlowsToConversation(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	conn.deliver(EventReceiveBookingMessage,
		`{"messageId":"m1","senderId":"other","messageText":"on my way"}`)

	msgs := s.Conversation().Messages()
	if len(msgs) != 1 || msgs[0].Text != "on my way" {
		t.Fatalf("inbound message missing: %+v", msgs)
	}
}

func TestReconciliationFetchesOnceWhenEmpty(t *testing.T) {
	var mu sync.Mutex
	historyCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/messages/7" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		historyCalls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"messageId":"h1","senderId":"other","messageText":"from the gateway"}]`))
	}))
	defer srv.Close()

	conn := newFakeConn()
	s := testSession(t, conn, srv.URL)

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	deadline := time.Now().Add(time.Second)
	for s.Conversation().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fallback history never adopted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs := s.Conversation().Messages()
	if msgs[0].ID != "h1" {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	time.Sleep(3 * s.delay)
	mu.Lock()
	defer mu.Unlock()
	if historyCalls != 1 {
		t.Fatalf("history calls: got %d, want exactly 1", historyCalls)
	}
}

func TestReconciliationSkippedWhenHistoryArrived(t *testing.T) {
	var mu sync.Mutex
	historyCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/messages/7" {
			return
		}
		mu.Lock()
		historyCalls++
		mu.Unlock()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	conn := newFakeConn()
	s := testSession(t, conn, srv.URL)

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer s.Unbind()

	// History arrives over the channel before the fallback delay elapses.
	conn.deliver(EventReceiveChatHistory,
		`[{"messageId":"m1","senderId":"other","messageText":"hi"}]`)

	time.Sleep(3 * s.delay)
	mu.Lock()
	defer mu.Unlock()
	if historyCalls != 0 {
		t.Fatalf("fallback fired despite delivered history: %d calls", historyCalls)
	}
}

func TestStaleReconciliationIgnoredAfterRebind(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/messages/1" {
			<-release // stall the first binding's fetch
			w.Write([]byte(`[{"messageId":"stale","senderId":"other","messageText":"old room"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	conn := newFakeConn()
	s := testSession(t, conn, srv.URL)

	if err := s.Bind(context.Background(), Booking{BookingID: 1}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	time.Sleep(2 * s.delay) // let the first reconciliation start and stall

	conn2 := newFakeConn()
	s.dial = func(ctx context.Context) (hubConn, error) { return conn2, nil }
	if err := s.Bind(context.Background(), Booking{BookingID: 2}, false); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	defer s.Unbind()

	close(release)
	time.Sleep(3 * s.delay)

	for _, m := range s.Conversation().Messages() {
		if m.ID == "stale" {
			t.Fatal("stale fetch from previous binding applied to new one")
		}
	}
	if !conn.closed {
		t.Error("rebinding must close the previous connection")
	}
	if conn.handlerCount() != 0 {
		t.Error("rebinding must unregister the previous handlers")
	}
}

func TestUnbindTearsDown(t *testing.T) {
	conn := newFakeConn()
	s := testSession(t, conn, "http://127.0.0.1:0")

	if err := s.Bind(context.Background(), Booking{BookingID: 7}, false); err != nil {
		t.Fatalf("bind: %v", err)
	}
	s.Unbind()
	s.Unbind() // idempotent

	if !conn.closed {
		t.Error("unbind must close the owned connection")
	}
	if conn.handlerCount() != 0 {
		t.Errorf("unbind must remove every handler, %d left", conn.handlerCount())
	}
	if s.Connected() {
		t.Error("session should report disconnected after unbind")
	}
}
