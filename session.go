package triplink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const reconcileDelay = 500 * time.Millisecond

// receiveEvents is every server event a chat session subscribes to. Each
// On issued at bind time gets its matching Off at unbind.
var receiveEvents = []string{
	EventReceiveBookingMessage,
	EventReceivePrivateMessage,
	EventReceiveMessage,
	EventReceiveChatHistory,
	EventUserJoinedBooking,
	EventUserLeftBooking,
}

// hubConn is the slice of Conn a session drives. Narrowed to an interface
// so session behavior is testable against a fake channel.
type hubConn interface {
	On(event string, h Handler)
	Off(event string)
	Invoke(ctx context.Context, method string, args ...any) error
	OnReconnected(fn func())
	State() ConnState
	Close() error
}

// Session orchestrates one active conversation: it owns a hub connection,
// the conversation state, and read-receipt tracking for exactly one
// booking at a time. Binding to a new booking always tears the previous
// binding down first.
type Session struct {
	hubURL   string
	token    TokenProvider
	userID   string
	api      *APIClient
	registry *Registry
	tracker  *ReceiptTracker
	conv     *Conversation

	// dial is swapped in tests to avoid a live hub.
	dial func(ctx context.Context) (hubConn, error)
	// delay before the history reconciliation check fires.
	delay time.Duration

	mu        sync.Mutex
	conn      hubConn
	bookingID int64
	convID    string
	timer     *time.Timer
	lastErr   error
}

// NewSession builds a session controller. Credential provider and user
// identity are injected; nothing is read from ambient state.
func NewSession(hubURL string, token TokenProvider, userID string, api *APIClient, registry *Registry) *Session {
	s := &Session{
		hubURL:   hubURL,
		token:    token,
		userID:   userID,
		api:      api,
		registry: registry,
		tracker:  NewReceiptTracker(api),
		conv:     NewConversation(userID),
		delay:    reconcileDelay,
	}
	s.dial = func(ctx context.Context) (hubConn, error) {
		return Dial(ctx, Options{HubURL: s.hubURL, Token: s.token, Reconnect: true})
	}
	return s
}

// Conversation exposes the message state for rendering.
func (s *Session) Conversation() *Conversation { return s.conv }

// Err returns the last session-fatal error, surfaced passively for an
// inline error display; it never propagates as a crash.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connected reports whether the session holds a live hub connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.State() == StateConnected
}

// Bind attaches the session to a booking conversation: derive the
// conversation ID, open a connection, register the user, join the booking
// room, then schedule the history reconciliation check. A join failure is
// fatal to this binding — the conversation lands in the disconnected state
// and the error is retrievable via Err.
func (s *Session) Bind(ctx context.Context, booking Booking, asTripOwner bool) error {
	s.Unbind()

	convID := BookingConversationID(booking.BookingID)
	if asTripOwner {
		convID = TripConversationID(booking.BookingID)
	}

	gen := s.conv.Bind(convID)

	s.mu.Lock()
	s.bookingID = booking.BookingID
	s.convID = convID
	s.lastErr = nil
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.conv.SetState(ConvDisconnected)
		s.setErr(err)
		return err
	}

	for _, evt := range receiveEvents {
		evt := evt
		conn.On(evt, func(args []json.RawMessage) { s.handleEvent(evt, args) })
	}
	conn.OnReconnected(func() { s.rejoin(booking.BookingID, gen) })

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.join(ctx, conn, booking.BookingID); err != nil {
		s.conv.SetState(ConvDisconnected)
		s.setErr(err)
		return err
	}

	s.conv.SetState(ConvConnected)
	s.scheduleReconcile(booking.BookingID, gen)
	return nil
}

// join registers the user (best-effort) and joins the booking room
// (fatal on failure).
func (s *Session) join(ctx context.Context, conn hubConn, bookingID int64) error {
	if s.userID != "" {
		if err := conn.Invoke(ctx, MethodRegister, s.userID); err != nil {
			slog.Warn("chat session: register failed", "error", err)
		}
	}
	return conn.Invoke(ctx, MethodJoinBookingRoom, bookingID)
}

// rejoin re-issues this session's server-side subscriptions after a silent
// reconnect; the channel itself only remembers raw event names.
func (s *Session) rejoin(bookingID int64, gen uint64) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.conv.Generation() != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.join(ctx, conn, bookingID); err != nil {
		s.conv.SetState(ConvDisconnected)
		s.setErr(err)
		return
	}
	s.conv.SetState(ConvConnected)
	s.scheduleReconcile(bookingID, gen)
}

func (s *Session) handleEvent(event string, args []json.RawMessage) {
	s.conv.ApplyEvent(event, args)
	// Receipt marking must not hold up message delivery.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.tracker.Mark(ctx, s.conv)
	}()
}

// scheduleReconcile arms the fallback: if no history has arrived a short
// while after the join succeeded, fetch it once over REST. The generation
// guard drops the result when the session has since been rebound.
func (s *Session) scheduleReconcile(bookingID int64, gen uint64) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() { s.reconcile(bookingID, gen) })
	s.mu.Unlock()
}

func (s *Session) reconcile(bookingID int64, gen uint64) {
	if s.conv.Generation() != gen || s.conv.Len() > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	records, err := s.api.ChatMessages(ctx, bookingID)
	if err != nil {
		// Leave the empty list as-is; no automatic retry.
		slog.Warn("chat session: history fallback failed",
			"error", &ReconciliationError{ConversationID: s.conv.ID(), Err: err})
		return
	}
	s.conv.ReplaceHistory(gen, records)
}

// Send sends a message into the bound booking room. Empty or whitespace
// text and a non-connected conversation are silent no-ops. There is no
// optimistic local echo: the message shows up only once the hub broadcasts
// it back, a deliberate round-trip cost. On failure the caller still holds
// the draft; on success the conversation is recorded as active.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.conv.State() != ConvConnected {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	bookingID := s.bookingID
	convID := s.convID
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	if err := conn.Invoke(ctx, MethodSendToBooking, bookingID, text); err != nil {
		return err
	}

	if s.registry != nil {
		if err := s.registry.Add(ctx, convID); err != nil {
			slog.Warn("chat session: recording active conversation failed", "error", err)
		}
	}
	return nil
}

// Unbind tears the current binding down: every event handler registered at
// bind time is removed, the reconciliation timer is stopped, and the
// connection this session owns is closed. Safe to call when unbound.
func (s *Session) Unbind() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	timer := s.timer
	s.timer = nil
	s.bookingID = 0
	s.convID = ""
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		for _, evt := range receiveEvents {
			conn.Off(evt)
		}
		conn.Close()
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
