package triplink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/TripLink/triplink-chat-sdk/hubproto"
)

const notificationTTL = 10 * time.Second

// NotificationBus is the account-wide subscriber on the chat hub. It owns
// its own connection keyed to the authenticated user, listens for booking
// status changes and materializes them as time-boxed toast notifications,
// most recent first. Its lifecycle is independent of any open chat: it
// lives as long as a user is logged in.
type NotificationBus struct {
	hubURL string
	token  TokenProvider
	userID string

	mu     sync.Mutex
	conn   *Conn
	notifs []Notification
	timers map[string]*time.Timer
	closed bool

	gen *hubproto.ULIDGen
	ttl time.Duration
}

// NewNotificationBus builds a bus for the given user. The user identity
// and credential provider are injected here rather than read from ambient
// state; an empty userID means no connection will be attempted.
func NewNotificationBus(hubURL string, token TokenProvider, userID string) *NotificationBus {
	return &NotificationBus{
		hubURL: hubURL,
		token:  token,
		userID: userID,
		timers: make(map[string]*time.Timer),
		gen:    hubproto.NewULIDGen(),
		ttl:    notificationTTL,
	}
}

// Start connects to the hub and registers the user. A no-op when there is
// no authenticated user. The Register call is best-effort and re-issued on
// every reconnect.
func (b *NotificationBus) Start(ctx context.Context) error {
	if b.userID == "" {
		return nil
	}

	conn, err := Dial(ctx, Options{
		HubURL:    b.hubURL,
		Token:     b.token,
		Reconnect: true,
	})
	if err != nil {
		return err
	}

	conn.On(EventBookingStatusChanged, b.handleStatusChanged)
	// The callback captures conn directly: a reconnect can fire before the
	// connection is published on the bus.
	conn.OnReconnected(func() { b.register(context.Background(), conn) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Off(EventBookingStatusChanged)
		conn.Close()
		return nil
	}
	b.conn = conn
	b.mu.Unlock()

	b.register(ctx, conn)
	return nil
}

func (b *NotificationBus) register(ctx context.Context, conn *Conn) {
	if err := conn.Invoke(ctx, MethodRegister, b.userID); err != nil {
		slog.Warn("notification bus: register failed", "error", err)
	}
}

// handleStatusChanged materializes one status-change event as a toast and
// schedules its expiry.
func (b *NotificationBus) handleStatusChanged(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var change StatusChange
	if err := json.Unmarshal(args[0], &change); err != nil {
		slog.Warn("notification bus: bad status payload", "error", err)
		return
	}

	n := Notification{
		ID:        b.gen.Next(),
		Severity:  SeverityError,
		Title:     "Booking Rejected",
		Message:   change.Message,
		BookingID: change.BookingID,
		TripID:    change.TripID,
		Timestamp: parseTimestamp(change.Timestamp),
	}
	if change.Status == StatusConfirmed {
		n.Severity = SeveritySuccess
		n.Title = "Booking Approved!"
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.notifs = append([]Notification{n}, b.notifs...)
	b.timers[n.ID] = time.AfterFunc(b.ttl, func() { b.remove(n.ID) })
	b.mu.Unlock()
}

// Dismiss removes a notification before its expiry and cancels the pending
// auto-removal. Dismissing an unknown or already-removed ID is a no-op.
func (b *NotificationBus) Dismiss(id string) {
	b.remove(id)
}

// remove is the single removal path for both expiry and dismissal; both
// are idempotent and cancel the timer so a disposed toast is never acted
// on twice.
func (b *NotificationBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	for i, n := range b.notifs {
		if n.ID == id {
			b.notifs = append(b.notifs[:i], b.notifs[i+1:]...)
			return
		}
	}
}

// Notifications returns a snapshot, most recent first.
func (b *NotificationBus) Notifications() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.notifs))
	copy(out, b.notifs)
	return out
}

// Connected reports whether the bus has a live hub connection, for the
// app's live indicator.
func (b *NotificationBus) Connected() bool {
	return b.State() == StateConnected
}

// State exposes the underlying channel state.
func (b *NotificationBus) State() ConnState {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// Close tears the bus down: on logout or component teardown, whichever
// comes first. All pending expiry timers are cancelled so none fires on a
// disposed bus. Idempotent.
func (b *NotificationBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.notifs = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Off(EventBookingStatusChanged)
		return conn.Close()
	}
	return nil
}
