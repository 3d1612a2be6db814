// Package triplink provides a Go client for the TripLink ride-share
// messaging layer. It connects to the chat hub over WebSocket, maintains
// per-booking conversations with a REST history fallback, tracks read
// receipts, and surfaces booking status changes as toast notifications.
package triplink

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Server-to-client events the hub delivers.
const (
	EventReceiveBookingMessage = "ReceiveBookingMessage"
	EventReceivePrivateMessage = "ReceivePrivateMessage"
	EventReceiveMessage        = "ReceiveMessage"
	EventReceiveChatHistory    = "ReceiveChatHistory"
	EventUserJoinedBooking     = "UserJoinedBooking"
	EventUserLeftBooking       = "UserLeftBooking"
	EventBookingStatusChanged  = "BookingStatusChanged"
)

// Client-to-server remote calls.
const (
	MethodRegister        = "Register"
	MethodJoinBookingRoom = "JoinBookingRoom"
	MethodSendToBooking   = "SendMessageToBooking"
)

// StatusConfirmed is the approved sentinel for booking status changes.
// Any other status materializes as an error-severity notification.
const StatusConfirmed = "Confirmed"

// FlexString is a string that also accepts JSON numbers, so identifier
// fields can carry both "123" and 123 on the wire.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// ChatRecord is a persisted chat message as the hub and the REST gateway
// serialize it.
type ChatRecord struct {
	MessageID   FlexString `json:"messageId"`
	SenderID    FlexString `json:"senderId"`
	MessageText string     `json:"messageText"`
	Timestamp   string     `json:"timestamp"`
	IsRead      bool       `json:"isRead"`
}

// Message is one chat message as held in conversation state. Messages are
// only ever appended in arrival order and mutated in place (read flag);
// they are never re-sorted by timestamp.
type Message struct {
	// ID is the server-assigned identifier. Empty for legacy payloads that
	// never carried one; such messages are never marked as read upstream.
	ID string
	// Key is a stable list key: ID when present, otherwise a locally
	// generated "<unix-ms>-<random>" placeholder that is never sent to
	// the server.
	Key      string
	Text     string
	SenderID string
	SentAt   time.Time
	Read     bool
	FromSelf bool
}

// StatusChange is the payload of a BookingStatusChanged event.
type StatusChange struct {
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	BookingID int64      `json:"bookingId"`
	TripID    int64      `json:"tripId"`
	Timestamp string     `json:"timestamp"`
	UserID    FlexString `json:"userId"`
}

// Severity classifies a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notification is a time-boxed toast materialized from a status change.
type Notification struct {
	ID        string
	Severity  Severity
	Title     string
	Message   string
	BookingID int64
	TripID    int64
	Timestamp time.Time
}

// Booking is the subset of a booking record the messaging layer carries.
// Seat counts, pricing and the rest of the booking business data stay with
// the REST gateway.
type Booking struct {
	BookingID     int64      `json:"bookingId"`
	TripID        int64      `json:"tripId"`
	PassengerID   FlexString `json:"passengerId"`
	PassengerName string     `json:"passengerName"`
	Status        string     `json:"status"`
}

// Trip is the subset of a trip record needed to resolve conversations.
type Trip struct {
	TripID        int64      `json:"tripId"`
	OwnerID       FlexString `json:"ownerId"`
	StartLocation string     `json:"startLocation"`
	EndLocation   string     `json:"endLocation"`
}

// UserProfile is the subset of a user record needed for thread display.
type UserProfile struct {
	UserID   FlexString `json:"userId"`
	FullName string     `json:"fullName"`
	Name     string     `json:"name"`
}

// Conversation ID formation. Two namespaces exist: "booking-<id>" when the
// viewer is the passenger, "trip-<id>" when the viewer owns the trip. Both
// embed the booking ID; the namespaces never collide and the IDs are
// otherwise opaque strings.

// BookingConversationID forms the passenger-side conversation ID.
func BookingConversationID(bookingID int64) string {
	return "booking-" + strconv.FormatInt(bookingID, 10)
}

// TripConversationID forms the trip-owner-side conversation ID.
func TripConversationID(bookingID int64) string {
	return "trip-" + strconv.FormatInt(bookingID, 10)
}

// SplitConversationID strips a known prefix and returns the kind
// ("booking" or "trip") and the embedded booking ID. ok is false for
// anything outside the two namespaces.
func SplitConversationID(id string) (kind string, bookingID int64, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(id, "booking-"):
		kind, rest = "booking", strings.TrimPrefix(id, "booking-")
	case strings.HasPrefix(id, "trip-"):
		kind, rest = "trip", strings.TrimPrefix(id, "trip-")
	default:
		return "", 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return kind, n, true
}

// parseTimestamp parses an ISO timestamp, falling back to now when the
// server omits or mangles it.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}
