package triplink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/TripLink/triplink-chat-sdk/localstore"
)

// Thread is one entry on the conversation list screen: a resolved booking
// plus which side of it the viewer sits on.
type Thread struct {
	Booking        Booking
	ConversationID string
	// AsTripOwner is true when the viewer owns the trip and is chatting
	// with a passenger; false when the viewer is the passenger chatting
	// with the trip owner.
	AsTripOwner bool
	// Trip carries the resolved trip record when one was fetched along
	// the way; nil otherwise.
	Trip *Trip
}

// PreSelect describes a conversation to open immediately on the next load
// of the chat screen. It is a single-use handoff: reading it deletes it.
type PreSelect struct {
	// Type is "driver" when the viewer is the passenger (booking-* room)
	// and "passenger" when the viewer owns the trip (trip-* room).
	Type      string `json:"type"`
	BookingID int64  `json:"bookingId"`
	TripID    int64  `json:"tripId"`
}

// SetPreSelect stores the handoff for the next chat-screen load.
func SetPreSelect(ctx context.Context, store *localstore.Store, p PreSelect) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return store.Set(ctx, localstore.KeyPreSelectChat, string(data))
}

// TakePreSelect reads and deletes the handoff. Nil when none was stored.
func TakePreSelect(ctx context.Context, store *localstore.Store) (*PreSelect, error) {
	raw, ok, err := store.Take(ctx, localstore.KeyPreSelectChat)
	if err != nil || !ok {
		return nil, err
	}
	var p PreSelect
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ThreadLoader seeds the conversation list: the pre-select handoff first,
// then every registered active conversation, each resolved against the
// gateway. Registry entries whose booking or trip has since been deleted
// server-side are skipped, never fatal.
type ThreadLoader struct {
	API      *APIClient
	Store    *localstore.Store
	Registry *Registry
}

// Load resolves the thread list. preselected points into the returned
// slice when a pre-select handoff was pending, nil otherwise.
func (l *ThreadLoader) Load(ctx context.Context) (threads []Thread, preselected *Thread, err error) {
	seen := make(map[string]bool)

	pre, err := TakePreSelect(ctx, l.Store)
	if err != nil {
		slog.Warn("threads: reading pre-select failed", "error", err)
		pre = nil
	}

	var bookings []Booking
	if bookings, err = l.API.MyBookings(ctx); err != nil {
		return nil, nil, err
	}
	myTrips, err := l.API.MyTrips(ctx)
	if err != nil {
		slog.Warn("threads: listing my trips failed", "error", err)
		myTrips = nil
	}

	preselectedIdx := -1
	if pre != nil {
		if t, ok := l.resolvePreSelect(ctx, *pre, bookings); ok {
			seen[t.ConversationID] = true
			threads = append(threads, t)
			preselectedIdx = 0
		}
	}

	ids, err := l.Registry.List(ctx)
	if err != nil {
		slog.Warn("threads: reading registry failed", "error", err)
		ids = nil
	}

	for _, convID := range ids {
		if seen[convID] {
			continue
		}
		kind, bookingID, ok := SplitConversationID(convID)
		if !ok {
			continue
		}

		switch kind {
		case "booking":
			if b, ok := findBooking(bookings, bookingID); ok {
				seen[convID] = true
				threads = append(threads, Thread{
					Booking:        b,
					ConversationID: convID,
				})
			}

		case "trip":
			// The registry only stores the booking ID; walk the user's
			// trips until the booking shows up under one of them.
			for i := range myTrips {
				trip := myTrips[i]
				tripBookings, err := l.API.TripBookings(ctx, trip.TripID)
				if err != nil {
					slog.Warn("threads: listing trip bookings failed",
						"tripId", trip.TripID, "error", err)
					continue
				}
				if b, ok := findBooking(tripBookings, bookingID); ok {
					seen[convID] = true
					threads = append(threads, Thread{
						Booking:        b,
						ConversationID: convID,
						AsTripOwner:    true,
						Trip:           &trip,
					})
					break
				}
			}
		}
	}

	if preselectedIdx >= 0 {
		preselected = &threads[preselectedIdx]
	}
	return threads, preselected, nil
}

func (l *ThreadLoader) resolvePreSelect(ctx context.Context, pre PreSelect, bookings []Booking) (Thread, bool) {
	switch pre.Type {
	case "driver":
		if b, ok := findBooking(bookings, pre.BookingID); ok {
			return Thread{
				Booking:        b,
				ConversationID: BookingConversationID(pre.BookingID),
			}, true
		}

	case "passenger":
		tripBookings, err := l.API.TripBookings(ctx, pre.TripID)
		if err != nil {
			slog.Warn("threads: resolving pre-select failed", "error", err)
			return Thread{}, false
		}
		if b, ok := findBooking(tripBookings, pre.BookingID); ok {
			return Thread{
				Booking:        b,
				ConversationID: TripConversationID(pre.BookingID),
				AsTripOwner:    true,
			}, true
		}
	}
	return Thread{}, false
}

func findBooking(bookings []Booking, bookingID int64) (Booking, bool) {
	for _, b := range bookings {
		if b.BookingID == bookingID {
			return b, true
		}
	}
	return Booking{}, false
}
