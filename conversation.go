package triplink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TripLink/triplink-chat-sdk/hubproto"
)

// ConvState is the per-binding lifecycle of a conversation.
type ConvState int

const (
	ConvIdle ConvState = iota
	ConvConnecting
	ConvConnected
	ConvDisconnected
)

func (s ConvState) String() string {
	switch s {
	case ConvIdle:
		return "idle"
	case ConvConnecting:
		return "connecting"
	case ConvConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conversation normalizes inbound hub events into an ordered message list
// for exactly one conversation binding. Messages append in arrival order —
// that order is the display order, with no re-sorting by timestamp.
// Rebinding discards the list wholesale and starts a fresh connecting
// state; a generation counter guards against stale async work from a
// previous binding landing on the new one.
type Conversation struct {
	mu     sync.Mutex
	selfID string

	id    string
	gen   uint64
	state ConvState
	msgs  []Message
	dedup *hubproto.DedupWindow
}

// NewConversation creates an unbound conversation for the given local user.
// The user identity decides the fromSelf flag on every normalized message.
func NewConversation(selfID string) *Conversation {
	return &Conversation{
		selfID: selfID,
		state:  ConvIdle,
		dedup:  hubproto.NewDedupWindow(),
	}
}

// Bind points the conversation at a new conversation ID, discarding all
// prior in-memory messages, and returns the new binding generation.
func (c *Conversation) Bind(conversationID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = conversationID
	c.gen++
	c.state = ConvConnecting
	c.msgs = nil
	c.dedup.Reset()
	return c.gen
}

// ID returns the bound conversation ID, empty when idle.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Generation returns the current binding generation.
func (c *Conversation) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// State returns the per-binding lifecycle state.
func (c *Conversation) State() ConvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the lifecycle state for the current binding.
func (c *Conversation) SetState(s ConvState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Len returns the number of messages in the current binding.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Messages returns a snapshot of the message list in arrival order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// ReplaceHistory replaces the entire list with the normalized mapping of
// the given records. A no-op when gen is not the current binding, so a
// stale reconciliation fetch resolving after a rebind is discarded.
func (c *Conversation) ReplaceHistory(gen uint64, records []ChatRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		if m, ok := c.normalizeRecord(rec); ok {
			msgs = append(msgs, m)
		}
	}
	c.msgs = msgs
	c.dedup.Reset()
	for _, m := range msgs {
		c.dedup.IsDuplicate(m.ID)
	}
}

// ApplyEvent normalizes one inbound hub event into at most one appended
// message. Join/leave membership events are recognized and ignored — they
// are not chat content. History events replace the list wholesale.
func (c *Conversation) ApplyEvent(event string, args []json.RawMessage) {
	switch event {
	case EventUserJoinedBooking, EventUserLeftBooking:
		return

	case EventReceiveChatHistory:
		if len(args) == 0 {
			return
		}
		var records []ChatRecord
		if err := json.Unmarshal(args[0], &records); err != nil {
			return
		}
		c.ReplaceHistory(c.Generation(), records)
		return

	case EventReceiveBookingMessage:
		c.applyBookingMessage(args)

	default:
		// ReceivePrivateMessage, ReceiveMessage: best-effort extraction
		// from a generic payload.
		c.applyGeneric(args)
	}
}

// applyBookingMessage handles the two shapes ReceiveBookingMessage arrives
// in: a full persisted record, or the legacy bare (senderId, text) pair.
func (c *Conversation) applyBookingMessage(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}

	var rec ChatRecord
	if err := json.Unmarshal(args[0], &rec); err == nil && rec.MessageText != "" {
		c.mu.Lock()
		if m, ok := c.normalizeRecord(rec); ok {
			c.append(m)
		}
		c.mu.Unlock()
		return
	}

	// Legacy pair: args[0] = sender id, args[1] = text.
	var sender FlexString
	if err := json.Unmarshal(args[0], &sender); err != nil {
		return
	}
	var text string
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &text); err != nil {
			return
		}
	}

	c.mu.Lock()
	c.append(Message{
		Text:     text,
		SenderID: string(sender),
		SentAt:   time.Now(),
		FromSelf: string(sender) == c.selfID,
	})
	c.mu.Unlock()
}

// applyGeneric extracts a message from an arbitrary payload, trying the
// known body fields in priority order: messageText, message, content,
// text; and the sender fields senderId, userId, fromUserId. The second
// positional argument is the last-resort body; the first, the last-resort
// sender.
func (c *Conversation) applyGeneric(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}

	var payload map[string]json.RawMessage
	objErr := json.Unmarshal(args[0], &payload)

	text := ""
	if objErr == nil {
		for _, field := range []string{"messageText", "message", "content", "text"} {
			if raw, ok := payload[field]; ok {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil && s != "" {
					text = s
					break
				}
			}
		}
	}
	if text == "" && len(args) > 1 {
		// Non-string second arguments are dropped with the message.
		_ = json.Unmarshal(args[1], &text)
	}

	sender := ""
	if objErr == nil {
		for _, field := range []string{"senderId", "userId", "fromUserId"} {
			if raw, ok := payload[field]; ok {
				var f FlexString
				if err := json.Unmarshal(raw, &f); err == nil && f != "" {
					sender = string(f)
					break
				}
			}
		}
	}
	if sender == "" && objErr != nil {
		var f FlexString
		if err := json.Unmarshal(args[0], &f); err == nil {
			sender = string(f)
		}
	}

	id := ""
	sentAt := time.Now()
	read := false
	if objErr == nil {
		if raw, ok := payload["messageId"]; ok {
			var f FlexString
			if err := json.Unmarshal(raw, &f); err == nil {
				id = string(f)
			}
		}
		if raw, ok := payload["timestamp"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				sentAt = parseTimestamp(s)
			}
		}
		if raw, ok := payload["isRead"]; ok {
			_ = json.Unmarshal(raw, &read)
		}
	}

	c.mu.Lock()
	c.append(Message{
		ID:       id,
		Text:     text,
		SenderID: sender,
		SentAt:   sentAt,
		Read:     read,
		FromSelf: sender == c.selfID,
	})
	c.mu.Unlock()
}

// normalizeRecord maps a persisted record to a Message. ok is false for
// records with an empty body. Caller holds c.mu.
func (c *Conversation) normalizeRecord(rec ChatRecord) (Message, bool) {
	if rec.MessageText == "" {
		return Message{}, false
	}
	m := Message{
		ID:       string(rec.MessageID),
		Text:     rec.MessageText,
		SenderID: string(rec.SenderID),
		SentAt:   parseTimestamp(rec.Timestamp),
		Read:     rec.IsRead,
		FromSelf: string(rec.SenderID) == c.selfID,
	}
	m.Key = m.ID
	if m.Key == "" {
		m.Key = placeholderKey()
	}
	return m, true
}

// append adds a message at the tail. Empty bodies and redeliveries of an
// already-seen server ID are discarded. Caller holds c.mu.
func (c *Conversation) append(m Message) {
	if m.Text == "" {
		return
	}
	if c.dedup.IsDuplicate(m.ID) {
		return
	}
	if m.Key == "" {
		m.Key = m.ID
		if m.Key == "" {
			m.Key = placeholderKey()
		}
	}
	c.msgs = append(c.msgs, m)
}

// setRead flips the read flag of the single message with the given server
// ID. Never a blanket mark-all.
func (c *Conversation) setRead(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.msgs {
		if c.msgs[i].ID == messageID {
			c.msgs[i].Read = true
			return
		}
	}
}

// unread returns the messages eligible for read-receipt marking: inbound,
// unread, and carrying a server-assigned identifier.
func (c *Conversation) unread() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if !m.FromSelf && !m.Read && m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// placeholderKey generates a "<unix-ms>-<random>" list key for messages
// the server never assigned an ID. Purely local; never sent to the server.
func placeholderKey() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
