package triplink

import (
	"context"
	"log/slog"
	"sync"
)

// ReceiptTracker marks inbound messages as read against the gateway. The
// scan covers every unread, non-self message carrying a server ID; it is
// safe to run on every message batch because already-read and in-flight
// messages are skipped, and failures never reach the render path — they
// are logged and retried on a later pass.
type ReceiptTracker struct {
	api *APIClient

	mu       sync.Mutex
	inflight map[string]bool
}

// NewReceiptTracker wraps a gateway client.
func NewReceiptTracker(api *APIClient) *ReceiptTracker {
	return &ReceiptTracker{
		api:      api,
		inflight: make(map[string]bool),
	}
}

// Mark issues one mark-as-read call per eligible message and flips the
// local flag for that message only on success.
func (t *ReceiptTracker) Mark(ctx context.Context, conv *Conversation) {
	for _, m := range conv.unread() {
		if !t.claim(m.ID) {
			continue
		}

		if err := t.api.MarkAsRead(ctx, m.ID); err != nil {
			t.release(m.ID)
			slog.Warn("read receipt failed", "error", &ReadReceiptError{MessageID: m.ID, Err: err})
			continue
		}
		conv.setRead(m.ID)
		t.release(m.ID)
	}
}

// claim reserves a message ID; false when another pass already holds it.
func (t *ReceiptTracker) claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[id] {
		return false
	}
	t.inflight[id] = true
	return true
}

func (t *ReceiptTracker) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
}
