package triplink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TripLink/triplink-chat-sdk/localstore"
)

// Registry is the durable set of conversations the user has engaged. It
// seeds the conversation list across sessions, independent of any live hub
// connection. Entries are appended when the user sends into a room; the
// core never evicts — ids whose booking has since been deleted are simply
// skipped at resolution time.
type Registry struct {
	store *localstore.Store
}

// NewRegistry wraps a local store.
func NewRegistry(store *localstore.Store) *Registry {
	return &Registry{store: store}
}

// Add unions a conversation ID into the persisted set. Idempotent; the
// durable value is re-read inside the transaction so concurrent adds from
// different controllers merge instead of overwriting each other.
func (r *Registry) Add(ctx context.Context, conversationID string) error {
	return r.store.Update(ctx, localstore.KeyActiveChats, func(cur string, ok bool) (string, error) {
		var ids []string
		if ok && cur != "" {
			if err := json.Unmarshal([]byte(cur), &ids); err != nil {
				// A mangled blob is replaced rather than crashed on.
				ids = nil
			}
		}
		for _, id := range ids {
			if id == conversationID {
				return cur, nil
			}
		}
		ids = append(ids, conversationID)
		next, err := json.Marshal(ids)
		if err != nil {
			return "", fmt.Errorf("encode active chats: %w", err)
		}
		return string(next), nil
	})
}

// List returns the current durable contents. Order carries no meaning
// beyond insertion order.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	cur, ok, err := r.store.Get(ctx, localstore.KeyActiveChats)
	if err != nil {
		return nil, err
	}
	if !ok || cur == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(cur), &ids); err != nil {
		return nil, fmt.Errorf("decode active chats: %w", err)
	}
	return ids, nil
}
