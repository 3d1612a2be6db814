package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triplink.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSetGetDelete(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, KeyToken); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, KeyToken, "jwt-abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, KeyToken, "jwt-def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	v, ok, err := s.Get(ctx, KeyToken)
	if err != nil || !ok || v != "jwt-def" {
		t.Fatalf("get: got %q ok=%v err=%v", v, ok, err)
	}

	if err := s.Delete(ctx, KeyToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, KeyToken); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if _, ok, _ := s.Get(ctx, KeyToken); ok {
		t.Fatal("key survived delete")
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "triplink.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyActiveChats, `["booking-1"]`); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	v, ok, err := s.Get(ctx, KeyActiveChats)
	if err != nil || !ok || v != `["booking-1"]` {
		t.Fatalf("value not durable: got %q ok=%v err=%v", v, ok, err)
	}
}

func TestTakeIsSingleUse(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyPreSelectChat, `{"type":"driver","bookingId":7}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, ok, err := s.Take(ctx, KeyPreSelectChat)
	if err != nil || !ok {
		t.Fatalf("take: ok=%v err=%v", ok, err)
	}
	if v != `{"type":"driver","bookingId":7}` {
		t.Errorf("take value: got %q", v)
	}

	if _, ok, _ := s.Take(ctx, KeyPreSelectChat); ok {
		t.Error("second take should find nothing")
	}
}

func TestUpdateMergesConcurrentAppends(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Update(ctx, KeyActiveChats, func(cur string, ok bool) (string, error) {
				if !ok {
					cur = ""
				}
				return cur + fmt.Sprintf("|%d", i), nil
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, KeyActiveChats)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	for i := 0; i < writers; i++ {
		want := fmt.Sprintf("|%d", i)
		found := false
		for j := 0; j+len(want) <= len(v); j++ {
			if v[j:j+len(want)] == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("write %d lost: value %q", i, v)
		}
	}
}
