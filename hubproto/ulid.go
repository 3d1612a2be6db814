package hubproto

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// ULIDGen generates monotonic, lexically sortable string IDs (hex-encoded,
// 16 bytes of state). Thread-safe via mutex. Entropy from crypto/rand.
// Used for locally generated identifiers (notifications) where creation
// order must be recoverable from the ID alone.
type ULIDGen struct {
	mu   sync.Mutex
	last [16]byte
}

// NewULIDGen creates a new ULID generator.
func NewULIDGen() *ULIDGen {
	return &ULIDGen{}
}

// Next returns a new monotonic ID as a 32-char lowercase hex string.
//
// State layout:
//
//	[0-5]   48-bit Unix millisecond timestamp (big-endian)
//	[6-15]  80-bit random, monotonically incrementing within same ms
func (g *ULIDGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixMilli())

	var id [16]byte
	id[0] = byte(now >> 40)
	id[1] = byte(now >> 32)
	id[2] = byte(now >> 24)
	id[3] = byte(now >> 16)
	id[4] = byte(now >> 8)
	id[5] = byte(now)

	// Same millisecond as last — increment the random part instead of
	// drawing fresh bytes, so IDs stay strictly increasing.
	sameMs := id[0] == g.last[0] && id[1] == g.last[1] && id[2] == g.last[2] &&
		id[3] == g.last[3] && id[4] == g.last[4] && id[5] == g.last[5]

	if sameMs {
		copy(id[6:], g.last[6:])
		for i := 15; i >= 6; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	} else {
		rand.Read(id[6:])
	}

	g.last = id
	return hex.EncodeToString(id[:])
}

// Timestamp extracts the millisecond timestamp from an ID produced by Next.
// Returns the zero time for malformed input.
func Timestamp(id string) time.Time {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 16 {
		return time.Time{}
	}
	ms := uint64(raw[0])<<40 | uint64(raw[1])<<32 | uint64(raw[2])<<24 |
		uint64(raw[3])<<16 | uint64(raw[4])<<8 | uint64(raw[5])
	return time.UnixMilli(int64(ms))
}
