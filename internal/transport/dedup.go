package transport

import (
	"sync"
	"time"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/packet"
)

// DefaultDedupWindow bounds how long a packet's dedup key is
// remembered (§4.5, invariant 9).
const DefaultDedupWindow = 2 * time.Minute

// DedupCache suppresses re-processing of an identical raw packet
// (hop byte excluded) seen within the window.
type DedupCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[[32]byte]time.Time
}

// NewDedupCache creates a cache with the given window (DefaultDedupWindow
// if window <= 0).
func NewDedupCache(window time.Duration) *DedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &DedupCache{window: window, seen: make(map[[32]byte]time.Time)}
}

func dedupKey(raw []byte) [32]byte {
	digest := crypto.SHA256(packet.RawWithoutHops(raw))
	var key [32]byte
	copy(key[:], digest)
	return key
}

// Seen reports whether raw's dedup key was already recorded within the
// window; if not, it records it now.
func (c *DedupCache) Seen(raw []byte, now time.Time) bool {
	key := dedupKey(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.seen[key]; ok && now.Sub(ts) < c.window {
		return true
	}
	c.seen[key] = now
	return false
}

// Sweep drops entries older than the window, bounding cache growth.
func (c *DedupCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.window {
			delete(c.seen, k)
		}
	}
}
