package transport

import (
	"sync"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/identity"
)

// DefaultPathTTL is how long a learned path survives without a
// refreshing announce before lazy expiry drops it.
const DefaultPathTTL = 30 * time.Minute

// PathEntry is a single destination_hash -> next hop record (§3, §4.5).
type PathEntry struct {
	NextHopInterface iface.Interface
	NextHopIdentity  *identity.Hash
	Hops             uint8
	Timestamp        int64
	expiry           time.Time
}

// PathTable is the destination-hash-keyed next-hop table. Entries are
// preferred by strictly fewer hops, then newer timestamp, then left
// untouched on a full tie (§4.5, invariant 7). Expiry is lazy: checked
// only on Lookup (and HasPath, which calls it), never by a background
// timer.
type PathTable struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[destination.Hash]*PathEntry
}

// NewPathTable creates an empty table with the given TTL (DefaultPathTTL
// if ttl <= 0).
func NewPathTable(ttl time.Duration) *PathTable {
	if ttl <= 0 {
		ttl = DefaultPathTTL
	}
	return &PathTable{ttl: ttl, m: make(map[destination.Hash]*PathEntry)}
}

// Update inserts or improves the path for destHash. It reports whether
// the table changed.
func (t *PathTable) Update(destHash destination.Hash, entry PathEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.expiry = now.Add(t.ttl)

	existing, ok := t.m[destHash]
	if !ok {
		cp := entry
		t.m[destHash] = &cp
		return true
	}
	if entry.Hops < existing.Hops {
		*existing = entry
		return true
	}
	if entry.Hops == existing.Hops && entry.Timestamp > existing.Timestamp {
		*existing = entry
		return true
	}
	return false
}

// Lookup returns the current path for destHash, if any and not
// expired; an expired entry is dropped on access.
func (t *PathTable) Lookup(destHash destination.Hash, now time.Time) (PathEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.m[destHash]
	if !ok {
		return PathEntry{}, false
	}
	if now.After(entry.expiry) {
		delete(t.m, destHash)
		return PathEntry{}, false
	}
	return *entry, true
}

// HasPath reports whether a non-expired path is known for destHash.
func (t *PathTable) HasPath(destHash destination.Hash, now time.Time) bool {
	_, ok := t.Lookup(destHash, now)
	return ok
}

// Remove drops the path learned for a destination, e.g. on an explicit
// teardown.
func (t *PathTable) Remove(destHash destination.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, destHash)
}

// Len reports the current table size without pruning expired entries.
func (t *PathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
