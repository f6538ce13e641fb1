package identity

import "sync"

// recallTable is the process-wide table of Identities learned from
// received announces, shared by reference across the dispatcher,
// individual Link tasks, and user callbacks (§9: "shared-by-reference
// graphs ... model as handles into a process-wide table keyed by
// hash"). Lifetime of a recalled Identity is the longest holder; the
// table itself never evicts, mirroring Reticulum's recall semantics.
var recallTable = struct {
	mu sync.RWMutex
	m  map[Hash]*Identity
}{m: make(map[Hash]*Identity)}

// Remember stores id in the recall table, keyed by its hash. Identities
// already known for that hash are not replaced (first writer wins) so
// that existing holders keep seeing a stable pointer.
func Remember(id *Identity) *Identity {
	recallTable.mu.Lock()
	defer recallTable.mu.Unlock()
	if existing, ok := recallTable.m[id.hash]; ok {
		return existing
	}
	recallTable.m[id.hash] = id
	return id
}

// Recall looks up a previously-announced Identity by hash.
func Recall(h Hash) (*Identity, bool) {
	recallTable.mu.RLock()
	defer recallTable.mu.RUnlock()
	id, ok := recallTable.m[h]
	return id, ok
}

// Known reports whether an Identity with this hash has been recalled.
func Known(h Hash) bool {
	_, ok := Recall(h)
	return ok
}
