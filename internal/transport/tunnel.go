package transport

import (
	"sync"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
)

// Tunnel binds paths learned on a wants_tunnel interface to the
// remote identity that announced them, so the paths survive that
// interface reconnecting under a new handle (§4.5).
type Tunnel struct {
	RemoteIdentity identity.Hash
	paths          map[destination.Hash]PathEntry
}

// TunnelTable indexes tunnels by the remote identity they're bound to.
type TunnelTable struct {
	mu sync.Mutex
	m  map[identity.Hash]*Tunnel
}

// NewTunnelTable creates an empty tunnel table.
func NewTunnelTable() *TunnelTable {
	return &TunnelTable{m: make(map[identity.Hash]*Tunnel)}
}

// Synthesize returns the tunnel for remoteID, creating it if absent.
func (t *TunnelTable) Synthesize(remoteID identity.Hash) *Tunnel {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.m[remoteID]
	if !ok {
		tn = &Tunnel{RemoteIdentity: remoteID, paths: make(map[destination.Hash]PathEntry)}
		t.m[remoteID] = tn
	}
	return tn
}

// StorePath records a path learned under this tunnel.
func (t *TunnelTable) StorePath(remoteID identity.Hash, destHash destination.Hash, entry PathEntry) {
	tn := t.Synthesize(remoteID)
	t.mu.Lock()
	defer t.mu.Unlock()
	tn.paths[destHash] = entry
}

// RestorePaths returns the paths previously learned under remoteID's
// tunnel, e.g. after its interface reconnects under a new handle.
func (t *TunnelTable) RestorePaths(remoteID identity.Hash) map[destination.Hash]PathEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.m[remoteID]
	if !ok {
		return nil
	}
	out := make(map[destination.Hash]PathEntry, len(tn.paths))
	for k, v := range tn.paths {
		out[k] = v
	}
	return out
}
