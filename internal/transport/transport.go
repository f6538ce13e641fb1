// Package transport implements the central packet dispatcher: inbound
// demultiplexing, the path table, dedup cache, announce queue, IFAC
// masking, and outbound interface selection (§4.5).
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/packet"
)

// AnnounceHandler is invoked once an announce has validated and the
// path table updated.
type AnnounceHandler func(info *destination.AnnounceInfo, p *packet.Packet, from iface.Interface)

// DataHandler is invoked with the decrypted payload of a DATA packet
// addressed to a locally registered IN destination.
type DataHandler func(dest *destination.Destination, plaintext []byte, p *packet.Packet)

// LinkPacketHandler is invoked for LINKREQUEST and PROOF packets; the
// link package registers these once it owns a Link's lifecycle.
type LinkPacketHandler func(p *packet.Packet, from iface.Interface)

// Transport is the single logical dispatcher: it owns the path table,
// dedup cache, announce queue, and registered interfaces/destinations.
// All mutation of those structures is serialised through it, per §5's
// single-lock-domain requirement.
type Transport struct {
	log *slog.Logger

	enableTransport bool
	identity        *identity.Identity

	interfaces *iface.Registry
	paths      *PathTable
	dedup      *DedupCache
	announces  *AnnounceQueue
	tunnels    *TunnelTable

	mu           sync.RWMutex
	destinations map[destination.Hash]*destination.Destination

	announceHandlersMu sync.RWMutex
	announceHandlers   []AnnounceHandler
	dataHandler        DataHandler
	linkRequestHandler LinkPacketHandler
	proofHandler       LinkPacketHandler
	linkDataHandler    LinkPacketHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Transport bound to a local identity (used as
// transport_id when forwarding announces).
func New(id *identity.Identity, enableTransport bool, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:             log.With("component", "transport"),
		enableTransport: enableTransport,
		identity:        id,
		interfaces:      iface.NewRegistry(),
		paths:           NewPathTable(0),
		dedup:           NewDedupCache(0),
		announces:       NewAnnounceQueue(),
		tunnels:         NewTunnelTable(),
		destinations:    make(map[destination.Hash]*destination.Destination),
	}
}

// Start launches the background sweep task that lazily ages out dedup
// entries. Path table expiry is checked on access and needs no timer.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.sweepLoop(ctx)
}

// Stop cancels the background sweep task and waits for it to exit.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Transport) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.dedup.Sweep(now)
		}
	}
}

// RegisterInterface adds ifc to the set Transport may dispatch
// through, and wires its inbound callback to Transport.Inbound.
func (t *Transport) RegisterInterface(ifc iface.Interface) {
	t.interfaces.Register(ifc)
	ifc.SetPacketHandler(func(raw []byte, from iface.Interface) {
		t.Inbound(raw, from)
	})
	if ifc.WantsTunnel() {
		t.log.Debug("interface wants tunnel", "name", ifc.Name())
	}
}

// RegisterDestination makes dest reachable for inbound DATA packets
// addressed to its hash. Only IN destinations should be registered.
func (t *Transport) RegisterDestination(dest *destination.Destination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destinations[dest.Hash] = dest
}

// RegisterAnnounceHandler appends h to the set of callbacks invoked
// after an announce validates.
func (t *Transport) RegisterAnnounceHandler(h AnnounceHandler) {
	t.announceHandlersMu.Lock()
	defer t.announceHandlersMu.Unlock()
	t.announceHandlers = append(t.announceHandlers, h)
}

// RegisterDataHandler sets the callback for DATA packets addressed to
// a registered IN destination.
func (t *Transport) RegisterDataHandler(h DataHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataHandler = h
}

// RegisterLinkRequestHandler sets the callback for LINKREQUEST packets.
func (t *Transport) RegisterLinkRequestHandler(h LinkPacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkRequestHandler = h
}

// RegisterProofHandler sets the callback for PROOF packets.
func (t *Transport) RegisterProofHandler(h LinkPacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proofHandler = h
}

// RegisterLinkDataHandler sets the callback for DATA packets whose
// DestinationType is DestinationLink, i.e. traffic inside an
// established Link rather than addressed to an Identity destination.
func (t *Transport) RegisterLinkDataHandler(h LinkPacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkDataHandler = h
}

// HasPath reports whether a live path is known for destHash.
func (t *Transport) HasPath(destHash destination.Hash) bool {
	return t.paths.HasPath(destHash, time.Now())
}

// RequestPath emits a path request for destHash by broadcasting a
// REQUEST-context DATA packet with empty payload on every
// sendable interface; callers await a later announce/PATH_RESPONSE.
func (t *Transport) RequestPath(destHash destination.Hash) error {
	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationPlain,
			Type:            packet.TypeData,
			Context:         packet.ContextRequest,
		},
	}
	copy(p.Header.DestinationHash[:], destHash[:])
	return t.broadcast(p)
}

func (t *Transport) ifacKeyFor(ifc iface.Interface) ([]byte, bool) {
	if ifc.IFACNetName() == "" || len(ifc.IFACNetKey()) == 0 {
		return nil, false
	}
	key, err := DeriveIFACKey(ifc.IFACNetName(), ifc.IFACNetKey())
	if err != nil {
		t.log.Error("derive ifac key", "interface", ifc.Name(), "err", err)
		return nil, false
	}
	return key, true
}

// Inbound processes one raw frame received from an interface (§4.5's
// inbound path): IFAC unmask, decode, dedup, then type-specific
// handling.
func (t *Transport) Inbound(raw []byte, from iface.Interface) {
	if key, ok := t.ifacKeyFor(from); ok {
		unmasked, ok := UnmaskPacket(key, raw)
		if !ok {
			// IfacReject is silent by design (§7).
			return
		}
		raw = unmasked
	}

	p, err := packet.Decode(raw)
	if err != nil {
		// Decode errors are silently dropped at the wire boundary (§7).
		return
	}

	if t.dedup.Seen(raw, time.Now()) {
		return
	}

	switch p.Header.Type {
	case packet.TypeAnnounce:
		t.handleAnnounce(p, from)
	case packet.TypeData:
		if p.Header.DestinationType == packet.DestinationLink {
			t.mu.RLock()
			h := t.linkDataHandler
			t.mu.RUnlock()
			if h != nil {
				h(p, from)
			}
			return
		}
		t.handleData(p, from)
	case packet.TypeLinkRequest:
		t.mu.RLock()
		h := t.linkRequestHandler
		t.mu.RUnlock()
		if h != nil {
			h(p, from)
		}
	case packet.TypeProof:
		t.mu.RLock()
		h := t.proofHandler
		t.mu.RUnlock()
		if h != nil {
			h(p, from)
		}
	}
}

func (t *Transport) handleAnnounce(p *packet.Packet, from iface.Interface) {
	// Hop count increments exactly once, when admitting an announce
	// from an external interface (invariant 5).
	p.Header.Hops++

	info, err := destination.ValidateAnnounce(p)
	if err != nil {
		return
	}

	var destHash destination.Hash
	copy(destHash[:], info.DestinationHash[:])

	entry := PathEntry{
		NextHopInterface: from,
		Hops:             p.Header.Hops,
		Timestamp:        info.Timestamp,
	}
	if info.Identity != nil {
		h := info.Identity.Hash()
		entry.NextHopIdentity = &h
	}
	t.paths.Update(destHash, entry, time.Now())

	t.announceHandlersMu.RLock()
	handlers := append([]AnnounceHandler(nil), t.announceHandlers...)
	t.announceHandlersMu.RUnlock()
	for _, h := range handlers {
		h(info, p, from)
	}

	if t.enableTransport {
		t.forwardAnnounce(p)
	}
}

// forwardAnnounce re-emits a validated announce as HEADER_2/TRANSPORT
// carrying this node's identity as transport_id, preserving hop count
// (§4.4, §4.5.4).
func (t *Transport) forwardAnnounce(p *packet.Packet) {
	if t.identity == nil {
		return
	}
	fwd := &packet.Packet{
		Header: p.Header,
		Data:   p.Data,
	}
	fwd.Header.HeaderType = packet.HeaderType2
	fwd.Header.TransportType = packet.TransportRelay
	idHash := t.identity.Hash()
	copy(fwd.Header.TransportID[:], idHash[:])
	fwd.Header.HasTransportID = true

	_ = t.broadcast(fwd)
}

func (t *Transport) handleData(p *packet.Packet, from iface.Interface) {
	var destHash destination.Hash
	copy(destHash[:], p.Header.DestinationHash[:])

	t.mu.RLock()
	dest, local := t.destinations[destHash]
	handler := t.dataHandler
	t.mu.RUnlock()

	if local {
		plaintext, _, ok := dest.Decrypt(p.Data, false)
		if ok && handler != nil {
			handler(dest, plaintext, p)
		}
		return
	}

	if !t.enableTransport {
		return
	}
	entry, ok := t.paths.Lookup(destHash, time.Now())
	if !ok {
		return
	}
	fwd := &packet.Packet{Header: p.Header, Data: p.Data}
	fwd.Header.Hops++
	_ = t.sendVia(fwd, entry.NextHopInterface)
}

// Outbound sends p, IFAC-masking if the chosen interface requires it.
// Selection: use the known path's interface if any, else broadcast on
// every sendable interface (§4.5).
func (t *Transport) Outbound(p *packet.Packet) error {
	var destHash destination.Hash
	copy(destHash[:], p.Header.DestinationHash[:])

	if entry, ok := t.paths.Lookup(destHash, time.Now()); ok && entry.NextHopInterface != nil {
		return t.sendVia(p, entry.NextHopInterface)
	}
	return t.broadcast(p)
}

func (t *Transport) sendVia(p *packet.Packet, ifc iface.Interface) error {
	raw := p.Encode()
	if key, ok := t.ifacKeyFor(ifc); ok {
		raw = MaskPacket(key, raw)
	}
	return ifc.ProcessOutgoing(raw)
}

func (t *Transport) broadcast(p *packet.Packet) error {
	var firstErr error
	for _, ifc := range t.interfaces.Sendable() {
		if err := t.sendVia(p, ifc); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport: send on %s: %w", ifc.Name(), err)
		}
	}
	return firstErr
}
