// Package iface defines the generic interface capability that
// Transport consumes: a byte-oriented, framed link with a known MTU
// and bitrate, inbound/outbound callbacks, and optional IFAC masking
// (§6).
package iface

import (
	"sync"
	"sync/atomic"
)

// PacketHandler is invoked once per inbound, de-framed packet payload
// with a reference back to the interface it arrived on.
type PacketHandler func(payload []byte, from Interface)

// Interface is the capability Transport dispatches packets through.
// Concrete drivers (TCP, serial, ...) are out of scope; Transport only
// ever sees this contract.
type Interface interface {
	Name() string
	Bitrate() int64
	HWMTU() int
	CanSend() bool
	CanReceive() bool
	Online() bool

	// ProcessOutgoing hands a framed, already IFAC-masked packet to the
	// interface for transmission.
	ProcessOutgoing(raw []byte) error

	// SetPacketHandler registers the callback Transport uses to learn
	// of inbound packets. Interfaces call it from their own reader
	// task.
	SetPacketHandler(h PacketHandler)

	// IFACNetName and IFACNetKey are empty when the interface has no
	// IFAC configured.
	IFACNetName() string
	IFACNetKey() []byte

	// WantsTunnel reports whether Transport should synthesise a
	// tunnel record for paths learned on this interface.
	WantsTunnel() bool
}

// BaseInterface is embeddable scaffolding shared by concrete
// interfaces: bitrate/MTU bookkeeping, an online flag, and the
// handler registration plumbing.
type BaseInterface struct {
	NameValue    string
	BitrateValue int64
	HWMTUValue   int
	CanSendFlag  bool
	CanRecvFlag  bool
	NetName      string
	NetKey       []byte
	Tunnel       bool

	online  atomic.Bool
	handler atomic.Value // PacketHandler
}

func (b *BaseInterface) Name() string     { return b.NameValue }
func (b *BaseInterface) Bitrate() int64   { return b.BitrateValue }
func (b *BaseInterface) HWMTU() int       { return b.HWMTUValue }
func (b *BaseInterface) CanSend() bool    { return b.CanSendFlag }
func (b *BaseInterface) CanReceive() bool { return b.CanRecvFlag }
func (b *BaseInterface) Online() bool     { return b.online.Load() }
func (b *BaseInterface) IFACNetName() string { return b.NetName }
func (b *BaseInterface) IFACNetKey() []byte  { return b.NetKey }
func (b *BaseInterface) WantsTunnel() bool   { return b.Tunnel }

// SetOnline updates the online flag; interface drivers call this as
// their underlying link connects/disconnects. Per §6, disconnects
// propagate upward only as online=false.
func (b *BaseInterface) SetOnline(v bool) { b.online.Store(v) }

func (b *BaseInterface) SetPacketHandler(h PacketHandler) {
	b.handler.Store(h)
}

// Deliver invokes the registered handler, if any, with an inbound
// packet payload. No-op if nothing is registered yet.
func (b *BaseInterface) Deliver(payload []byte, from Interface) {
	if v := b.handler.Load(); v != nil {
		if h, ok := v.(PacketHandler); ok && h != nil {
			h(payload, from)
		}
	}
}

// Registry is a name-keyed set of registered interfaces, used by
// Transport for outbound broadcast selection.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]Interface
}

// NewRegistry creates an empty interface registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Interface)}
}

// Register adds or replaces an interface by name.
func (r *Registry) Register(ifc Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[ifc.Name()] = ifc
}

// Unregister removes an interface by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

// Get looks up a registered interface by name.
func (r *Registry) Get(name string) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifc, ok := r.byName[name]
	return ifc, ok
}

// All returns every registered interface, in no particular order.
func (r *Registry) All() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interface, 0, len(r.byName))
	for _, ifc := range r.byName {
		out = append(out, ifc)
	}
	return out
}

// Sendable returns every registered interface with CanSend() true and
// Online() true, the candidate set for broadcast outbound (§4.1).
func (r *Registry) Sendable() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interface, 0, len(r.byName))
	for _, ifc := range r.byName {
		if ifc.CanSend() && ifc.Online() {
			out = append(out, ifc)
		}
	}
	return out
}
