package link

import (
	"context"
	"log/slog"
	"time"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/packet"
	"github.com/reticulum-go/rns/internal/transport"
)

// AcceptHandler is invoked when a new inbound Link reaches ACTIVE,
// letting a caller (e.g. the LXMF router) attach data/closed callbacks
// before any traffic arrives.
type AcceptHandler func(l *Link)

// Service binds the Manager to a Transport, registering LINKREQUEST
// and PROOF handlers so inbound Links are accepted automatically.
type Service struct {
	tr      *transport.Transport
	manager *Manager
	log     *slog.Logger

	onAccept AcceptHandler
}

// NewService wires a Link Manager into tr's dispatch and returns the
// combined handle.
func NewService(tr *transport.Transport, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		tr:      tr,
		manager: NewManager(log),
		log:     log.With("component", "link-service"),
	}
	tr.RegisterLinkRequestHandler(s.handleLinkRequest)
	tr.RegisterProofHandler(s.handleProof)
	tr.RegisterLinkDataHandler(s.handleLinkData)
	return s
}

// OnAccept registers the callback fired for newly-accepted inbound Links.
func (s *Service) OnAccept(h AcceptHandler) { s.onAccept = h }

// Start launches the shared keepalive/stale watchdog.
func (s *Service) Start(ctx context.Context) { s.manager.Start(ctx) }

// Stop halts the watchdog.
func (s *Service) Stop() { s.manager.Stop() }

// Dial initiates an outbound Link to dest.
func (s *Service) Dial(dest *destination.Destination) (*Link, error) {
	l, lr, err := CreateOutbound(dest, s.tr.Outbound, s.log)
	if err != nil {
		return nil, err
	}
	s.manager.Register(l)
	if err := s.tr.Outbound(lr); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Service) handleLinkRequest(p *packet.Packet, from iface.Interface) {
	raw := p.Encode()
	l, proof, err := AcceptInbound(p, raw, from, s.tr.Outbound, s.log)
	if err != nil {
		s.log.Debug("reject malformed link request", "err", err)
		return
	}
	s.manager.Register(l)
	if err := s.tr.Outbound(proof); err != nil {
		s.log.Debug("send proof failed", "err", err)
		return
	}
	l.CompleteAsResponder()
	if s.onAccept != nil {
		s.onAccept(l)
	}
}

func (s *Service) handleProof(p *packet.Packet, from iface.Interface) {
	var id [IDSize]byte
	copy(id[:], p.Header.DestinationHash[:])
	l, ok := s.manager.Get(id)
	if !ok {
		return
	}
	if err := l.HandleProof(p); err != nil {
		s.log.Debug("proof validation failed", "err", err)
	}
}

func (s *Service) handleLinkData(p *packet.Packet, from iface.Interface) {
	var id [IDSize]byte
	copy(id[:], p.Header.DestinationHash[:])
	l, ok := s.manager.Get(id)
	if !ok {
		return
	}
	switch p.Header.Context {
	case packet.ContextLinkClose:
		l.mu.Lock()
		l.status = StatusClosed
		cb := l.onClosed
		l.mu.Unlock()
		if cb != nil {
			cb(l)
		}
		s.manager.Remove(id)
	case packet.ContextKeepalive:
		l.mu.Lock()
		l.lastActivity = time.Now()
		if l.status == StatusStale {
			l.status = StatusActive
		}
		l.mu.Unlock()
	default:
		l.HandleData(p)
	}
}

// Get looks up an active Link by id, e.g. to route an in-Link DATA
// packet decoded by a caller that owns its own dispatch.
func (s *Service) Get(id [IDSize]byte) (*Link, bool) { return s.manager.Get(id) }
