// Package reticulum is the process-wide context: it owns Transport,
// the Link service, the LXMF router, and whichever interfaces are
// registered, and drives their combined start/stop lifecycle (§5).
package reticulum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reticulum-go/rns/internal/config"
	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/lxmf"
	"github.com/reticulum-go/rns/internal/transport"
)

// Reticulum is a running node: identity, transport, link service, and
// (optionally) an LXMF router, all sharing one cancellation context.
type Reticulum struct {
	Config   *config.NodeConfig
	Identity *identity.Identity

	Transport *transport.Transport
	Links     *link.Service
	LXMF      *lxmf.Router

	log *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New loads or generates the node identity and wires Transport, the
// Link service, and (if configured) the LXMF router. Start/Stop are
// kept separate from New so callers can finish registering interfaces
// and destinations before any background task begins running.
func New(cfg *config.NodeConfig, log *slog.Logger) (*Reticulum, error) {
	if log == nil {
		log = slog.Default()
	}
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("reticulum: load identity: %w", err)
	}
	log.Info("identity loaded", "hash", fmt.Sprintf("%x", id.Hash()))

	tr := transport.New(id, cfg.EnableTransport, log)
	links := link.NewService(tr, log)

	var router *lxmf.Router
	if cfg.LXMF.StoreDSN != "" || cfg.LXMF.PropagationNode {
		var store *lxmf.Store
		if cfg.LXMF.PropagationNode {
			store, err = lxmf.OpenStore(cfg.LXMF.StoreDSN)
			if err != nil {
				return nil, fmt.Errorf("reticulum: open lxmf store: %w", err)
			}
		}
		router = lxmf.New(id, tr, links, store, log)
	}

	return &Reticulum{
		Config:    cfg,
		Identity:  id,
		Transport: tr,
		Links:     links,
		LXMF:      router,
		log:       log.With("component", "reticulum"),
	}, nil
}

// RegisterInterface adds ifc to this node's Transport.
func (r *Reticulum) RegisterInterface(ifc iface.Interface) {
	r.Transport.RegisterInterface(ifc)
}

// RegisterDestination makes dest locally reachable for inbound data.
func (r *Reticulum) RegisterDestination(dest *destination.Destination) {
	r.Transport.RegisterDestination(dest)
}

// Start launches every background task: Transport's dedup sweep, the
// Link manager's keepalive watchdog, and the LXMF retry scanner.
func (r *Reticulum) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reticulum: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.Transport.Start(ctx)
	r.Links.Start(ctx)
	if r.LXMF != nil {
		r.LXMF.Start(ctx)
	}
	r.log.Info("node started", "enable_transport", r.Config.EnableTransport)
	return nil
}

// Stop cancels every background task and waits for them to exit.
func (r *Reticulum) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.Transport.Stop()
	r.Links.Stop()
	if r.LXMF != nil {
		r.LXMF.Stop()
	}
	r.running = false
	r.log.Info("node stopped")
}
