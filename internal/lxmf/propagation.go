package lxmf

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/packet"
)

// deliveryAppData is the announce app_data payload for an
// "lxmf.delivery" destination: a display name plus the role tag that
// lets peers discover propagation nodes from their announces alone
// (§4.9: "an app_data tag identifies the role").
type deliveryAppData struct {
	DisplayName     string `msgpack:"display_name"`
	PropagationNode bool   `msgpack:"propagation_node"`
}

// PropagationNodeInfo is what the router remembers about a propagation
// node discovered via announce.
type PropagationNodeInfo struct {
	DestinationHash destination.Hash
	Identity        *identity.Identity
	DisplayName     string
	LastSeen        time.Time
}

// linkEnvelope distinguishes the purpose of a payload sent over an
// accepted Link: a plain LXM delivery or a propagation sync request/
// response. Resource transfers do not use this envelope: their packets
// carry RESOURCE_* contexts and are handled by a resource.Listener
// before envelope decoding. A payload that does not decode as an
// envelope is treated as a bare encoded LXM.
type linkEnvelope struct {
	Kind    string `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

const (
	envelopeLXM          = "lxm"
	envelopeSyncRequest  = "propsync_req"
	envelopeSyncResponse = "propsync_resp"
)

// syncRequest carries the requester's destination hash as a plain
// byte slice rather than a fixed-size array, matching the packed-key
// encoding convention used elsewhere in this module (see
// destination.packRatchets) to keep msgpack's wire form unambiguous.
type syncRequest struct {
	RequesterDestHash []byte `msgpack:"requester"`
}

type syncResponse struct {
	Messages [][]byte `msgpack:"messages"`
}

var ErrNoPropagationNode = errors.New("lxmf: no propagation node known")

// RegisterDeliveryIdentity creates and registers this node's
// "lxmf.delivery" destination bound to id, so it can receive
// opportunistic and direct deliveries and announce its display name
// (and, if a propagation store is configured, its role) to the
// network (§6's register_delivery_identity).
func (r *Router) RegisterDeliveryIdentity(id *identity.Identity, displayName string) (*destination.Destination, error) {
	dest, err := destination.Create(id, destination.DirectionIn, destination.TypeSingle, "lxmf", "delivery")
	if err != nil {
		return nil, fmt.Errorf("lxmf: create delivery destination: %w", err)
	}
	appData, err := msgpack.Marshal(deliveryAppData{DisplayName: displayName, PropagationNode: r.store != nil})
	if err != nil {
		return nil, fmt.Errorf("lxmf: encode delivery app data: %w", err)
	}
	dest.DefaultAppData = appData

	r.mu.Lock()
	r.deliveryDest = dest
	r.mu.Unlock()

	r.tr.RegisterDestination(dest)
	return dest, nil
}

// Announce emits an announce for the router's registered delivery
// destination (§6's LXMRouter.announce).
func (r *Router) Announce() error {
	r.mu.Lock()
	dest := r.deliveryDest
	r.mu.Unlock()
	if dest == nil {
		return errors.New("lxmf: no delivery identity registered, call RegisterDeliveryIdentity first")
	}
	p, err := dest.GenerateAnnounce(nil, false, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("lxmf: generate announce: %w", err)
	}
	return r.tr.Outbound(p)
}

// handleAnnounce is registered with Transport to learn peer identities
// by destination hash, used by HandleIncoming to verify LXM
// signatures, and to discover propagation nodes from their
// role-tagged app_data (§4.9).
func (r *Router) handleAnnounce(info *destination.AnnounceInfo, p *packet.Packet, from iface.Interface) {
	r.mu.Lock()
	r.knownIdentities[info.DestinationHash] = info.Identity
	r.mu.Unlock()

	var appData deliveryAppData
	if err := msgpack.Unmarshal(info.AppData, &appData); err != nil || !appData.PropagationNode {
		return
	}

	idHash := info.Identity.Hash()
	r.mu.Lock()
	r.propagationNodes[idHash] = &PropagationNodeInfo{
		DestinationHash: info.DestinationHash,
		Identity:        info.Identity,
		DisplayName:     appData.DisplayName,
		LastSeen:        time.Now(),
	}
	r.mu.Unlock()
}

// KnownPropagationNodes returns every propagation node discovered via
// announce so far.
func (r *Router) KnownPropagationNodes() []PropagationNodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PropagationNodeInfo, 0, len(r.propagationNodes))
	for _, n := range r.propagationNodes {
		out = append(out, *n)
	}
	return out
}

// SelectPropagationNode sets the active propagation node by identity
// hash, used by subsequent calls to RequestMessagesFromPropagationNode.
func (r *Router) SelectPropagationNode(idHash identity.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.propagationNodes[idHash]; !ok {
		return ErrNoPropagationNode
	}
	h := idHash
	r.activeNode = &h
	return nil
}

// activePropagationNode returns the explicitly selected node, or an
// arbitrary known node if none was selected yet.
func (r *Router) activePropagationNode() *PropagationNodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeNode != nil {
		if n, ok := r.propagationNodes[*r.activeNode]; ok {
			return n
		}
	}
	for _, n := range r.propagationNodes {
		return n
	}
	return nil
}

// PropagationState reports the current propagation sync state and
// progress fraction, as tracked by the last
// RequestMessagesFromPropagationNode call (§4.9).
func (r *Router) PropagationState() (PropagationTransferState, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.propState, r.propProgress
}

func (r *Router) setPropagationState(state PropagationTransferState, progress float64) {
	r.mu.Lock()
	r.propState = state
	r.propProgress = progress
	r.mu.Unlock()
}

// RequestMessagesFromPropagationNode dials the active propagation
// node's delivery destination, sends a sync request carrying this
// router's own delivery destination hash, and feeds every message in
// the response through HandleIncoming, tracking progress as it goes
// (§4.9, §6).
func (r *Router) RequestMessagesFromPropagationNode() error {
	node := r.activePropagationNode()
	if node == nil {
		return ErrNoPropagationNode
	}
	r.mu.Lock()
	self := r.deliveryDest
	r.mu.Unlock()
	if self == nil {
		return errors.New("lxmf: no delivery identity registered, call RegisterDeliveryIdentity first")
	}

	r.setPropagationState(PropagationRequesting, 0)

	dest := &destination.Destination{Hash: node.DestinationHash, Identity: node.Identity}
	l, err := r.links.Dial(dest)
	if err != nil {
		r.setPropagationState(PropagationFailed, 0)
		return fmt.Errorf("lxmf: dial propagation node: %w", err)
	}

	l.OnData(func(l *link.Link, ctx packet.Context, plaintext []byte) { r.handleSyncResponse(plaintext) })
	l.OnEstablishedOrNow(func(l *link.Link) { r.sendSyncRequest(l, self.Hash) })
	return nil
}

func (r *Router) sendSyncRequest(l *link.Link, selfHash destination.Hash) {
	req, err := msgpack.Marshal(syncRequest{RequesterDestHash: append([]byte(nil), selfHash[:]...)})
	if err != nil {
		r.setPropagationState(PropagationFailed, 0)
		return
	}
	env, err := msgpack.Marshal(linkEnvelope{Kind: envelopeSyncRequest, Payload: req})
	if err != nil {
		r.setPropagationState(PropagationFailed, 0)
		return
	}
	r.setPropagationState(PropagationTransferring, 0.25)
	if err := l.Send(env); err != nil {
		r.log.Warn("propagation sync request send failed", "err", err)
		r.setPropagationState(PropagationFailed, 0)
	}
}

func (r *Router) handleSyncResponse(plaintext []byte) {
	var env linkEnvelope
	if err := msgpack.Unmarshal(plaintext, &env); err != nil || env.Kind != envelopeSyncResponse {
		return
	}
	var resp syncResponse
	if err := msgpack.Unmarshal(env.Payload, &resp); err != nil {
		r.setPropagationState(PropagationFailed, 0)
		return
	}
	total := len(resp.Messages)
	for i, encoded := range resp.Messages {
		if err := r.HandleIncoming(encoded, nil); err != nil {
			r.log.Warn("dropped malformed propagated LXM", "err", err)
		}
		if total > 0 {
			r.setPropagationState(PropagationTransferring, float64(i+1)/float64(total))
		}
	}
	r.setPropagationState(PropagationComplete, 1)
}

// handleSyncRequest is the propagation-node side of the exchange: it
// looks up every stored message for the requester and sends them back
// as one sync response. No-op if this router has no propagation
// store (it isn't acting as a propagation node).
func (r *Router) handleSyncRequest(l *link.Link, payload []byte) {
	if r.store == nil {
		return
	}
	var req syncRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil || len(req.RequesterDestHash) != destination.HashSize {
		return
	}
	var requesterHash destination.Hash
	copy(requesterHash[:], req.RequesterDestHash)
	messages, err := r.store.ForDestination(requesterHash)
	if err != nil {
		r.log.Warn("propagation store lookup failed", "err", err)
		return
	}
	resp, err := msgpack.Marshal(syncResponse{Messages: messages})
	if err != nil {
		return
	}
	env, err := msgpack.Marshal(linkEnvelope{Kind: envelopeSyncResponse, Payload: resp})
	if err != nil {
		return
	}
	if err := l.Send(env); err != nil {
		r.log.Warn("propagation sync response send failed", "err", err)
	}
}
