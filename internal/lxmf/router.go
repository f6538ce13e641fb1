package lxmf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/packet"
	"github.com/reticulum-go/rns/internal/resource"
	"github.com/reticulum-go/rns/internal/transport"
)

// DeliveryMethod selects how a message reaches its destination (§4.9).
type DeliveryMethod uint8

const (
	DeliveryOpportunistic DeliveryMethod = iota
	DeliveryDirect
	DeliveryPropagated
	DeliveryDirectResource
)

// OutboundState is a per-message position in the
// DRAFT->OUTBOUND->SENDING->{SENT,SENDING_VIA_LINK}->DELIVERED|FAILED
// state machine (§4.9).
type OutboundState uint8

const (
	StateDraft OutboundState = iota
	StateOutbound
	StateSending
	StateSent
	StateSendingViaLink
	StateDelivered
	StateFailed
)

func (s OutboundState) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateOutbound:
		return "outbound"
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateSendingViaLink:
		return "sending_via_link"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PropagationTransferState tracks a propagation-node sync in progress.
type PropagationTransferState uint8

const (
	PropagationIdle PropagationTransferState = iota
	PropagationRequesting
	PropagationTransferring
	PropagationComplete
	PropagationFailed
)

var (
	ErrNoRoute       = errors.New("lxmf: no delivery route to destination")
	ErrNotDeliverable = errors.New("lxmf: message rejected by destination")
)

// FailedCallback fires when an outbound message's retries are exhausted.
type FailedCallback func(om *OutboundMessage)

// DeliveredCallback is the callback type registered with OnDelivered.
// The Router does not process delivery confirmations: it never moves a
// message to StateDelivered and never invokes this callback.
type DeliveredCallback func(om *OutboundMessage)

// ReceivedCallback fires for each newly received inbound message.
type ReceivedCallback func(m *Message)

// OutboundMessage tracks one message's delivery attempt.
type OutboundMessage struct {
	Message *Message
	Method  DeliveryMethod
	State   OutboundState

	attempts   int
	nextAttempt time.Time

	destinationHash destination.Hash
}

const (
	maxAttempts  = 5
	baseBackoff  = 5 * time.Second
)

// Router orchestrates outbound delivery (opportunistic, direct over a
// Link, propagated via a propagation node, or resource-based direct
// for oversized payloads) and inbound receipt, with an in-memory,
// backoff-retried outbound queue (§4.9). The queue is not persisted:
// messages still queued are lost when the process exits.
type Router struct {
	mu sync.Mutex

	identity *identity.Identity
	tr       *transport.Transport
	links    *link.Service
	store    *Store

	outbound map[[16]byte]*OutboundMessage

	// deliveryDest is this node's own "lxmf.delivery" destination, set
	// by RegisterDeliveryIdentity.
	deliveryDest *destination.Destination

	// knownIdentities maps a peer destination hash to the Identity
	// recovered from its last seen announce, letting HandleIncoming
	// verify a message's signature once the sender has announced at
	// least once (§4.9).
	knownIdentities map[destination.Hash]*identity.Identity

	// propagationNodes maps an identity hash to the propagation-node
	// role discovered from its announce app_data tag (§4.9).
	propagationNodes map[identity.Hash]*PropagationNodeInfo
	activeNode       *identity.Hash
	propState        PropagationTransferState
	propProgress     float64

	onFailed    FailedCallback
	onDelivered DeliveredCallback
	onReceived  ReceivedCallback

	log *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router bound to the local identity, Transport, and
// Link service. store may be nil if this node doesn't act as a
// propagation node.
func New(id *identity.Identity, tr *transport.Transport, links *link.Service, store *Store, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		identity:         id,
		tr:               tr,
		links:            links,
		store:            store,
		outbound:         make(map[[16]byte]*OutboundMessage),
		knownIdentities:  make(map[destination.Hash]*identity.Identity),
		propagationNodes: make(map[identity.Hash]*PropagationNodeInfo),
		log:              log.With("component", "lxmf-router"),
	}
	tr.RegisterDataHandler(r.handleOpportunisticData)
	tr.RegisterAnnounceHandler(r.handleAnnounce)
	links.OnAccept(r.handleAcceptedLink)
	return r
}

// handleOpportunisticData receives bare DATA packets addressed to a
// locally owned destination and hands them to HandleIncoming.
func (r *Router) handleOpportunisticData(dest *destination.Destination, plaintext []byte, p *packet.Packet) {
	if err := r.HandleIncoming(plaintext, nil); err != nil {
		r.log.Warn("dropped malformed opportunistic LXM", "err", err)
	}
}

// handleAcceptedLink wires an inbound Link's data callback to dispatch
// on the packet context first (RESOURCE_ADV/REQ/HMU/PRF framing for a
// DIRECT_RESOURCE transfer, handled by a per-Link resource.Listener),
// then on the envelope kind: a plain LXM delivery (DIRECT) or a
// propagation sync request (§4.9). A failed envelope decode falls back
// to treating the payload as a bare encoded LXM.
func (r *Router) handleAcceptedLink(l *link.Link) {
	rl := resource.NewListener(l, func(data []byte) {
		if err := r.HandleIncoming(data, nil); err != nil {
			r.log.Warn("dropped malformed direct resource LXM", "err", err)
		}
	}, r.log)

	l.OnData(func(l *link.Link, ctx packet.Context, plaintext []byte) {
		if rl.HandleContext(ctx, plaintext) {
			return
		}
		var env linkEnvelope
		if err := msgpack.Unmarshal(plaintext, &env); err == nil && env.Kind != "" {
			switch env.Kind {
			case envelopeLXM:
				if err := r.HandleIncoming(env.Payload, nil); err != nil {
					r.log.Warn("dropped malformed direct LXM", "err", err)
				}
			case envelopeSyncRequest:
				r.handleSyncRequest(l, env.Payload)
			}
			return
		}
		if err := r.HandleIncoming(plaintext, nil); err != nil {
			r.log.Warn("dropped malformed direct LXM", "err", err)
		}
	})
}

// OnFailed registers the exhausted-retries callback.
func (r *Router) OnFailed(h FailedCallback) { r.onFailed = h }

// OnDelivered registers the delivery-confirmed callback.
func (r *Router) OnDelivered(h DeliveredCallback) { r.onDelivered = h }

// OnReceived registers the inbound-message callback.
func (r *Router) OnReceived(h ReceivedCallback) { r.onReceived = h }

// Start launches the background retry-scan task.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.retryLoop(ctx)
}

// Stop halts the retry-scan task.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Send enqueues m for delivery via method, adding it to the in-memory
// outbound queue and returning the tracked OutboundMessage.
func (r *Router) Send(m *Message, method DeliveryMethod) (*OutboundMessage, error) {
	if err := m.Sign(r.identity); err != nil {
		return nil, fmt.Errorf("lxmf: sign message: %w", err)
	}
	encoded, err := m.Encode()
	if err != nil {
		return nil, err
	}
	id := HashID(encoded)

	om := &OutboundMessage{
		Message:         m,
		Method:          method,
		State:           StateOutbound,
		destinationHash: m.DestinationHash,
	}

	r.mu.Lock()
	r.outbound[id] = om
	r.mu.Unlock()

	r.attemptDelivery(id, om)
	return om, nil
}

func jitteredBackoff(attempt int) time.Duration {
	backoff := baseBackoff * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(baseBackoff)))
	return backoff + jitter
}

func (r *Router) attemptDelivery(id [16]byte, om *OutboundMessage) {
	r.mu.Lock()
	om.State = StateSending
	om.attempts++
	r.mu.Unlock()

	encoded, err := om.Message.Encode()
	if err != nil {
		r.fail(id, om)
		return
	}

	var deliveryErr error
	switch om.Method {
	case DeliveryOpportunistic:
		deliveryErr = r.tr.Outbound(opportunisticPacket(om.destinationHash, encoded))
	case DeliveryDirect, DeliveryDirectResource:
		deliveryErr = r.deliverViaLink(om, encoded)
	case DeliveryPropagated:
		deliveryErr = r.deliverViaPropagation(om, encoded)
	default:
		deliveryErr = ErrNoRoute
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if deliveryErr != nil {
		if om.attempts >= maxAttempts {
			om.State = StateFailed
			if r.onFailed != nil {
				r.onFailed(om)
			}
			return
		}
		om.nextAttempt = time.Now().Add(jitteredBackoff(om.attempts))
		om.State = StateOutbound
		return
	}

	if om.Method == DeliveryDirect || om.Method == DeliveryDirectResource {
		om.State = StateSendingViaLink
	} else {
		om.State = StateSent
	}
}

func (r *Router) fail(id [16]byte, om *OutboundMessage) {
	r.mu.Lock()
	om.State = StateFailed
	r.mu.Unlock()
	if r.onFailed != nil {
		r.onFailed(om)
	}
}

func (r *Router) deliverViaLink(om *OutboundMessage, encoded []byte) error {
	dest := &destination.Destination{Hash: om.destinationHash}
	l, err := r.links.Dial(dest)
	if err != nil {
		return fmt.Errorf("lxmf: dial link: %w", err)
	}
	// One Link packet carries at most linkPacketMaxContent bytes of LXMF
	// content; larger DIRECT_RESOURCE messages travel as a Resource.
	const linkPacketMaxContent = 319
	if om.Method == DeliveryDirectResource && len(encoded) > linkPacketMaxContent {
		sender, err := resource.NewSender(encoded, resource.Config{})
		if err != nil {
			return err
		}
		return resource.SendOverLink(l, sender, r.log)
	}
	env, err := msgpack.Marshal(linkEnvelope{Kind: envelopeLXM, Payload: encoded})
	if err != nil {
		return fmt.Errorf("lxmf: marshal link envelope: %w", err)
	}
	return l.Send(env)
}

func (r *Router) deliverViaPropagation(om *OutboundMessage, encoded []byte) error {
	if r.store == nil {
		return errors.New("lxmf: no propagation store configured for outbound propagation")
	}
	return r.store.Put(om.destinationHash, encoded)
}

// opportunisticPacket wraps encoded LXM bytes in a bare DATA packet
// addressed to destHash, relying on Transport's existing path/dedup
// machinery for delivery without a Link handshake (§4.9).
func opportunisticPacket(destHash destination.Hash, encoded []byte) *packet.Packet {
	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationSingle,
			Type:            packet.TypeData,
			Context:         packet.ContextNone,
		},
		Data: encoded,
	}
	copy(p.Header.DestinationHash[:], destHash[:])
	return p
}

func (r *Router) retryLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.scanRetries(now)
		}
	}
}

func (r *Router) scanRetries(now time.Time) {
	r.mu.Lock()
	var due []struct {
		id [16]byte
		om *OutboundMessage
	}
	for id, om := range r.outbound {
		if om.State == StateOutbound && !om.nextAttempt.IsZero() && !now.Before(om.nextAttempt) {
			due = append(due, struct {
				id [16]byte
				om *OutboundMessage
			}{id, om})
		}
	}
	r.mu.Unlock()

	for _, d := range due {
		r.attemptDelivery(d.id, d.om)
	}
}

// HandleIncoming decodes and verifies an inbound LXM payload and, if
// valid, invokes the received callback. When srcIdentity is nil, the
// router looks up the sender's identity by its source destination
// hash among peers it has seen announce; if no identity is known yet,
// the message is delivered unverified rather than dropped, since a
// freshly-met sender's public key is otherwise unobtainable.
func (r *Router) HandleIncoming(encoded []byte, srcIdentity *identity.Identity) error {
	m, err := Decode(encoded)
	if err != nil {
		return err
	}
	if srcIdentity == nil {
		srcIdentity = r.lookupIdentity(m.SourceHash)
	}
	if srcIdentity != nil && !m.Verify(srcIdentity) {
		return ErrBadSignature
	}
	if r.onReceived != nil {
		r.onReceived(m)
	}
	return nil
}

// lookupIdentity returns the Identity last seen announcing destHash,
// or nil if none has been recorded.
func (r *Router) lookupIdentity(destHash destination.Hash) *identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.knownIdentities[destHash]
}
