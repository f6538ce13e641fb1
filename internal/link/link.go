// Package link implements the Reticulum Link: an ephemeral,
// forward-secret point-to-point session negotiated over Transport,
// with Token-encrypted transport, RTT tracking, and keepalive/stale
// timeout management (§4.6).
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/destination"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/reticulum-go/rns/internal/identity"
	"github.com/reticulum-go/rns/internal/packet"
)

// Status is a Link's position in the PENDING->HANDSHAKE->ACTIVE->
// STALE->CLOSED state machine (§4.6).
type Status uint8

const (
	StatusPending Status = iota
	StatusHandshake
	StatusActive
	StatusStale
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusHandshake:
		return "handshake"
	case StatusActive:
		return "active"
	case StatusStale:
		return "stale"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	IDSize = 16

	// DefaultMTU is proposed by both ends absent other configuration.
	DefaultMTU = 1500

	DefaultKeepaliveTimeout = 30 * time.Second
	DefaultStaleTimeout     = 2 * time.Minute

	// IntegrityFailureThreshold closes a Link once this many
	// decrypt/HMAC failures have accumulated over its lifetime (§4.6).
	IntegrityFailureThreshold = 3

	// rttStep is the EWMA step used by RecordRTT (§4.6: "5% step").
	rttStep = 0.05
)

var (
	ErrClosed             = errors.New("link: closed")
	ErrNotActive          = errors.New("link: not active")
	ErrBadProof           = errors.New("link: proof verification failed")
	ErrBadLinkRequest     = errors.New("link: malformed link request")
	ErrIntegrityFailure   = errors.New("link: HMAC/decrypt integrity failure")
)

const ephemeralPairSize = 32 + 32 // x25519 pub + ed25519 pub

// EstablishedCallback fires once a Link transitions HANDSHAKE->ACTIVE.
type EstablishedCallback func(l *Link)

// DataCallback fires for each decrypted in-Link payload, tagged with
// the outer DATA packet's context byte so a caller can multiplex
// several sub-protocols (plain application data, Resource framing,
// Channel envelopes) over one Link (§4.7, §4.8).
type DataCallback func(l *Link, ctx packet.Context, plaintext []byte)

// ClosedCallback fires once a Link transitions to CLOSED.
type ClosedCallback func(l *Link)

// Link is one ephemeral, forward-secret session.
type Link struct {
	mu sync.Mutex

	id          [IDSize]byte
	status      Status
	initiator   bool
	destination *destination.Destination // nil on the accepting side until identity known
	peerIdentity *identity.Identity

	ownEphX25519Priv [32]byte
	ownEphX25519Pub  [32]byte
	ownEphEd25519Pub []byte // wire completeness only; no ECDH role (§4.6)

	peerEphX25519Pub [32]byte

	tokenKeys crypto.Keys

	localMTU   uint32
	remoteMTU  uint32
	negotiatedMTU uint32

	rtt          time.Duration
	rttSet       bool
	handshakeAt  time.Time
	lastActivity time.Time

	integrityFailures int

	viaInterface iface.Interface

	onEstablished EstablishedCallback
	onData        DataCallback
	onClosed      ClosedCallback

	log *slog.Logger

	outbound func(p *packet.Packet) error
}

func newLink(initiator bool, outbound func(p *packet.Packet) error, log *slog.Logger) (*Link, error) {
	priv, pub, err := crypto.X25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("link: generate ephemeral x25519 key: %w", err)
	}
	_, edPub, err := crypto.Ed25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("link: generate ephemeral ed25519 key: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		status:           StatusPending,
		initiator:        initiator,
		ownEphX25519Priv: priv,
		ownEphX25519Pub:  pub,
		ownEphEd25519Pub: append([]byte(nil), edPub...),
		localMTU:         DefaultMTU,
		lastActivity:     time.Now(),
		log:              log.With("component", "link"),
		outbound:         outbound,
	}, nil
}

// CreateOutbound builds a new Link to dest and returns it alongside
// the LINKREQUEST packet to be sent via Transport. The Link is already
// in HANDSHAKE when it is returned.
func CreateOutbound(dest *destination.Destination, outbound func(p *packet.Packet) error, log *slog.Logger) (*Link, *packet.Packet, error) {
	l, err := newLink(true, outbound, log)
	if err != nil {
		return nil, nil, err
	}
	l.destination = dest

	payload := make([]byte, 0, ephemeralPairSize)
	payload = append(payload, l.ownEphX25519Pub[:]...)
	payload = append(payload, l.ownEphEd25519Pub...)

	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationSingle,
			Type:            packet.TypeLinkRequest,
			Context:         packet.ContextNone,
		},
		Data: payload,
	}
	copy(p.Header.DestinationHash[:], dest.Hash[:])

	raw := p.Encode()
	idDigest := crypto.SHA256(raw)
	copy(l.id[:], idDigest[:IDSize])

	l.mu.Lock()
	l.status = StatusHandshake
	l.handshakeAt = time.Now()
	l.mu.Unlock()

	return l, p, nil
}

// AcceptInbound processes a received LINKREQUEST packet (as originally
// decoded, raw bytes included for link_id derivation) and returns the
// new Link plus the PROOF packet to send back.
func AcceptInbound(lrPacket *packet.Packet, lrRaw []byte, from iface.Interface, outbound func(p *packet.Packet) error, log *slog.Logger) (*Link, *packet.Packet, error) {
	if len(lrPacket.Data) < ephemeralPairSize {
		return nil, nil, ErrBadLinkRequest
	}
	l, err := newLink(false, outbound, log)
	if err != nil {
		return nil, nil, err
	}
	l.viaInterface = from

	idDigest := crypto.SHA256(lrRaw)
	copy(l.id[:], idDigest[:IDSize])

	copy(l.peerEphX25519Pub[:], lrPacket.Data[:32])

	if err := l.deriveKeys(); err != nil {
		return nil, nil, err
	}

	mtuBytes := EncodeMTU(0, l.localMTU)
	hmacOverID := crypto.HMACSHA256(l.tokenKeys.HMACKey[:], l.id[:])

	payload := make([]byte, 0, ephemeralPairSize+3+len(hmacOverID))
	payload = append(payload, l.ownEphX25519Pub[:]...)
	payload = append(payload, l.ownEphEd25519Pub...)
	payload = append(payload, mtuBytes[:]...)
	payload = append(payload, hmacOverID...)

	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationLink,
			Type:            packet.TypeProof,
			Context:         packet.ContextLRProof,
		},
		Data: payload,
	}
	copy(p.Header.DestinationHash[:], l.id[:])

	l.mu.Lock()
	l.status = StatusHandshake
	l.handshakeAt = time.Now()
	l.mu.Unlock()

	return l, p, nil
}

func (l *Link) deriveKeys() error {
	shared, err := crypto.X25519(l.ownEphX25519Priv, l.peerEphX25519Pub)
	if err != nil {
		return fmt.Errorf("link: ECDH: %w", err)
	}
	derived, err := crypto.HKDF(shared, l.id[:], nil, 64)
	if err != nil {
		return fmt.Errorf("link: HKDF: %w", err)
	}
	keys, ok := crypto.SplitKeys(derived)
	if !ok {
		return fmt.Errorf("link: split derived keys: unexpected length")
	}
	l.tokenKeys = keys
	return nil
}

// HandleProof processes a received PROOF packet on the initiator side,
// completing the handshake and transitioning to ACTIVE.
func (l *Link) HandleProof(p *packet.Packet) error {
	if len(p.Data) < ephemeralPairSize+3+crypto.MACSize {
		return ErrBadProof
	}
	copy(l.peerEphX25519Pub[:], p.Data[:32])
	remoteMTUBytes := [3]byte{p.Data[64], p.Data[65], p.Data[66]}
	_, remoteMTU := DecodeMTU(remoteMTUBytes)
	gotHMAC := p.Data[67 : 67+crypto.MACSize]

	if err := l.deriveKeys(); err != nil {
		return err
	}
	wantHMAC := crypto.HMACSHA256(l.tokenKeys.HMACKey[:], l.id[:])
	if !crypto.ConstantTimeEqual(gotHMAC, wantHMAC) {
		return ErrBadProof
	}

	l.mu.Lock()
	l.remoteMTU = remoteMTU
	l.negotiatedMTU = NegotiateMTU(l.localMTU, remoteMTU)
	l.status = StatusActive
	elapsed := time.Since(l.handshakeAt)
	l.rtt = elapsed
	l.rttSet = true
	l.lastActivity = time.Now()
	cb := l.onEstablished
	l.mu.Unlock()

	if cb != nil {
		cb(l)
	}
	return nil
}

// CompleteAsResponder marks a Link ACTIVE once its PROOF has been
// sent; the responder has no further packet to wait for (§4.6).
func (l *Link) CompleteAsResponder() {
	l.mu.Lock()
	l.negotiatedMTU = NegotiateMTU(l.localMTU, l.remoteMTU)
	if l.negotiatedMTU == 0 {
		l.negotiatedMTU = l.localMTU
	}
	l.status = StatusActive
	l.lastActivity = time.Now()
	cb := l.onEstablished
	l.mu.Unlock()
	if cb != nil {
		cb(l)
	}
}

// ID returns the link_id.
func (l *Link) ID() [IDSize]byte { return l.id }

// Status returns the current state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// MTU returns the negotiated MTU once ACTIVE (0 before then).
func (l *Link) MTU() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiatedMTU
}

// OnEstablished registers the established callback.
func (l *Link) OnEstablished(cb EstablishedCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEstablished = cb
}

// OnEstablishedOrNow registers cb to fire when the Link becomes
// ACTIVE, or invokes it immediately if the Link is already ACTIVE.
// Callers that Dial and then register a callback can otherwise race a
// handshake that completes synchronously (e.g. over an in-process
// interface) before the callback is attached.
func (l *Link) OnEstablishedOrNow(cb EstablishedCallback) {
	l.mu.Lock()
	already := l.status == StatusActive
	l.onEstablished = cb
	l.mu.Unlock()
	if already {
		cb(l)
	}
}

// OnData registers the data callback.
func (l *Link) OnData(cb DataCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onData = cb
}

// OnClosed registers the closed callback.
func (l *Link) OnClosed(cb ClosedCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClosed = cb
}

// Send Token-encrypts plaintext and ships it as a DATA packet
// addressed to this Link's id, tagged with ContextNone (§4.6's
// Encrypt: IV‖AES-CBC‖HMAC).
func (l *Link) Send(plaintext []byte) error {
	return l.SendContext(packet.ContextNone, plaintext)
}

// SendContext is Send with an explicit context byte, used by Resource
// to carry RESOURCE_ADV/REQ/HMU/PRF framing over an active Link
// alongside plain application data (§4.7).
func (l *Link) SendContext(ctx packet.Context, plaintext []byte) error {
	l.mu.Lock()
	if l.status != StatusActive && l.status != StatusStale {
		l.mu.Unlock()
		return ErrNotActive
	}
	keys := l.tokenKeys
	id := l.id
	l.lastActivity = time.Now()
	l.mu.Unlock()

	token, err := crypto.TokenEncrypt(keys, plaintext)
	if err != nil {
		return err
	}
	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			TransportType:   packet.TransportBroadcast,
			DestinationType: packet.DestinationLink,
			Type:            packet.TypeData,
			Context:         ctx,
		},
		Data: token,
	}
	copy(p.Header.DestinationHash[:], id[:])
	return l.outbound(p)
}

// HandleData decrypts an inbound in-Link DATA packet and invokes the
// data callback on success; on failure it increments the integrity
// counter and may trigger teardown (§4.6, §7).
func (l *Link) HandleData(p *packet.Packet) {
	l.mu.Lock()
	keys := l.tokenKeys
	status := l.status
	l.mu.Unlock()
	if status == StatusClosed {
		return
	}

	plaintext, ok := crypto.TokenDecrypt(keys, p.Data)
	if !ok {
		l.mu.Lock()
		l.integrityFailures++
		fail := l.integrityFailures
		l.mu.Unlock()
		if fail >= IntegrityFailureThreshold {
			l.Close()
		}
		return
	}

	l.mu.Lock()
	l.lastActivity = time.Now()
	if l.status == StatusStale {
		l.status = StatusActive
	}
	cb := l.onData
	l.mu.Unlock()
	if cb != nil {
		cb(l, p.Header.Context, plaintext)
	}
}

// RecordRTT folds a new round-trip sample into the EWMA estimate
// (§4.6: "5% step").
func (l *Link) RecordRTT(sample time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.rttSet {
		l.rtt = sample
		l.rttSet = true
		return
	}
	l.rtt = time.Duration((1-rttStep)*float64(l.rtt) + rttStep*float64(sample))
}

// RTT returns the current RTT estimate.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// checkTimeouts advances STALE/CLOSED transitions based on inactivity
// and emits the corresponding best-effort control packets (§4.6).
func (l *Link) checkTimeouts(now time.Time, keepaliveTimeout, staleTimeout time.Duration) {
	l.mu.Lock()
	status := l.status
	idle := now.Sub(l.lastActivity)
	l.mu.Unlock()

	switch status {
	case StatusActive:
		if idle > keepaliveTimeout {
			l.mu.Lock()
			l.status = StatusStale
			l.mu.Unlock()
			l.sendKeepalive()
		}
	case StatusStale:
		if idle > staleTimeout {
			l.Close()
		}
	}
}

func (l *Link) sendKeepalive() {
	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			DestinationType: packet.DestinationLink,
			Type:            packet.TypeData,
			Context:         packet.ContextKeepalive,
		},
	}
	copy(p.Header.DestinationHash[:], l.id[:])
	_ = l.outbound(p)
}

// Close tears the Link down, emitting LINKCLOSE best-effort.
func (l *Link) Close() {
	l.mu.Lock()
	if l.status == StatusClosed {
		l.mu.Unlock()
		return
	}
	l.status = StatusClosed
	id := l.id
	cb := l.onClosed
	l.mu.Unlock()

	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderType1,
			DestinationType: packet.DestinationLink,
			Type:            packet.TypeData,
			Context:         packet.ContextLinkClose,
		},
	}
	copy(p.Header.DestinationHash[:], id[:])
	_ = l.outbound(p)

	if cb != nil {
		cb(l)
	}
}

// Manager tracks Links by id and runs the shared keepalive/stale
// watchdog (§5: "each Link owns its keepalive").
type Manager struct {
	mu               sync.Mutex
	links            map[[IDSize]byte]*Link
	keepaliveTimeout time.Duration
	staleTimeout     time.Duration
	log              *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Link manager with the default timeouts.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		links:            make(map[[IDSize]byte]*Link),
		keepaliveTimeout: DefaultKeepaliveTimeout,
		staleTimeout:     DefaultStaleTimeout,
		log:              log.With("component", "link-manager"),
	}
}

// Register tracks a Link for dispatch and timeout management.
func (m *Manager) Register(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.id] = l
}

// Get looks up a Link by id.
func (m *Manager) Get(id [IDSize]byte) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	return l, ok
}

// Remove drops a Link from tracking, e.g. after it closes.
func (m *Manager) Remove(id [IDSize]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, id)
}

// Start launches the shared watchdog task.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.watchdog(ctx)
}

// Stop cancels the watchdog and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) watchdog(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			links := make([]*Link, 0, len(m.links))
			for _, l := range m.links {
				links = append(links, l)
			}
			m.mu.Unlock()
			for _, l := range links {
				l.checkTimeouts(now, m.keepaliveTimeout, m.staleTimeout)
				if l.Status() == StatusClosed {
					m.Remove(l.id)
				}
			}
		}
	}
}
