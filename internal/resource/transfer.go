package resource

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reticulum-go/rns/internal/crypto"
	"github.com/reticulum-go/rns/internal/link"
	"github.com/reticulum-go/rns/internal/packet"
)

// advMapHashChunk bounds how many map-hashes a single RESOURCE_ADV or
// RESOURCE_HMU carries, so the hash map of a large transfer is spread
// across several messages instead of overflowing one Link packet.
const advMapHashChunk = 200

// TransferTimeout bounds how long SendOverLink waits for a completed
// RESOURCE_PRF before giving up on a transfer.
const TransferTimeout = 2 * time.Minute

// advPayload is RESOURCE_ADV: the transfer's identity, size, and as
// much of the map-hash array as fits in one chunk (§4.7).
type advPayload struct {
	ResourceHash []byte   `msgpack:"resource_hash"`
	RandomHash   []byte   `msgpack:"random_hash"`
	TransferSize int      `msgpack:"transfer_size"`
	DataSize     uint32   `msgpack:"data_size"`
	Compressed   bool     `msgpack:"compressed"`
	MapHashes    [][]byte `msgpack:"map_hashes"`
}

// reqPayload is RESOURCE_REQ: the receiver's window-bounded request
// for missing parts, plus a flag asking the sender to extend the
// known map-hash array via RESOURCE_HMU once it's been exhausted.
type reqPayload struct {
	ResourceHash []byte `msgpack:"resource_hash"`
	Missing      []int  `msgpack:"missing"`
	NeedMore     bool   `msgpack:"need_more"`
	HaveCount    int    `msgpack:"have_count"`
}

// hmuPayload is RESOURCE_HMU: the next chunk of the map-hash array,
// sent when a RESOURCE_REQ's NeedMore flag was set.
type hmuPayload struct {
	ResourceHash []byte   `msgpack:"resource_hash"`
	StartIndex   int      `msgpack:"start_index"`
	MapHashes    [][]byte `msgpack:"map_hashes"`
}

// partPayload carries one requested ciphertext chunk, sent tagged
// with ContextResource in answer to a RESOURCE_REQ.
type partPayload struct {
	ResourceHash []byte `msgpack:"resource_hash"`
	Index        int    `msgpack:"index"`
	Data         []byte `msgpack:"data"`
}

// proofPayload is RESOURCE_PRF: the receiver's proof that reassembly
// and decryption succeeded, independently verifiable by the sender
// via Sender.VerifyProof.
type proofPayload struct {
	ResourceHash []byte `msgpack:"resource_hash"`
	Proof        []byte `msgpack:"proof"`
}

// SendOverLink drives a complete sender-side transfer: it advertises
// the transfer, answers RESOURCE_REQ with requested parts and
// RESOURCE_HMU with further map-hash chunks, and blocks until the
// receiver's RESOURCE_PRF validates (or the transfer is rejected,
// cancelled, or times out). Used for DIRECT resource transfers that
// exceed a single Link packet's MTU (§4.9's "Resource-based DIRECT").
func SendOverLink(l *link.Link, s *Sender, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "resource-sender")

	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { done <- err })
	}

	l.OnData(func(_ *link.Link, ctx packet.Context, plaintext []byte) {
		switch ctx {
		case packet.ContextResourceReq:
			var req reqPayload
			if err := msgpack.Unmarshal(plaintext, &req); err != nil {
				return
			}
			if !bytes.Equal(req.ResourceHash, s.resourceHash[:]) {
				return
			}
			for _, idx := range req.Missing {
				if idx < 0 || idx >= s.PartCount() {
					continue
				}
				part := partPayload{ResourceHash: s.resourceHash[:], Index: idx, Data: s.Part(idx)}
				encoded, err := msgpack.Marshal(part)
				if err != nil {
					continue
				}
				if err := l.SendContext(packet.ContextResource, encoded); err != nil {
					log.Warn("send resource part failed", "index", idx, "err", err)
				}
			}
			if req.NeedMore {
				s.sendHMU(l, req.HaveCount, log)
			}
		case packet.ContextResourcePRF:
			var proof proofPayload
			if err := msgpack.Unmarshal(plaintext, &proof); err != nil {
				return
			}
			if !bytes.Equal(proof.ResourceHash, s.resourceHash[:]) {
				return
			}
			var p [32]byte
			copy(p[:], proof.Proof)
			if s.VerifyProof(p) {
				finish(nil)
			} else {
				finish(ErrCorrupt)
			}
		case packet.ContextResourceRCL, packet.ContextResourceICL:
			finish(ErrRejected)
		}
	})

	if err := s.sendAdv(l); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(TransferTimeout):
		_ = l.SendContext(packet.ContextResourceICL, nil)
		return ErrTimeout
	}
}

func (s *Sender) sendAdv(l *link.Link) error {
	end := s.PartCount()
	if end > advMapHashChunk {
		end = advMapHashChunk
	}
	adv := advPayload{
		ResourceHash: s.resourceHash[:],
		RandomHash:   s.randomHash[:],
		TransferSize: s.PartCount(),
		DataSize:     s.meta.OriginalSize,
		Compressed:   s.meta.Compressed,
		MapHashes:    sliceHashes(s.hashes[:end]),
	}
	encoded, err := msgpack.Marshal(adv)
	if err != nil {
		return err
	}
	return l.SendContext(packet.ContextResourceAdv, encoded)
}

func (s *Sender) sendHMU(l *link.Link, start int, log *slog.Logger) {
	if start >= s.PartCount() {
		return
	}
	end := start + advMapHashChunk
	if end > s.PartCount() {
		end = s.PartCount()
	}
	hmu := hmuPayload{ResourceHash: s.resourceHash[:], StartIndex: start, MapHashes: sliceHashes(s.hashes[start:end])}
	encoded, err := msgpack.Marshal(hmu)
	if err != nil {
		return
	}
	if err := l.SendContext(packet.ContextResourceHMU, encoded); err != nil {
		log.Warn("send resource hmu failed", "err", err)
	}
}

func sliceHashes(hashes [][MapHashSize]byte) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = append([]byte(nil), h[:]...)
	}
	return out
}

func fixedHashes(raw [][]byte) [][MapHashSize]byte {
	out := make([][MapHashSize]byte, len(raw))
	for i, h := range raw {
		copy(out[i][:], h)
	}
	return out
}

// Listener is the receiver side of a RESOURCE_ADV/REQ/HMU/PRF
// exchange over one accepted Link. HandleContext is wired into the
// Link's data callback alongside whatever other sub-protocol
// dispatch the caller needs (e.g. LXMF's plain envelope framing),
// returning false for contexts it doesn't own so the caller can fall
// through to its own handling.
type Listener struct {
	mu sync.Mutex

	l          *link.Link
	onComplete func(data []byte)
	log        *slog.Logger

	recv         *Receiver
	resourceHash [32]byte
	keys         crypto.Keys

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener prepares a Resource listener for l. onComplete fires
// with the reassembled original data once a transfer's RESOURCE_PRF
// has been sent.
func NewListener(l *link.Link, onComplete func(data []byte), log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{l: l, onComplete: onComplete, log: log.With("component", "resource-listener")}
}

// HandleContext dispatches one Link payload by its packet context,
// returning true if this Listener owns (and has handled) it.
func (rl *Listener) HandleContext(ctx packet.Context, plaintext []byte) bool {
	switch ctx {
	case packet.ContextResourceAdv:
		rl.handleAdv(plaintext)
		return true
	case packet.ContextResource:
		rl.handlePart(plaintext)
		return true
	case packet.ContextResourceHMU:
		rl.handleHMU(plaintext)
		return true
	case packet.ContextResourceICL, packet.ContextResourceRCL:
		rl.cancelTransfer()
		return true
	default:
		return false
	}
}

func (rl *Listener) handleAdv(plaintext []byte) {
	var adv advPayload
	if err := msgpack.Unmarshal(plaintext, &adv); err != nil {
		rl.log.Warn("malformed resource adv", "err", err)
		return
	}
	derived, err := crypto.HKDF(adv.RandomHash, nil, []byte("resource"), 64)
	if err != nil {
		rl.log.Warn("derive resource keys failed", "err", err)
		return
	}
	keys, ok := crypto.SplitKeys(derived)
	if !ok {
		rl.log.Warn("split resource keys failed")
		return
	}
	var resourceHash [32]byte
	copy(resourceHash[:], adv.ResourceHash)

	recv := NewReceiver(adv.TransferSize, adv.RandomHash, resourceHash, fixedHashes(adv.MapHashes), rl.log)

	rl.mu.Lock()
	rl.resourceHash = resourceHash
	rl.keys = keys
	rl.recv = recv
	rl.mu.Unlock()

	rl.startWatchdog()
	rl.sendReq(recv)
}

func (rl *Listener) handlePart(plaintext []byte) {
	var part partPayload
	if err := msgpack.Unmarshal(plaintext, &part); err != nil {
		return
	}
	recv, resourceHash := rl.snapshot()
	if recv == nil || !bytes.Equal(part.ResourceHash, resourceHash[:]) {
		return
	}
	recv.Submit(part.Index, part.Data)

	if recv.Complete() {
		rl.finishTransfer(recv)
		return
	}
	if len(recv.Missing()) == 0 {
		recv.GrowWindow()
		rl.sendReq(recv)
	}
}

func (rl *Listener) handleHMU(plaintext []byte) {
	var hmu hmuPayload
	if err := msgpack.Unmarshal(plaintext, &hmu); err != nil {
		return
	}
	recv, resourceHash := rl.snapshot()
	if recv == nil || !bytes.Equal(hmu.ResourceHash, resourceHash[:]) {
		return
	}
	recv.ExtendExpected(fixedHashes(hmu.MapHashes))
	rl.sendReq(recv)
}

func (rl *Listener) cancelTransfer() {
	recv, _ := rl.snapshot()
	if recv != nil {
		recv.Fail()
	}
	rl.stopWatchdog()
}

func (rl *Listener) snapshot() (*Receiver, [32]byte) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.recv, rl.resourceHash
}

func (rl *Listener) sendReq(recv *Receiver) {
	req := reqPayload{
		ResourceHash: rl.resourceHashBytes(),
		Missing:      recv.Missing(),
		NeedMore:     recv.Exhausted(),
		HaveCount:    recv.KnownCount(),
	}
	encoded, err := msgpack.Marshal(req)
	if err != nil {
		return
	}
	if err := rl.l.SendContext(packet.ContextResourceReq, encoded); err != nil {
		rl.log.Warn("send resource req failed", "err", err)
	}
}

func (rl *Listener) resourceHashBytes() []byte {
	_, h := rl.snapshot()
	return append([]byte(nil), h[:]...)
}

func (rl *Listener) finishTransfer(recv *Receiver) {
	rl.mu.Lock()
	keys := rl.keys
	rl.mu.Unlock()

	data, proof, err := recv.Reassemble(keys)
	rl.stopWatchdog()
	if err != nil {
		rl.log.Warn("resource reassembly failed", "err", err)
		_ = rl.l.SendContext(packet.ContextResourceRCL, nil)
		return
	}

	proofMsg := proofPayload{ResourceHash: rl.resourceHashBytes(), Proof: proof[:]}
	if encoded, err := msgpack.Marshal(proofMsg); err == nil {
		if err := rl.l.SendContext(packet.ContextResourcePRF, encoded); err != nil {
			rl.log.Warn("send resource proof failed", "err", err)
		}
	}

	if rl.onComplete != nil {
		rl.onComplete(data)
	}
}

func (rl *Listener) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	rl.mu.Lock()
	rl.cancel = cancel
	rl.mu.Unlock()
	rl.wg.Add(1)
	go rl.watchdog(ctx)
}

func (rl *Listener) stopWatchdog() {
	rl.mu.Lock()
	cancel := rl.cancel
	rl.cancel = nil
	rl.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	rl.wg.Wait()
}

func (rl *Listener) watchdog(ctx context.Context) {
	defer rl.wg.Done()
	ticker := time.NewTicker(WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			recv, _ := rl.snapshot()
			if recv == nil {
				continue
			}
			if recv.Watchdog(now) {
				recv.ShrinkWindow()
				rl.sendReq(recv)
			}
			if recv.Status() == StatusFailed {
				return
			}
		}
	}
}
