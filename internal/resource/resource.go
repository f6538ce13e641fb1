// Package resource implements chunked, reliable transfer of payloads
// too large for a single packet: sender-side compression/encryption
// and splitting, receiver-side windowed request/reassembly, and a
// watchdog that retries missing parts (§4.7).
package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"

	"github.com/reticulum-go/rns/internal/crypto"
)

// Status is a Resource transfer's lifecycle state.
type Status uint8

const (
	StatusAdvertised Status = iota
	StatusTransferring
	StatusComplete
	StatusFailed
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusAdvertised:
		return "advertised"
	case StatusTransferring:
		return "transferring"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

const (
	// SegmentThreshold is the default segmentation boundary carried by
	// Config (§9 open question, decided at a fixed-but-configurable 1 MiB).
	// NewSender and SendOverLink do not segment: every payload, whatever
	// its size, travels as one transfer.
	SegmentThreshold = 1 << 20

	MapHashSize = 4

	WindowStart = 4
	WindowMin   = 2
	WindowMax   = 75

	WatchdogTick   = 1 * time.Second
	DefaultRTT     = 500 * time.Millisecond
	MaxRetries     = 16
)

var (
	ErrAlreadyComplete = errors.New("resource: transfer already complete")
	ErrCorrupt         = errors.New("resource: reassembly failed verification")
	ErrTimeout         = errors.New("resource: transfer timed out")
	ErrRejected        = errors.New("resource: transfer rejected")
)

// Config tunes a Resource transfer. A zero Config uses the package
// defaults.
type Config struct {
	SegmentThreshold int
	SDUSize          int
}

func (c Config) segmentThreshold() int {
	if c.SegmentThreshold > 0 {
		return c.SegmentThreshold
	}
	return SegmentThreshold
}

func (c Config) sduSize() int {
	if c.SDUSize > 0 {
		return c.SDUSize
	}
	return 1000
}

// mapHash identifies a part's ciphertext for RESOURCE_ADV/HMU matching:
// SHA-256(part ‖ random_hash)[:4] (§3, §4.7).
func mapHash(data, randomHash []byte) [MapHashSize]byte {
	d := crypto.SHA256(data, randomHash)
	var h [MapHashSize]byte
	copy(h[:], d[:MapHashSize])
	return h
}

func compress(plain []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(plain) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompress(compressed []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(compressed), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// splitParts slices data into ceil(len/sdu) chunks.
func splitParts(data []byte, sdu int) [][]byte {
	if sdu <= 0 {
		sdu = 1000
	}
	var parts [][]byte
	for i := 0; i < len(data); i += sdu {
		end := i + sdu
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[i:end])
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}
	return parts
}

// Metadata prefixes the plaintext before compression/encryption:
// original length and a compression flag, used by the receiver to
// recover exact byte boundaries after decompression (§4.7).
type Metadata struct {
	OriginalSize uint32
	Compressed   bool
}

func (m Metadata) encode() []byte {
	out := make([]byte, 5)
	out[0] = 0
	if m.Compressed {
		out[0] = 1
	}
	out[1] = byte(m.OriginalSize >> 24)
	out[2] = byte(m.OriginalSize >> 16)
	out[3] = byte(m.OriginalSize >> 8)
	out[4] = byte(m.OriginalSize)
	return out
}

func decodeMetadata(b []byte) (Metadata, []byte, error) {
	if len(b) < 5 {
		return Metadata{}, nil, fmt.Errorf("resource: metadata truncated")
	}
	m := Metadata{
		Compressed:   b[0] == 1,
		OriginalSize: uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4]),
	}
	return m, b[5:], nil
}

// Sender prepares a complete plaintext payload for transfer: metadata
// prefix, opportunistic bzip2 compression, random_hash-salted Token
// encryption, and part splitting (§4.7).
type Sender struct {
	cfg          Config
	meta         Metadata
	plaintext    []byte
	randomHash   [16]byte
	resourceHash [32]byte
	keys         crypto.Keys
	parts        [][]byte
	hashes       [][MapHashSize]byte
}

// NewSender builds the encrypted, split transfer for plaintext.
func NewSender(plaintext []byte, cfg Config) (*Sender, error) {
	meta := Metadata{OriginalSize: uint32(len(plaintext))}
	body := plaintext
	if compressed, ok := compress(plaintext); ok {
		meta.Compressed = true
		body = compressed
	}

	randomHash, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	derived, err := crypto.HKDF(randomHash, nil, []byte("resource"), 64)
	if err != nil {
		return nil, err
	}
	keys, ok := crypto.SplitKeys(derived)
	if !ok {
		return nil, fmt.Errorf("resource: derive transfer keys")
	}

	plain := append(meta.encode(), body...)
	var resourceHash [32]byte
	copy(resourceHash[:], crypto.SHA256(plain, randomHash))

	token, err := crypto.TokenEncrypt(keys, plain)
	if err != nil {
		return nil, err
	}

	rawParts := splitParts(token, cfg.sduSize())
	hashes := make([][MapHashSize]byte, len(rawParts))
	for i, p := range rawParts {
		hashes[i] = mapHash(p, randomHash)
	}

	s := &Sender{
		cfg:          cfg,
		meta:         meta,
		plaintext:    plaintext,
		resourceHash: resourceHash,
		parts:        rawParts,
		hashes:       hashes,
		keys:         keys,
	}
	copy(s.randomHash[:], randomHash)
	return s, nil
}

// PartCount is the total number of parts in this transfer.
func (s *Sender) PartCount() int { return len(s.parts) }

// Part returns the raw ciphertext bytes for part i.
func (s *Sender) Part(i int) []byte { return s.parts[i] }

// MapHashes returns the ordered map-hash array advertised in
// RESOURCE_ADV, used by the receiver to request missing parts by hash.
func (s *Sender) MapHashes() [][MapHashSize]byte { return s.hashes }

// ResourceHash identifies this transfer across every RESOURCE_ADV/REQ/
// HMU/PRF message exchanged over the Link (§3, §4.7).
func (s *Sender) ResourceHash() [32]byte { return s.resourceHash }

// RandomHash is the per-transfer salt advertised in RESOURCE_ADV so the
// receiver can derive the same Token keys and map-hash inputs.
func (s *Sender) RandomHash() []byte { return append([]byte(nil), s.randomHash[:]...) }

// expectedProof is SHA-256(metadata ‖ original data ‖ resource_hash),
// independently recomputable by the receiver once it has decompressed
// a reassembled transfer back to the original bytes (§4.7).
func (s *Sender) expectedProof() [32]byte {
	plain := append(s.meta.encode(), s.plaintext...)
	var out [32]byte
	copy(out[:], crypto.SHA256(plain, s.resourceHash[:]))
	return out
}

// VerifyProof checks a RESOURCE_PRF proof against this transfer.
func (s *Sender) VerifyProof(proof [32]byte) bool {
	return s.expectedProof() == proof
}

// Receiver reassembles a transfer from parts arriving out of order,
// tracking which map-hashes have been satisfied and driving window
// control and retry (§4.7).
type Receiver struct {
	mu sync.Mutex

	total        int
	randomHash   []byte
	resourceHash [32]byte

	expected [][MapHashSize]byte
	have     map[int][]byte

	window     int
	lastRecv   time.Time
	rtt        time.Duration
	retries    int
	status     Status

	log *slog.Logger
}

// NewReceiver begins a receive tracking a transfer of total parts,
// identified by resourceHash and keyed by randomHash, with whatever
// prefix of the map-hash array the triggering RESOURCE_ADV carried
// (the rest arrives via RESOURCE_HMU, see ExtendExpected).
func NewReceiver(total int, randomHash []byte, resourceHash [32]byte, initialMapHashes [][MapHashSize]byte, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		total:        total,
		randomHash:   append([]byte(nil), randomHash...),
		resourceHash: resourceHash,
		expected:     initialMapHashes,
		have:         make(map[int][]byte),
		window:       WindowStart,
		lastRecv:     time.Now(),
		rtt:          DefaultRTT,
		status:       StatusTransferring,
		log:          log.With("component", "resource-receiver"),
	}
}

// Total is the transfer's total part count, advertised by RESOURCE_ADV.
func (r *Receiver) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// KnownCount is how many map-hashes this receiver has learned so far,
// used to tell the sender where to resume a RESOURCE_HMU chunk from.
func (r *Receiver) KnownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expected)
}

// ExtendExpected appends a RESOURCE_HMU chunk to the known map-hash
// array.
func (r *Receiver) ExtendExpected(hashes [][MapHashSize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = append(r.expected, hashes...)
}

// Exhausted reports whether every currently known map-hash has been
// satisfied but the transfer isn't complete yet, meaning the receiver
// needs the sender to extend the map via RESOURCE_HMU.
func (r *Receiver) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.expected) >= r.total {
		return false
	}
	for i := 0; i < len(r.expected); i++ {
		if _, ok := r.have[i]; !ok {
			return false
		}
	}
	return true
}

// Submit records one received part, matching it against the expected
// map-hash at that index. Returns true if the part was new and valid.
func (r *Receiver) Submit(index int, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= r.total || index >= len(r.expected) {
		return false
	}
	if _, ok := r.have[index]; ok {
		return false
	}
	if mapHash(data, r.randomHash) != r.expected[index] {
		return false
	}
	r.have[index] = data
	r.lastRecv = time.Now()
	return true
}

// Complete reports whether every part has arrived.
func (r *Receiver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.have) == r.total
}

// Fail forces the transfer into StatusFailed, e.g. on a sender-issued
// RESOURCE_ICL/RCL cancellation.
func (r *Receiver) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFailed
}

// Missing returns the indices still outstanding, within
// [consecutive, consecutive+window), where consecutive is the number of
// leading parts already received, per §4.7's window-bounded request
// strategy, bounded by how much of the map-hash array is known so far.
func (r *Receiver) Missing() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	consecutive := 0
	for consecutive < r.total {
		if _, ok := r.have[consecutive]; !ok {
			break
		}
		consecutive++
	}
	end := consecutive + r.window
	if end > len(r.expected) {
		end = len(r.expected)
	}
	var missing []int
	for i := consecutive; i < end; i++ {
		if _, ok := r.have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// GrowWindow raises the request window on a clean response, bounded
// by WindowMax (§4.7: "req/resp-rate adaptive").
func (r *Receiver) GrowWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.window < WindowMax {
		r.window++
	}
}

// ShrinkWindow lowers the request window after a retry, bounded by
// WindowMin.
func (r *Receiver) ShrinkWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.window > WindowMin {
		r.window--
	}
}

// Watchdog reports whether the transfer has gone idle long enough to
// warrant a retry (idle > max(rtt, default) * 4, per §4.7), and
// advances the retry counter. Once MaxRetries is exceeded the
// transfer is marked FAILED.
func (r *Receiver) Watchdog(now time.Time) (shouldRetry bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusTransferring {
		return false
	}
	rtt := r.rtt
	if rtt < DefaultRTT {
		rtt = DefaultRTT
	}
	idle := now.Sub(r.lastRecv)
	if idle <= rtt*4 {
		return false
	}
	r.retries++
	if r.retries > MaxRetries {
		r.status = StatusFailed
		return false
	}
	return true
}

// Status returns the current transfer status.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reassemble concatenates all parts in order, decrypts the Token
// envelope, verifies the recovered resource_hash, decompresses if
// flagged, and verifies the recovered length matches the advertised
// original size. On success it returns the original data and the
// RESOURCE_PRF proof to send back to the sender (§4.7).
func (r *Receiver) Reassemble(keys crypto.Keys) ([]byte, [32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero [32]byte
	if len(r.have) != r.total {
		return nil, zero, fmt.Errorf("resource: reassemble called before completion")
	}
	var buf bytes.Buffer
	for i := 0; i < r.total; i++ {
		buf.Write(r.have[i])
	}

	plain, ok := crypto.TokenDecrypt(keys, buf.Bytes())
	if !ok {
		r.status = StatusCorrupt
		return nil, zero, ErrCorrupt
	}
	var gotHash [32]byte
	copy(gotHash[:], crypto.SHA256(plain, r.randomHash))
	if gotHash != r.resourceHash {
		r.status = StatusCorrupt
		return nil, zero, ErrCorrupt
	}

	meta, body, err := decodeMetadata(plain)
	if err != nil {
		r.status = StatusCorrupt
		return nil, zero, ErrCorrupt
	}
	if meta.Compressed {
		body, err = decompress(body)
		if err != nil {
			r.status = StatusCorrupt
			return nil, zero, ErrCorrupt
		}
	}
	if uint32(len(body)) != meta.OriginalSize {
		r.status = StatusCorrupt
		return nil, zero, ErrCorrupt
	}

	var proof [32]byte
	copy(proof[:], crypto.SHA256(append(meta.encode(), body...), r.resourceHash[:]))

	r.status = StatusComplete
	return body, proof, nil
}

// SendKeys returns the symmetric keys a Sender used, for handing to a
// paired Receiver in same-process tests and loopback transfers.
func (s *Sender) SendKeys() crypto.Keys { return s.keys }
