package transport

import (
	"sync"

	"github.com/reticulum-go/rns/internal/packet"
)

// AnnounceQueueCapacity bounds the pending-announce backlog (§4.5).
const AnnounceQueueCapacity = 16384

// QueuedAnnounce pairs a decoded announce packet with whether it
// originated locally (never dropped preferentially) or was received
// from an interface.
type QueuedAnnounce struct {
	Packet *packet.Packet
	Local  bool
}

// AnnounceQueue is a bounded FIFO that drops the oldest non-local
// entry first on overflow, so locally originated announces are never
// starved out by inbound traffic.
type AnnounceQueue struct {
	mu       sync.Mutex
	capacity int
	items    []QueuedAnnounce
}

// NewAnnounceQueue creates a queue with AnnounceQueueCapacity.
func NewAnnounceQueue() *AnnounceQueue {
	return &AnnounceQueue{capacity: AnnounceQueueCapacity}
}

// Push enqueues an announce, evicting the oldest non-local entry (or,
// failing that, the oldest entry) if the queue is full.
func (q *AnnounceQueue) Push(a QueuedAnnounce) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.evictOneLocked()
	}
	q.items = append(q.items, a)
}

func (q *AnnounceQueue) evictOneLocked() {
	for i, it := range q.items {
		if !it.Local {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

// Pop removes and returns the oldest queued announce, if any.
func (q *AnnounceQueue) Pop() (QueuedAnnounce, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedAnnounce{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Len reports the current queue depth.
func (q *AnnounceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
