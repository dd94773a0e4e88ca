package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Packet is one encoded video frame.
type Packet struct {
	Data      []byte
	Timestamp time.Time
	Keyframe  bool
	Sequence  uint64
}

// RingBuffer keeps the most recent encoded packets, bounded both by count and
// by the time span between the oldest and newest packet.
// Semantics:
//   - Push appends the newest packet and evicts from the oldest end until both
//     bounds hold.
//   - Snapshot copies the retained packets, oldest first, starting at the
//     first keyframe so a decoder can start from the snapshot.
type RingBuffer struct {
	packets  []Packet
	capacity int
	window   time.Duration
	head     int // index of oldest
	size     int
	sequence atomic.Uint64

	mu sync.RWMutex

	// Metrics
	totalWrites atomic.Uint64
	evictions   atomic.Uint64
	bytesHeld   atomic.Int64
}

// NewRingBuffer creates a ring holding at most capacity packets spanning at
// most window.
func NewRingBuffer(capacity int, window time.Duration) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		packets:  make([]Packet, capacity),
		capacity: capacity,
		window:   window,
	}
}

// Push appends p, assigning its sequence number, and returns the stored copy.
func (rb *RingBuffer) Push(p Packet) Packet {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	p.Sequence = rb.sequence.Add(1)

	if rb.size == rb.capacity {
		rb.evictOldestLocked()
	}
	rb.packets[(rb.head+rb.size)%rb.capacity] = p
	rb.size++
	rb.bytesHeld.Add(int64(len(p.Data)))

	if rb.window > 0 {
		for rb.size > 1 && p.Timestamp.Sub(rb.packets[rb.head].Timestamp) > rb.window {
			rb.evictOldestLocked()
		}
	}

	rb.totalWrites.Add(1)
	return p
}

func (rb *RingBuffer) evictOldestLocked() {
	old := &rb.packets[rb.head]
	rb.bytesHeld.Add(-int64(len(old.Data)))
	*old = Packet{}
	rb.head = (rb.head + 1) % rb.capacity
	rb.size--
	rb.evictions.Add(1)
}

// Snapshot returns the retained packets from the first keyframe onward.
// Packet data is shared, not copied; encoders never mutate emitted packets.
func (rb *RingBuffer) Snapshot() []Packet {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	start := -1
	for i := 0; i < rb.size; i++ {
		if rb.packets[(rb.head+i)%rb.capacity].Keyframe {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	out := make([]Packet, 0, rb.size-start)
	for i := start; i < rb.size; i++ {
		out = append(out, rb.packets[(rb.head+i)%rb.capacity])
	}
	return out
}

// Reset drops every retained packet.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.packets {
		rb.packets[i] = Packet{}
	}
	rb.head, rb.size = 0, 0
	rb.bytesHeld.Store(0)
}

// Size returns the number of retained packets.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum packet count.
func (rb *RingBuffer) Capacity() int { return rb.capacity }

// Span returns the time between the oldest and newest retained packet.
func (rb *RingBuffer) Span() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.size < 2 {
		return 0
	}
	newest := rb.packets[(rb.head+rb.size-1)%rb.capacity]
	return newest.Timestamp.Sub(rb.packets[rb.head].Timestamp)
}

// Metrics returns buffer statistics
func (rb *RingBuffer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"capacity":     rb.capacity,
		"current_size": rb.Size(),
		"span":         rb.Span().String(),
		"total_writes": rb.totalWrites.Load(),
		"evictions":    rb.evictions.Load(),
		"bytes_held":   rb.bytesHeld.Load(),
	}
}
