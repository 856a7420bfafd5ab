package audio

import (
	"fmt"
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity byte buffer that keeps only the most recent
// bytes written to it. Writes never block and never fail; once full, each
// write overwrites the oldest bytes.
//
// All methods are safe for concurrent use. A single producer writing while
// other goroutines take snapshots is the intended pattern.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int // next write position
	size int // valid bytes, <= len(buf)

	overwritten uint64
}

// NewRingBuffer returns a ring buffer holding capacity bytes.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audio: ring buffer capacity must be positive, got %d", capacity)
	}
	return &RingBuffer{buf: make([]byte, capacity)}, nil
}

// NewRingBufferFor returns a ring buffer sized to hold d of audio in f, with a
// floor of half a second.
func NewRingBufferFor(f Format, d time.Duration) (*RingBuffer, error) {
	capacity := max(f.BytesFor(d), f.BytesPerSecond()/2)
	return NewRingBuffer(capacity)
}

// Write appends p, discarding the oldest bytes when the buffer is full. When
// len(p) exceeds the capacity only its tail is kept. It returns len(p).
func (r *RingBuffer) Write(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	src := p
	if len(src) > capacity {
		r.overwritten += uint64(len(src) - capacity)
		src = src[len(src)-capacity:]
	}

	first := copy(r.buf[r.pos:], src)
	if first < len(src) {
		copy(r.buf, src[first:])
	}
	r.pos = (r.pos + len(src)) % capacity

	if free := capacity - r.size; len(src) > free {
		r.overwritten += uint64(len(src) - free)
	}
	r.size = min(capacity, r.size+len(src))
	return n
}

// Snapshot returns a chronological copy of the buffered bytes. A buffer that
// has never been written returns an empty, non-nil slice.
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	if r.size == 0 {
		return out
	}
	start := (r.pos - r.size + len(r.buf)) % len(r.buf)
	n := copy(out, r.buf[start:min(len(r.buf), start+r.size)])
	if n < r.size {
		copy(out[n:], r.buf[:r.size-n])
	}
	return out
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity in bytes.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Overwritten returns the total number of bytes discarded to make room for
// newer data since the buffer was created.
func (r *RingBuffer) Overwritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwritten
}

// Clear discards all buffered bytes.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.size = 0
}
