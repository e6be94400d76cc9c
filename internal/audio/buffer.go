package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring used to hand decoded media payloads
// from a socket reader to the frame pump. Writes refuse data once full so a
// stalled consumer surfaces as dropped audio rather than unbounded memory.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.Mutex
}

// NewRingBuffer creates a ring buffer holding up to size-1 bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data to the buffer and returns the number of bytes accepted,
// which may be less than len(data) when the buffer fills.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	free := rb.size - 1 - rb.available()
	n := len(data)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	// At most two copies: up to the end of the backing slice, then wrap.
	first := n
	if first > rb.size-rb.write {
		first = rb.size - rb.write
	}
	copy(rb.buffer[rb.write:], data[:first])
	copy(rb.buffer, data[first:n])
	rb.write = (rb.write + n) % rb.size

	return n
}

// ReadFrame fills dst completely, or reads nothing. It returns false while
// fewer than len(dst) bytes are buffered, so callers always see whole frames.
func (rb *RingBuffer) ReadFrame(dst []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	need := len(dst)
	if need == 0 || rb.available() < need {
		return false
	}

	first := need
	if first > rb.size-rb.read {
		first = rb.size - rb.read
	}
	copy(dst[:first], rb.buffer[rb.read:])
	copy(dst[first:], rb.buffer[:need-first])
	rb.read = (rb.read + need) % rb.size

	return true
}

func (rb *RingBuffer) available() int {
	return (rb.write - rb.read + rb.size) % rb.size
}

// Available returns the number of buffered bytes.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available()
}

// Free returns the number of bytes that can still be written.
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - 1 - rb.available()
}

// IsEmpty returns true when no bytes are buffered.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.read == rb.write
}

// IsFull returns true when no more bytes can be written.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available() == rb.size-1
}

// Clear discards all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.read = 0
	rb.write = 0
}
