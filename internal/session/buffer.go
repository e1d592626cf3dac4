package session

import "sync"

// OutputBuffer is a thread-safe circular buffer holding the most recent
// worker output for replay to late-attaching connections.
type OutputBuffer struct {
	data []byte
	size int
	head int
	tail int
	full bool
	mu   sync.RWMutex
}

// NewOutputBuffer creates a buffer bounded at size bytes.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &OutputBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write appends data, evicting the oldest bytes once full.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % b.size
		if b.full {
			b.head = b.tail
		}
		if b.tail == b.head {
			b.full = true
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered output without consuming it, oldest first.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.head == b.tail && !b.full {
		return nil
	}

	if b.tail > b.head {
		out := make([]byte, b.tail-b.head)
		copy(out, b.data[b.head:b.tail])
		return out
	}

	// Wrapped around
	first := b.data[b.head:]
	second := b.data[:b.tail]
	out := make([]byte, len(first)+len(second))
	copy(out, first)
	copy(out[len(first):], second)
	return out
}

// Len returns the number of buffered bytes.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.full {
		return b.size
	}
	if b.tail >= b.head {
		return b.tail - b.head
	}
	return b.size - b.head + b.tail
}
