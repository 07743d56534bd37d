package audio

import (
	"fmt"
	"sync"
	"time"
)

// BoundedBuffer is a FIFO byte buffer for captured PCM audio.
//
// Memory is bounded two ways. A staleness check on Append discards all
// buffered bytes when no Read happened within the stale threshold, and a
// capacity check discards the oldest half of the capacity once the buffered
// length exceeds it. Each Append and Read is atomic with respect to the other:
// a reader never sees a partially evicted buffer.
//
// A buffer has exactly one producer (the capture session) and one designated
// reader at a time.
type BoundedBuffer struct {
	capacity       int
	staleThreshold time.Duration

	data     []byte // data[:len(data)] is valid, len(data) is the buffered length
	cursor   int    // next unread offset
	lastRead time.Time
	closed   bool

	// Statistics
	staleResets    uint64
	capacityEvicts uint64
	bytesAppended  uint64
	bytesRead      uint64
	bytesDropped   uint64 // unread bytes lost to eviction

	now func() time.Time
	mu  sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	CapacityBytes      int           `json:"capacity_bytes"`
	LengthBytes        int           `json:"length_bytes"`
	UnreadBytes        int           `json:"unread_bytes"`
	StaleThreshold     time.Duration `json:"stale_threshold"`
	LastRead           time.Time     `json:"last_read"`
	StaleResets        uint64        `json:"stale_resets"`
	CapacityEvictions  uint64        `json:"capacity_evictions"`
	BytesAppended      uint64        `json:"bytes_appended"`
	BytesRead          uint64        `json:"bytes_read"`
	UnreadBytesDropped uint64        `json:"unread_bytes_dropped"`
	Closed             bool          `json:"closed"`
}

// NewBoundedBuffer creates an empty buffer holding up to capacityBytes of
// audio that is discarded after staleThreshold without a Read.
func NewBoundedBuffer(capacityBytes int, staleThreshold time.Duration) (*BoundedBuffer, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("%w: buffer capacity must be positive, got %d", ErrConfiguration, capacityBytes)
	}
	if staleThreshold <= 0 {
		return nil, fmt.Errorf("%w: stale threshold must be positive, got %v", ErrConfiguration, staleThreshold)
	}

	b := &BoundedBuffer{
		capacity:       capacityBytes,
		staleThreshold: staleThreshold,
		data:           make([]byte, 0, capacityBytes),
		now:            time.Now,
	}
	b.lastRead = b.now()
	return b, nil
}

// Append copies the first count bytes of src to the end of the buffer.
// A non-positive count is a no-op.
func (b *BoundedBuffer) Append(src []byte, count int) error {
	if count <= 0 {
		return nil
	}
	if count > len(src) {
		return fmt.Errorf("%w: append count %d exceeds source length %d", ErrBufferMisuse, count, len(src))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.enforceStaleThreshold()

	b.data = append(b.data, src[:count]...)
	b.bytesAppended += uint64(count)

	b.enforceCapacity()

	return nil
}

// enforceStaleThreshold drops everything when the reader has been absent for
// at least the stale threshold. The staleness clock restarts with the reset.
func (b *BoundedBuffer) enforceStaleThreshold() {
	now := b.now()
	if now.Sub(b.lastRead) < b.staleThreshold {
		return
	}

	if len(b.data) > 0 {
		b.bytesDropped += uint64(len(b.data) - b.cursor)
		b.staleResets++
	}
	b.data = b.data[:0]
	b.cursor = 0
	b.lastRead = now
}

// enforceCapacity discards the oldest capacity/2 bytes once the buffered
// length exceeds capacity. It runs once per Append, so a single large append
// can leave the buffer above capacity.
func (b *BoundedBuffer) enforceCapacity() {
	length := len(b.data)
	if length <= b.capacity {
		return
	}

	cutoff := b.capacity / 2
	if cutoff == 0 {
		cutoff = 1
	}

	if b.cursor < cutoff {
		b.bytesDropped += uint64(cutoff - b.cursor)
	}

	// Shift [cutoff, length) down to the start of the store
	n := copy(b.data, b.data[cutoff:length])
	b.data = b.data[:n]

	b.cursor -= cutoff
	if b.cursor < 0 {
		b.cursor = 0
	}
	b.capacityEvicts++
}

// Read copies up to maxCount unread bytes into dst and returns how many were
// copied. It never blocks; zero is returned when nothing is buffered. Every
// call, including one that returns zero bytes, counts as a successful read
// for the staleness check.
func (b *BoundedBuffer) Read(dst []byte, maxCount int) (int, error) {
	if maxCount < 0 || maxCount > len(dst) {
		return 0, fmt.Errorf("%w: read count %d outside destination length %d", ErrBufferMisuse, maxCount, len(dst))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	n := copy(dst[:maxCount], b.data[b.cursor:])
	b.cursor += n
	b.bytesRead += uint64(n)
	b.lastRead = b.now()

	return n, nil
}

// Reset empties the buffer without closing it.
func (b *BoundedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = b.data[:0]
	b.cursor = 0
}

// Close empties the buffer and releases its storage. Subsequent Append and
// Read calls return ErrClosed. Close is idempotent.
func (b *BoundedBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = nil
	b.cursor = 0
	b.closed = true
	return nil
}

// Capacity returns the configured capacity in bytes
func (b *BoundedBuffer) Capacity() int {
	return b.capacity
}

// StaleThreshold returns the configured staleness threshold
func (b *BoundedBuffer) StaleThreshold() time.Duration {
	return b.staleThreshold
}

// Len returns the buffered length in bytes, read or not
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Unread returns the number of bytes a Read could still return
func (b *BoundedBuffer) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.cursor
}

// IsClosed reports whether Close has been called
func (b *BoundedBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// GetStats returns current buffer statistics
func (b *BoundedBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		CapacityBytes:      b.capacity,
		LengthBytes:        len(b.data),
		UnreadBytes:        len(b.data) - b.cursor,
		StaleThreshold:     b.staleThreshold,
		LastRead:           b.lastRead,
		StaleResets:        b.staleResets,
		CapacityEvictions:  b.capacityEvicts,
		BytesAppended:      b.bytesAppended,
		BytesRead:          b.bytesRead,
		UnreadBytesDropped: b.bytesDropped,
		Closed:             b.closed,
	}
}
