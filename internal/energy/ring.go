package energy

import "fmt"

// Ring is a fixed-capacity circular buffer of energy values. Once full it
// overwrites the oldest value first. It is owned by a single consumer and is
// not safe for concurrent use.
type Ring struct {
	values     []float32
	writeIndex int
}

// NewRing creates a ring holding capacity values, all initially zero
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Ring{values: make([]float32, capacity)}, nil
}

// Push writes v at the write index and advances it
func (r *Ring) Push(v float32) {
	r.values[r.writeIndex] = v
	r.writeIndex = (r.writeIndex + 1) % len(r.values)
}

// Oldest returns the index of the oldest value. Traversing
// [Oldest, Oldest+Cap) modulo Cap visits values oldest to newest.
func (r *Ring) Oldest() int {
	return r.writeIndex
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return len(r.values)
}

// Values returns the backing array in storage order
func (r *Ring) Values() []float32 {
	return r.values
}

// Ordered appends the values oldest to newest to dst and returns it
func (r *Ring) Ordered(dst []float32) []float32 {
	dst = append(dst, r.values[r.writeIndex:]...)
	return append(dst, r.values[:r.writeIndex]...)
}

// Reset zeroes all values and rewinds the write index
func (r *Ring) Reset() {
	clear(r.values)
	r.writeIndex = 0
}
