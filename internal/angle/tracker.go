package angle

import (
	"fmt"
	"math"
	"sync"
)

const (
	// DefaultMinDegrees and DefaultMaxDegrees bound the array's field of view
	DefaultMinDegrees = -50.0
	DefaultMaxDegrees = 50.0
)

// State is the tracker's view of the most recent reading
type State struct {
	RawDegrees     float64 `json:"raw_degrees"`
	RoundedDegrees int     `json:"rounded_degrees"`
	Confidence     float64 `json:"confidence"`
}

// Change is reported when the quantized angle moves
type Change struct {
	Degrees    int     `json:"degrees"`
	RawDegrees float64 `json:"raw_degrees"`
	Confidence float64 `json:"confidence"`
}

// Tracker is a hysteresis filter over angle readings
type Tracker struct {
	minDegrees float64
	maxDegrees float64
	step       int

	state   State
	primed  bool // first reading sets the baseline without a change
	changes uint64
	updates uint64

	mu sync.RWMutex
}

// NewTracker creates a tracker clamping to [minDegrees, maxDegrees] and
// quantizing to multiples of step degrees.
func NewTracker(minDegrees, maxDegrees float64, step int) (*Tracker, error) {
	if math.IsNaN(minDegrees) || math.IsNaN(maxDegrees) || minDegrees > maxDegrees {
		return nil, fmt.Errorf("invalid angle range [%f, %f]", minDegrees, maxDegrees)
	}
	if step < 1 {
		return nil, fmt.Errorf("step must be at least 1 degree, got %d", step)
	}

	return &Tracker{
		minDegrees: minDegrees,
		maxDegrees: maxDegrees,
		step:       step,
	}, nil
}

// Update records a reading and returns the change it caused, if any
func (t *Tracker) Update(rawDegrees, confidence float64) (Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.updates++
	t.state.Confidence = confidence

	if math.IsNaN(rawDegrees) {
		return Change{}, false
	}
	t.state.RawDegrees = rawDegrees

	rounded := t.quantize(rawDegrees)
	if !t.primed {
		t.primed = true
		t.state.RoundedDegrees = rounded
		return Change{}, false
	}
	if rounded == t.state.RoundedDegrees {
		return Change{}, false
	}

	t.state.RoundedDegrees = rounded
	t.changes++

	return Change{
		Degrees:    rounded,
		RawDegrees: rawDegrees,
		Confidence: confidence,
	}, true
}

func (t *Tracker) quantize(degrees float64) int {
	return Snap(degrees, t.minDegrees, t.maxDegrees, t.step)
}

// Snap clamps degrees to [minDegrees, maxDegrees] then rounds half away
// from zero to a multiple of step
func Snap(degrees, minDegrees, maxDegrees float64, step int) int {
	clamped := math.Min(math.Max(degrees, minDegrees), maxDegrees)
	return int(math.Round(clamped/float64(step))) * step
}

// State returns the latest reading
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Primed reports whether a reading has set the baseline. Until then State
// holds no angle and no change can be reported.
func (t *Tracker) Primed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.primed
}

// Changes returns how many change events the tracker has produced
func (t *Tracker) Changes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changes
}

// Updates returns how many readings the tracker has seen
func (t *Tracker) Updates() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updates
}
