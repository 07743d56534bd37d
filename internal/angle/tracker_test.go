package angle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultTracker(t *testing.T, step int) *Tracker {
	t.Helper()
	tr, err := NewTracker(DefaultMinDegrees, DefaultMaxDegrees, step)
	require.NoError(t, err)
	return tr
}

func TestNewTracker(t *testing.T) {
	_, err := NewTracker(10, -10, 1)
	assert.Error(t, err)

	_, err = NewTracker(-10, 10, 0)
	assert.Error(t, err)

	_, err = NewTracker(math.NaN(), 10, 1)
	assert.Error(t, err)
}

func TestTrackerHysteresis(t *testing.T) {
	tr := newDefaultTracker(t, 1)

	var changes []Change
	for _, raw := range []float64{3.2, 3.4, 3.6} {
		if c, ok := tr.Update(raw, 0.9); ok {
			changes = append(changes, c)
		}
	}

	require.Len(t, changes, 1)
	assert.Equal(t, 4, changes[0].Degrees)
	assert.Equal(t, 3.6, changes[0].RawDegrees)
	assert.Equal(t, 0.9, changes[0].Confidence)
}

func TestTrackerFirstReadingPrimes(t *testing.T) {
	tr := newDefaultTracker(t, 1)
	assert.False(t, tr.Primed())

	_, ok := tr.Update(math.NaN(), 1)
	assert.False(t, ok)
	assert.False(t, tr.Primed(), "an unusable reading sets no baseline")

	// A steady first angle produces no change but is visible in State
	_, ok = tr.Update(30.2, 1)
	assert.False(t, ok)
	assert.True(t, tr.Primed())
	assert.Equal(t, 30, tr.State().RoundedDegrees)

	_, ok = tr.Update(29.8, 1)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), tr.Changes())

	c, ok := tr.Update(-0.4, 1)
	require.True(t, ok)
	assert.Equal(t, 0, c.Degrees)
}

func TestTrackerClamp(t *testing.T) {
	tr := newDefaultTracker(t, 1)
	tr.Update(0, 1)

	c, ok := tr.Update(75, 0.4)
	require.True(t, ok)
	assert.Equal(t, 50, c.Degrees)
	assert.Equal(t, 75.0, c.RawDegrees, "raw value is reported unclamped")

	_, ok = tr.Update(90, 0.4)
	assert.False(t, ok, "both readings clamp to the same value")

	c, ok = tr.Update(-120, 0.4)
	require.True(t, ok)
	assert.Equal(t, -50, c.Degrees)
}

func TestTrackerStep(t *testing.T) {
	tr := newDefaultTracker(t, 10)
	tr.Update(0, 1)

	tests := []struct {
		raw     float64
		emit    bool
		degrees int
	}{
		{raw: 4.9, emit: false},
		{raw: 5.0, emit: true, degrees: 10},
		{raw: 14.0, emit: false},
		{raw: -5.0, emit: true, degrees: -10},
		{raw: -48.0, emit: true, degrees: -50},
	}

	for _, tt := range tests {
		c, ok := tr.Update(tt.raw, 1)
		assert.Equal(t, tt.emit, ok, "raw %v", tt.raw)
		if ok {
			assert.Equal(t, tt.degrees, c.Degrees, "raw %v", tt.raw)
		}
	}
}

func TestTrackerState(t *testing.T) {
	tr := newDefaultTracker(t, 1)
	tr.Update(0, 1)
	tr.Update(12.6, 0.25)
	tr.Update(12.8, 0.75)

	state := tr.State()
	assert.Equal(t, 12.8, state.RawDegrees)
	assert.Equal(t, 13, state.RoundedDegrees)
	assert.Equal(t, 0.75, state.Confidence)
	assert.Equal(t, uint64(1), tr.Changes())
	assert.Equal(t, uint64(3), tr.Updates())
}

func TestTrackerIgnoresNaN(t *testing.T) {
	tr := newDefaultTracker(t, 1)
	tr.Update(7, 1)

	_, ok := tr.Update(math.NaN(), 0.1)
	assert.False(t, ok)
	assert.Equal(t, 7, tr.State().RoundedDegrees)
}

func TestSnap(t *testing.T) {
	tests := []struct {
		name string
		raw  float64
		step int
		want int
	}{
		{"inside range", 12.4, 1, 12},
		{"half rounds away from zero", -2.5, 1, -3},
		{"coarse step", 14.9, 10, 10},
		{"coarse step half", 15, 10, 20},
		{"clamped high", 80, 5, 50},
		{"clamped low", -51, 5, -50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Snap(tt.raw, DefaultMinDegrees, DefaultMaxDegrees, tt.step))
		})
	}
}
