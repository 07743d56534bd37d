package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/beam-audio-service/internal/audio"
)

// EventType identifies a session event
type EventType int

const (
	CapturingStarted EventType = iota
	CapturingStopped
	AngleChanged     // sound source angle moved
	BeamAngleChanged // beam steering angle moved
)

func (t EventType) String() string {
	switch t {
	case CapturingStarted:
		return "capturing_started"
	case CapturingStopped:
		return "capturing_stopped"
	case AngleChanged:
		return "angle_changed"
	case BeamAngleChanged:
		return "beam_angle_changed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is delivered to session listeners
type Event struct {
	Type      EventType
	SessionID string
	Intent    Intent
	Time      time.Time

	// Buffer is set on CapturingStarted for the mutable intent
	Buffer *audio.BoundedBuffer

	// Angle events
	Degrees    int
	RawDegrees float64
	Confidence float64
}

// Listener receives session events
type Listener func(Event)

type listenerSet struct {
	mu     sync.Mutex
	nextID int
	ids    []int
	fns    map[int]Listener
}

// add registers fn and returns a function removing it
func (l *listenerSet) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.ids = append(l.ids, id)
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listenerSet) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.fns, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			break
		}
	}
}

// emit calls listeners in subscription order outside the lock
func (l *listenerSet) emit(ev Event) {
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.ids))
	for _, id := range l.ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
