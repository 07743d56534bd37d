package capture

import (
	"io"
	"log/slog"
	"sync"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStep struct {
	pcm        []byte
	beam       float64
	angle      float64
	confidence float64
	err        error
}

// fakeSource replays queued steps. With the queue empty it repeats the last
// telemetry with no audio.
type fakeSource struct {
	mu       sync.Mutex
	format   audio.WaveFormat
	maxChunk int
	steps    []fakeStep
	last     source.Reading
	captures int
	closed   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{format: audio.DefaultWaveFormat(), maxChunk: 3200}
}

func (f *fakeSource) push(steps ...fakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

func (f *fakeSource) Format() audio.WaveFormat { return f.format }
func (f *fakeSource) MaxChunkBytes() int       { return f.maxChunk }

func (f *fakeSource) Capture(dst []byte) (source.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.captures++
	if len(f.steps) == 0 {
		r := f.last
		r.N = 0
		return r, nil
	}

	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.err != nil {
		return source.Reading{}, step.err
	}

	f.last = source.Reading{
		N:           copy(dst, step.pcm),
		BeamAngle:   step.beam,
		SourceAngle: step.angle,
		Confidence:  step.confidence,
	}
	return f.last, nil
}

func (f *fakeSource) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// lockingSource records lockdown requests
type lockingSource struct {
	*fakeSource
	lockDowns []bool
	failWith  error
}

func (l *lockingSource) SetLockDown(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	l.lockDowns = append(l.lockDowns, enabled)
	return nil
}

// controllingSource records applied device controls
type controllingSource struct {
	*fakeSource
	controls source.Controls
	failWith error
}

func (c *controllingSource) Controls() source.Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls
}

func (c *controllingSource) ApplyControls(ctl source.Controls) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.controls = ctl
	return nil
}

// eventRecorder collects session events
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// pcmOf returns n bytes of a constant 16-bit sample
func pcmOf(sample int16, n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		out[i] = byte(uint16(sample))
		out[i+1] = byte(uint16(sample) >> 8)
	}
	return out
}
