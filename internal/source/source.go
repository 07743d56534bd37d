package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/beam-audio-service/internal/audio"
)

// Source is an external PCM producer with beam telemetry
type Source interface {
	// Format returns the PCM layout of captured bytes
	Format() audio.WaveFormat

	// MaxChunkBytes is the largest number of bytes one Capture returns
	MaxChunkBytes() int

	// Capture copies up to len(dst) bytes of new audio into dst. It never
	// blocks waiting for audio.
	Capture(dst []byte) (Reading, error)

	Close() error
}

// LockDowner is implemented by sources that can switch the device into
// speech recognition lockdown
type LockDowner interface {
	SetLockDown(enabled bool) error
}

// Reading is the result of one Capture call
type Reading struct {
	N           int     // bytes written to dst
	BeamAngle   float64 // degrees
	SourceAngle float64 // degrees
	Confidence  float64 // sound source confidence, 0..1
}

// Hardware status codes
const (
	StatusOK              int32 = 0
	StatusDeviceRemoved   int32 = -0x7ff8ffe9 // 0x80070017 as a signed HRESULT
	StatusDeviceNotReady  int32 = -0x7ff8ffeb // 0x80070015
	StatusBufferUnderflow int32 = -0x7ff8fc79 // 0x80070387
)

// ErrSourceClosed is returned by Capture after Close
var ErrSourceClosed = errors.New("audio source closed")

// StatusError is a failed hardware call with its status code
type StatusError struct {
	Op   string
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%08x", e.Op, uint32(e.Code))
}

// IsTransient reports whether the next call may succeed. Only device
// removal is permanent.
func (e *StatusError) IsTransient() bool {
	return e.Code != StatusDeviceRemoved
}

// IsTransient reports whether err is a transient *StatusError
func IsTransient(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.IsTransient()
}

// pacer turns wall clock time into a byte budget so that file and synthetic
// sources deliver audio at the rate a device would
type pacer struct {
	format   audio.WaveFormat
	maxBytes int
	last     time.Time
	now      func() time.Time
}

func newPacer(format audio.WaveFormat, maxBytes int) *pacer {
	return &pacer{format: format, maxBytes: maxBytes, now: time.Now}
}

// take returns the block-aligned byte count owed since the previous call,
// capped at limit and maxBytes. Audio beyond the cap is dropped as a device
// overrun would.
func (p *pacer) take(limit int) int {
	now := p.now()
	if p.last.IsZero() {
		p.last = now
		return 0
	}

	owed := p.format.BytesFor(now.Sub(p.last))
	budget := min(limit, p.maxBytes)

	if owed > budget {
		// Overrun: restart the clock rather than accumulate debt
		p.last = now
		return budget - budget%p.format.BlockAlign
	}

	n := owed - owed%p.format.BlockAlign
	p.last = p.last.Add(p.format.DurationOf(n))
	return n
}

func validateChunk(format audio.WaveFormat, maxChunkBytes int) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if maxChunkBytes < format.BlockAlign {
		return fmt.Errorf("%w: max chunk of %d bytes is smaller than one block (%d bytes)",
			audio.ErrConfiguration, maxChunkBytes, format.BlockAlign)
	}
	return nil
}
