package source

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/beam-audio-service/internal/audio"
)

// SynthConfig shapes the generated signal
type SynthConfig struct {
	FrequencyHz  float64       // tone frequency
	Amplitude    float64       // peak amplitude, 0..1 of full scale
	PulsePeriod  time.Duration // loudness envelope period
	SweepPeriod  time.Duration // time for the talker to walk across and back
	SweepDegrees float64       // talker swings between -SweepDegrees and +SweepDegrees
}

// DefaultSynthConfig returns a 440 Hz talker pacing across the array
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		FrequencyHz:  440,
		Amplitude:    0.5,
		PulsePeriod:  800 * time.Millisecond,
		SweepPeriod:  10 * time.Second,
		SweepDegrees: 40,
	}
}

// Synth is a synthetic 16-bit source: a pulsing tone whose position sweeps
// across the field of view
type Synth struct {
	format   audio.WaveFormat
	maxChunk int
	cfg      SynthConfig

	pacer    *pacer
	started  time.Time
	frames   uint64 // frames generated so far, drives the oscillator
	closed   bool
	lockDown bool
	controls Controls

	mu sync.Mutex
}

// NewSynth creates a synthetic source
func NewSynth(format audio.WaveFormat, maxChunkBytes int, cfg SynthConfig) (*Synth, error) {
	if err := validateChunk(format, maxChunkBytes); err != nil {
		return nil, err
	}
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: synthetic source only generates 16-bit PCM, got %d bits",
			audio.ErrConfiguration, format.BitsPerSample)
	}
	if cfg.FrequencyHz <= 0 || cfg.FrequencyHz*2 > float64(format.SampleRate) {
		return nil, fmt.Errorf("%w: frequency %.1f Hz outside (0, %d]",
			audio.ErrConfiguration, cfg.FrequencyHz, format.SampleRate/2)
	}
	if cfg.Amplitude < 0 || cfg.Amplitude > 1 {
		return nil, fmt.Errorf("%w: amplitude must be between 0 and 1, got %f", audio.ErrConfiguration, cfg.Amplitude)
	}
	if cfg.PulsePeriod <= 0 || cfg.SweepPeriod <= 0 {
		return nil, fmt.Errorf("%w: pulse and sweep periods must be positive", audio.ErrConfiguration)
	}

	return &Synth{
		format:   format,
		maxChunk: maxChunkBytes - maxChunkBytes%format.BlockAlign,
		cfg:      cfg,
		pacer:    newPacer(format, maxChunkBytes),
		controls: DefaultControls(),
	}, nil
}

// Format returns the generated PCM layout
func (s *Synth) Format() audio.WaveFormat {
	return s.format
}

// MaxChunkBytes returns the largest capture size
func (s *Synth) MaxChunkBytes() int {
	return s.maxChunk
}

// Capture generates the audio owed since the previous call
func (s *Synth) Capture(dst []byte) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Reading{}, ErrSourceClosed
	}
	if s.started.IsZero() {
		s.started = s.pacer.now()
	}

	n := s.pacer.take(len(dst))
	rate := float64(s.format.SampleRate)

	for off := 0; off < n; off += s.format.BlockAlign {
		t := float64(s.frames) / rate
		v := s.envelope(t) * s.cfg.Amplitude * math.Sin(2*math.Pi*s.cfg.FrequencyHz*t)
		sample := uint16(int16(math.Round(v * math.MaxInt16)))
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(dst[off+2*ch:], sample)
		}
		s.frames++
	}

	elapsed := s.pacer.now().Sub(s.started).Seconds()
	angle := s.cfg.SweepDegrees * math.Sin(2*math.Pi*elapsed/s.cfg.SweepPeriod.Seconds())
	beam := angle
	if s.controls.BeamMode == BeamManual {
		beam = float64(s.controls.ManualBeamAngle)
	}

	return Reading{
		N:           n,
		BeamAngle:   beam,
		SourceAngle: angle,
		Confidence:  s.envelope(elapsed),
	}, nil
}

// envelope is a raised cosine between 0 and 1
func (s *Synth) envelope(t float64) float64 {
	return 0.5 - 0.5*math.Cos(2*math.Pi*t/s.cfg.PulsePeriod.Seconds())
}

// SetLockDown records the requested lockdown state
func (s *Synth) SetLockDown(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockDown = enabled
	return nil
}

// LockedDown reports the last lockdown request
func (s *Synth) LockedDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockDown
}

// Controls returns the current device settings
func (s *Synth) Controls() Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls
}

// ApplyControls changes the device settings. A manual beam holds the
// reported beam angle while the talker keeps moving.
func (s *Synth) ApplyControls(c Controls) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = c
	return nil
}

// Close stops the source. Close is idempotent.
func (s *Synth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
