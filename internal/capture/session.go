package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/beam-audio-service/internal/angle"
	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
	"github.com/skypro1111/beam-audio-service/internal/sched"
	"github.com/skypro1111/beam-audio-service/internal/source"
)

// State is the session lifecycle state
type State int

const (
	StateStopped State = iota
	StateStarting
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Intent is what the captured audio is for
type Intent int

const (
	// IntentMutable captures PCM into a bounded buffer for consumers
	IntentMutable Intent = iota
	// IntentSpeech hands the device to speech recognition: no buffer and
	// no ticking, the source is locked down if it supports it
	IntentSpeech
)

func (i Intent) String() string {
	switch i {
	case IntentMutable:
		return "mutable"
	case IntentSpeech:
		return "speech"
	default:
		return fmt.Sprintf("unknown(%d)", int(i))
	}
}

// ParseIntent converts a configuration or API string to an Intent
func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(s) {
	case "", "mutable":
		return IntentMutable, nil
	case "speech":
		return IntentSpeech, nil
	default:
		return 0, fmt.Errorf("%w: unknown intent %q", audio.ErrConfiguration, s)
	}
}

// SessionConfig contains capture tick and angle tracking parameters
type SessionConfig struct {
	CaptureInterval time.Duration
	MinDegrees      float64
	MaxDegrees      float64
	BeamStep        int // beam angle quantization in degrees
	SourceStep      int // sound source angle quantization in degrees
}

// DefaultSessionConfig returns a 30ms tick over a ±50° field of view
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CaptureInterval: 30 * time.Millisecond,
		MinDegrees:      angle.DefaultMinDegrees,
		MaxDegrees:      angle.DefaultMaxDegrees,
		BeamStep:        10,
		SourceStep:      1,
	}
}

// Session captures audio from one source into a bounded buffer
type Session struct {
	src     source.Source
	cfg     SessionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	listeners listenerSet

	// opMu serializes Start and Stop; mu guards the fields Tick and
	// Status read
	opMu sync.Mutex
	mu   sync.RWMutex

	state     State
	intent    Intent
	id        string
	startedAt time.Time
	buffer    *audio.BoundedBuffer
	ticker    *sched.Periodic
	beam      *angle.Tracker
	sound     *angle.Tracker

	// Tick state, guarded by tickMu
	tickMu    sync.Mutex
	chunk     []byte
	lastStats audio.BufferStats

	// Counters, guarded by statsMu
	statsMu   sync.Mutex
	ticks     uint64
	skipped   uint64
	lastError string
}

// Status represents session state for monitoring and APIs
type Status struct {
	State        string               `json:"state"`
	Intent       string               `json:"intent,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	StartedAt    time.Time            `json:"started_at,omitzero"`
	Duration     time.Duration        `json:"duration"`
	Format       audio.WaveFormat     `json:"format"`
	Ticks        uint64               `json:"ticks"`
	SkippedTicks uint64               `json:"skipped_ticks"`
	LastError    string               `json:"last_error,omitempty"`
	BeamAngle    *angle.State         `json:"beam_angle,omitempty"`
	SourceAngle  *angle.State         `json:"source_angle,omitempty"`
	Buffer       *audio.BufferStats   `json:"buffer,omitempty"`
	Ticker       *sched.PeriodicStats `json:"ticker,omitempty"`
}

// NewSession creates a stopped session over src. The metrics may be nil.
func NewSession(src source.Source, cfg SessionConfig, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: audio source is required", audio.ErrConfiguration)
	}
	if err := src.Format().ValidateMono16(); err != nil {
		return nil, fmt.Errorf("source format: %w", err)
	}
	if cfg.CaptureInterval <= 0 {
		return nil, fmt.Errorf("%w: capture interval must be positive, got %v", audio.ErrConfiguration, cfg.CaptureInterval)
	}
	if src.MaxChunkBytes() <= 0 {
		return nil, fmt.Errorf("%w: source max chunk must be positive, got %d", audio.ErrConfiguration, src.MaxChunkBytes())
	}
	// Validate tracker parameters up front so Start cannot fail on them
	if _, err := angle.NewTracker(cfg.MinDegrees, cfg.MaxDegrees, cfg.BeamStep); err != nil {
		return nil, fmt.Errorf("%w: beam tracker: %v", audio.ErrConfiguration, err)
	}
	if _, err := angle.NewTracker(cfg.MinDegrees, cfg.MaxDegrees, cfg.SourceStep); err != nil {
		return nil, fmt.Errorf("%w: source tracker: %v", audio.ErrConfiguration, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		chunk:   make([]byte, src.MaxChunkBytes()),
	}, nil
}

// Subscribe registers a listener and returns a function that removes it
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// Start begins capturing with the given intent. For the mutable intent the
// buffer holds staleThreshold worth of audio and is returned to the caller;
// the speech intent returns a nil buffer. Starting a running session with
// the same intent returns its existing buffer, a different intent fails
// with audio.ErrIncompatibleMode.
func (s *Session) Start(intent Intent, staleThreshold time.Duration) (*audio.BoundedBuffer, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state, current, buffer := s.state, s.intent, s.buffer
	s.mu.RUnlock()

	if state != StateStopped {
		if intent != current {
			return nil, fmt.Errorf("%w: session is capturing for %s, requested %s",
				audio.ErrIncompatibleMode, current, intent)
		}
		return buffer, nil
	}

	s.setState(StateStarting)

	var err error
	switch intent {
	case IntentMutable:
		err = s.startMutable(staleThreshold)
	case IntentSpeech:
		err = s.setLockDown(true)
	default:
		err = fmt.Errorf("%w: unknown intent %d", audio.ErrConfiguration, int(intent))
	}
	if err != nil {
		s.setState(StateStopped)
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.intent = intent
	s.id = uuid.NewString()
	s.startedAt = now
	s.state = StateCapturing
	buffer, ticker, id := s.buffer, s.ticker, s.id
	s.mu.Unlock()

	if ticker != nil {
		if err := ticker.Start(context.Background()); err != nil {
			s.teardown()
			return nil, fmt.Errorf("failed to start capture ticker: %w", err)
		}
	}

	s.metrics.RecordSessionStarted()
	s.logger.Info("Capture session started",
		slog.String("session_id", id),
		slog.String("intent", intent.String()),
		slog.Duration("stale_threshold", staleThreshold),
		slog.Duration("capture_interval", s.cfg.CaptureInterval),
	)

	s.listeners.emit(Event{
		Type:      CapturingStarted,
		SessionID: id,
		Intent:    intent,
		Time:      now,
		Buffer:    buffer,
	})

	return buffer, nil
}

// startMutable creates the buffer, trackers and ticker for a mutable session
func (s *Session) startMutable(staleThreshold time.Duration) error {
	format := s.src.Format()
	capacity := format.BytesFor(staleThreshold)
	if capacity <= 0 {
		return fmt.Errorf("%w: stale threshold %v holds no audio at %d bytes/s",
			audio.ErrConfiguration, staleThreshold, format.AvgBytesPerSecond)
	}

	buffer, err := audio.NewBoundedBuffer(capacity, staleThreshold)
	if err != nil {
		return err
	}

	beam, _ := angle.NewTracker(s.cfg.MinDegrees, s.cfg.MaxDegrees, s.cfg.BeamStep)
	sound, _ := angle.NewTracker(s.cfg.MinDegrees, s.cfg.MaxDegrees, s.cfg.SourceStep)

	ticker, err := sched.NewPeriodic("capture", s.cfg.CaptureInterval, s.Tick, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrConfiguration, err)
	}

	s.tickMu.Lock()
	s.lastStats = audio.BufferStats{}
	s.tickMu.Unlock()

	s.statsMu.Lock()
	s.ticks = 0
	s.skipped = 0
	s.lastError = ""
	s.statsMu.Unlock()

	s.mu.Lock()
	s.buffer = buffer
	s.beam = beam
	s.sound = sound
	s.ticker = ticker
	s.mu.Unlock()

	return nil
}

func (s *Session) setLockDown(enabled bool) error {
	ld, ok := s.src.(source.LockDowner)
	if !ok {
		return nil
	}
	if err := ld.SetLockDown(enabled); err != nil {
		return fmt.Errorf("failed to set source lockdown to %t: %w", enabled, err)
	}
	return nil
}

// Controls returns the source's device settings
func (s *Session) Controls() (source.Controls, error) {
	ctl, ok := s.src.(source.Controller)
	if !ok {
		return source.Controls{}, source.ErrUnsupported
	}
	return ctl.Controls(), nil
}

// SetControls applies device settings to the source. A manual beam angle is
// clamped and snapped to the beam tracker's grid; automatic mode clears it.
// The settings actually applied are returned.
func (s *Session) SetControls(c source.Controls) (source.Controls, error) {
	ctl, ok := s.src.(source.Controller)
	if !ok {
		return source.Controls{}, source.ErrUnsupported
	}
	if err := c.Validate(); err != nil {
		return source.Controls{}, err
	}

	if c.BeamMode == source.BeamManual {
		c.ManualBeamAngle = angle.Snap(float64(c.ManualBeamAngle), s.cfg.MinDegrees, s.cfg.MaxDegrees, s.cfg.BeamStep)
	} else {
		c.ManualBeamAngle = 0
	}

	if err := ctl.ApplyControls(c); err != nil {
		return source.Controls{}, fmt.Errorf("failed to apply device controls: %w", err)
	}

	s.logger.Info("Device controls applied",
		slog.String("beam_mode", c.BeamMode.String()),
		slog.Int("manual_beam_angle", c.ManualBeamAngle),
		slog.Bool("automatic_gain_control", c.AutomaticGainControl),
		slog.Bool("noise_suppression", c.NoiseSuppression),
		slog.String("echo_cancellation", c.EchoCancellation.String()),
	)
	return c, nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Tick captures one chunk from the source into the buffer and updates the
// angle trackers. Source failures skip the tick.
func (s *Session) Tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()

	s.mu.RLock()
	state, buffer, beam, sound, id := s.state, s.buffer, s.beam, s.sound, s.id
	s.mu.RUnlock()

	if state != StateCapturing || buffer == nil {
		return
	}

	reading, err := s.src.Capture(s.chunk)
	if err != nil {
		s.skipTick(id, err)
		return
	}

	if err := buffer.Append(s.chunk, reading.N); err != nil {
		if !errors.Is(err, audio.ErrClosed) {
			s.skipTick(id, err)
		}
		return
	}

	s.statsMu.Lock()
	s.ticks++
	s.statsMu.Unlock()

	stats := buffer.GetStats()
	s.metrics.RecordBufferStats(s.lastStats, stats)
	s.lastStats = stats

	now := time.Now()
	if change, ok := beam.Update(reading.BeamAngle, 1); ok {
		s.metrics.RecordBeamAngle(change.Degrees)
		s.listeners.emit(Event{
			Type:       BeamAngleChanged,
			SessionID:  id,
			Intent:     IntentMutable,
			Time:       now,
			Degrees:    change.Degrees,
			RawDegrees: change.RawDegrees,
			Confidence: change.Confidence,
		})
	}
	if change, ok := sound.Update(reading.SourceAngle, reading.Confidence); ok {
		s.metrics.RecordSourceAngle(change.Degrees, change.Confidence)
		s.listeners.emit(Event{
			Type:       AngleChanged,
			SessionID:  id,
			Intent:     IntentMutable,
			Time:       now,
			Degrees:    change.Degrees,
			RawDegrees: change.RawDegrees,
			Confidence: change.Confidence,
		})
	}

	s.metrics.RecordCaptureTick(reading.N, time.Since(start).Seconds())
}

// skipTick logs and counts a failed tick
func (s *Session) skipTick(id string, err error) {
	s.statsMu.Lock()
	s.skipped++
	s.lastError = err.Error()
	skipped := s.skipped
	s.statsMu.Unlock()

	reason := "error"
	var statusErr *source.StatusError
	if errors.As(err, &statusErr) {
		reason = "permanent"
		if statusErr.IsTransient() {
			reason = "transient"
		}
	}
	s.metrics.RecordCaptureSkipped(reason)

	level := slog.LevelWarn
	if reason != "transient" {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "Capture tick skipped",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
		slog.Uint64("skipped_ticks", skipped),
	)
}

// Stop ends the session: the ticker is cancelled and awaited, the buffer is
// closed and CapturingStopped is emitted. Stop is idempotent.
func (s *Session) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateStopped {
		return nil
	}

	return s.teardown()
}

// teardown stops a started session. Called with opMu held.
func (s *Session) teardown() error {
	s.mu.RLock()
	ticker, buffer, intent, id, startedAt := s.ticker, s.buffer, s.intent, s.id, s.startedAt
	s.mu.RUnlock()

	if ticker != nil {
		ticker.Stop()
	}

	var err error
	if intent == IntentSpeech {
		err = s.setLockDown(false)
	}
	if buffer != nil {
		buffer.Close()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.buffer = nil
	s.ticker = nil
	s.mu.Unlock()

	duration := time.Since(startedAt)
	s.metrics.RecordSessionStopped(duration.Seconds())

	s.statsMu.Lock()
	ticks, skipped := s.ticks, s.skipped
	s.statsMu.Unlock()

	s.logger.Info("Capture session stopped",
		slog.String("session_id", id),
		slog.String("intent", intent.String()),
		slog.Duration("duration", duration),
		slog.Uint64("ticks", ticks),
		slog.Uint64("skipped_ticks", skipped),
	)

	s.listeners.emit(Event{
		Type:      CapturingStopped,
		SessionID: id,
		Intent:    intent,
		Time:      time.Now(),
	})

	return err
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Buffer returns the current buffer, or nil when not capturing mutable audio
func (s *Session) Buffer() *audio.BoundedBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer
}

// Format returns the source's PCM layout
func (s *Session) Format() audio.WaveFormat {
	return s.src.Format()
}

// Status returns a snapshot of the session for monitoring
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		State:  s.state.String(),
		Format: s.src.Format(),
	}
	if s.state != StateStopped {
		st.Intent = s.intent.String()
		st.SessionID = s.id
		st.StartedAt = s.startedAt
		st.Duration = time.Since(s.startedAt)
	}
	buffer, ticker, beam, sound := s.buffer, s.ticker, s.beam, s.sound
	s.mu.RUnlock()

	if buffer != nil {
		stats := buffer.GetStats()
		st.Buffer = &stats
	}
	if ticker != nil {
		stats := ticker.GetStats()
		st.Ticker = &stats
	}
	// Angles appear once the first reading has set a baseline
	if beam != nil && beam.Primed() {
		state := beam.State()
		st.BeamAngle = &state
	}
	if sound != nil && sound.Primed() {
		state := sound.State()
		st.SourceAngle = &state
	}

	s.statsMu.Lock()
	st.Ticks = s.ticks
	st.SkippedTicks = s.skipped
	st.LastError = s.lastError
	s.statsMu.Unlock()

	return st
}
