package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/protocol"
)

// UDPConfig contains sensor bridge listener configuration
type UDPConfig struct {
	BindAddress    string
	Port           int
	ReadBufferSize int           // socket receive buffer in bytes
	Backlog        time.Duration // audio held between captures
	StaleThreshold time.Duration // backlog is dropped when nobody captures for this long
}

// UDP receives audio and beam telemetry from a sensor bridge process
type UDP struct {
	cfg      UDPConfig
	format   audio.WaveFormat
	maxChunk int
	logger   *slog.Logger

	conn    *net.UDPConn
	pending *audio.BoundedBuffer
	group   *errgroup.Group
	cancel  context.CancelFunc

	// Bridge state
	beam           protocol.BeamPayload
	pendingStatus  int32
	peer           *net.UDPAddr
	streamID       uint32
	lockDown       bool
	controls       Controls
	formatMismatch bool
	haveSequence   bool
	lastSequence   uint32

	// Statistics
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	sequenceGaps     uint64
	droppedAudio     uint64

	closed bool
	mu     sync.RWMutex
}

// UDPStatistics represents bridge listener statistics
type UDPStatistics struct {
	PacketsReceived  uint64            `json:"packets_received"`
	PacketsProcessed uint64            `json:"packets_processed"`
	ParseErrors      uint64            `json:"parse_errors"`
	SequenceGaps     uint64            `json:"sequence_gaps"`
	DroppedAudio     uint64            `json:"dropped_audio_bytes"`
	FormatMismatch   bool              `json:"format_mismatch"`
	Backlog          audio.BufferStats `json:"backlog"`
}

// NewUDP creates a listener expecting audio in the given format
func NewUDP(cfg UDPConfig, format audio.WaveFormat, maxChunkBytes int, logger *slog.Logger) (*UDP, error) {
	if err := validateChunk(format, maxChunkBytes); err != nil {
		return nil, err
	}
	if cfg.Backlog <= 0 {
		return nil, fmt.Errorf("%w: backlog must be positive, got %v", audio.ErrConfiguration, cfg.Backlog)
	}

	pending, err := audio.NewBoundedBuffer(format.BytesFor(cfg.Backlog), cfg.StaleThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog buffer: %w", err)
	}

	return &UDP{
		cfg:      cfg,
		format:   format,
		maxChunk: maxChunkBytes - maxChunkBytes%format.BlockAlign,
		logger:   logger,
		pending:  pending,
		controls: DefaultControls(),
	}, nil
}

// Start begins listening for bridge packets
func (u *UDP) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.cfg.BindAddress, fmt.Sprint(u.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if u.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(u.cfg.ReadBufferSize); err != nil {
			u.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", u.cfg.ReadBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	u.mu.Lock()
	u.conn = conn
	u.cancel = cancel
	u.group = group
	u.mu.Unlock()

	// Closing the socket unblocks the receive loop
	group.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	group.Go(func() error {
		return u.receiveLoop(ctx, conn)
	})

	u.logger.Info("Sensor bridge listener started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("sample_rate", u.format.SampleRate),
	)

	return nil
}

// Addr returns the bound address, or nil before Start
func (u *UDP) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// receiveLoop reads packets until the socket is closed
func (u *UDP) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buffer := make([]byte, protocol.MaxPacketSize)

	for {
		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		u.handlePacket(buffer[:n], remoteAddr)

		u.mu.Lock()
		u.packetsReceived++
		u.mu.Unlock()
	}
}

// handlePacket processes a single bridge packet. Audio is copied into the
// backlog before the receive buffer is reused.
func (u *UDP) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		u.mu.Lock()
		u.parseErrors++
		u.mu.Unlock()

		u.logger.Warn("Failed to parse bridge packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	u.mu.Lock()
	u.packetsProcessed++
	u.peer = remoteAddr
	u.streamID = packet.Header.StreamID
	u.mu.Unlock()

	switch {
	case packet.Format != nil:
		u.processFormat(packet.Format)
	case packet.Audio != nil:
		u.processAudio(packet.Header, packet.Audio)
	case packet.Beam != nil:
		u.mu.Lock()
		u.beam = *packet.Beam
		if packet.Beam.Status != StatusOK {
			u.pendingStatus = packet.Beam.Status
		}
		u.mu.Unlock()
	case packet.Control != nil:
		// The bridge reports the settings the device actually applied
		controls := controlsFromPayload(packet.Control)
		u.mu.Lock()
		u.controls = controls
		u.mu.Unlock()
		u.logger.Debug("Bridge reported device controls", slog.String("controls", packet.Control.String()))
	}
}

func (u *UDP) processFormat(f *protocol.FormatPayload) {
	mismatch := int(f.SampleRate) != u.format.SampleRate ||
		int(f.Channels) != u.format.Channels ||
		int(f.BitsPerSample) != u.format.BitsPerSample

	u.mu.Lock()
	changed := mismatch != u.formatMismatch
	u.formatMismatch = mismatch
	u.mu.Unlock()

	if changed && mismatch {
		u.logger.Warn("Bridge announced an unexpected format, dropping its audio",
			slog.String("announced", f.String()),
			slog.Int("expected_sample_rate", u.format.SampleRate),
			slog.Int("expected_channels", u.format.Channels),
			slog.Int("expected_bits", u.format.BitsPerSample),
		)
	} else if changed {
		u.logger.Info("Bridge format matches again", slog.String("announced", f.String()))
	}
}

func (u *UDP) processAudio(header *protocol.Header, payload *protocol.AudioPayload) {
	u.mu.Lock()
	if u.haveSequence && payload.Sequence != u.lastSequence+1 {
		u.sequenceGaps++
	}
	u.haveSequence = true
	u.lastSequence = payload.Sequence

	if u.formatMismatch {
		u.droppedAudio += uint64(len(payload.AudioData))
		u.mu.Unlock()
		return
	}
	if len(payload.AudioData)%u.format.BlockAlign != 0 {
		u.droppedAudio += uint64(len(payload.AudioData))
		u.mu.Unlock()

		u.logger.Warn("Dropping bridge audio that splits a sample",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.Int("payload_size", len(payload.AudioData)),
			slog.Int("block_align", u.format.BlockAlign),
		)
		return
	}
	u.mu.Unlock()

	if err := u.pending.Append(payload.AudioData, len(payload.AudioData)); err != nil {
		u.logger.Debug("Dropping bridge audio",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
		)
	}
}

// Format returns the expected PCM layout
func (u *UDP) Format() audio.WaveFormat {
	return u.format
}

// MaxChunkBytes returns the largest capture size
func (u *UDP) MaxChunkBytes() int {
	return u.maxChunk
}

// Capture drains received audio. A failure status reported by the bridge
// fails exactly one Capture.
func (u *UDP) Capture(dst []byte) (Reading, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return Reading{}, ErrSourceClosed
	}
	if status := u.pendingStatus; status != StatusOK {
		u.pendingStatus = StatusOK
		u.mu.Unlock()
		return Reading{}, &StatusError{Op: "capture", Code: status}
	}
	beam := u.beam
	u.mu.Unlock()

	limit := min(len(dst), u.maxChunk)
	n, err := u.pending.Read(dst, limit-limit%u.format.BlockAlign)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read bridge backlog: %w", err)
	}

	return Reading{
		N:           n,
		BeamAngle:   beam.BeamAngle,
		SourceAngle: beam.SourceAngle,
		Confidence:  beam.Confidence,
	}, nil
}

// SetLockDown asks the bridge to enter or leave speech recognition
// lockdown by re-announcing the expected format with the lockdown flag
func (u *UDP) SetLockDown(enabled bool) error {
	u.mu.Lock()
	u.lockDown = enabled
	conn, peer, streamID := u.conn, u.peer, u.streamID
	u.mu.Unlock()

	if conn == nil || peer == nil {
		return nil
	}

	var flags uint8
	if enabled {
		flags = protocol.FlagLockDown
	}
	packet := protocol.EncodeFormat(streamID, flags, protocol.FormatPayload{
		SampleRate:    uint32(u.format.SampleRate),
		Channels:      uint16(u.format.Channels),
		BitsPerSample: uint16(u.format.BitsPerSample),
	})

	if _, err := conn.WriteToUDP(packet, peer); err != nil {
		return fmt.Errorf("failed to send lockdown request: %w", err)
	}
	return nil
}

// LockedDown reports the last lockdown request
func (u *UDP) LockedDown() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lockDown
}

// Controls returns the last requested or reported device settings
func (u *UDP) Controls() Controls {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.controls
}

// ApplyControls records the settings and forwards them to the bridge.
// Without a known bridge peer the settings are only recorded.
func (u *UDP) ApplyControls(c Controls) error {
	if err := c.Validate(); err != nil {
		return err
	}

	u.mu.Lock()
	u.controls = c
	conn, peer, streamID := u.conn, u.peer, u.streamID
	u.mu.Unlock()

	if conn == nil || peer == nil {
		return nil
	}

	if _, err := conn.WriteToUDP(protocol.EncodeControl(streamID, 0, c.payload()), peer); err != nil {
		return fmt.Errorf("failed to send device controls: %w", err)
	}
	return nil
}

// GetStatistics returns current listener statistics
func (u *UDP) GetStatistics() UDPStatistics {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return UDPStatistics{
		PacketsReceived:  u.packetsReceived,
		PacketsProcessed: u.packetsProcessed,
		ParseErrors:      u.parseErrors,
		SequenceGaps:     u.sequenceGaps,
		DroppedAudio:     u.droppedAudio,
		FormatMismatch:   u.formatMismatch,
		Backlog:          u.pending.GetStats(),
	}
}

// Close stops the listener and waits for its goroutines. Close is idempotent.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	cancel, group := u.cancel, u.group
	u.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = group.Wait()
	}
	u.pending.Close()

	stats := u.GetStatistics()
	u.logger.Info("Sensor bridge listener stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("sequence_gaps", stats.SequenceGaps),
	)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("sensor bridge listener: %w", err)
	}
	return nil
}
