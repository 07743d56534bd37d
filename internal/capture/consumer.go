package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/energy"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
	"github.com/skypro1111/beam-audio-service/internal/sched"
)

// Reader is the non-blocking read side of a capture buffer
type Reader interface {
	Read(dst []byte, maxCount int) (int, error)
}

// ConsumerConfig contains energy consumer parameters
type ConsumerConfig struct {
	Interval     time.Duration
	ChunkBytes   int // largest read per tick
	RingCapacity int // energy values kept for renderers
}

// Consumer periodically drains a Reader into an energy ring
type Consumer struct {
	reader    Reader
	extractor *energy.Extractor
	cfg       ConsumerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ticker *sched.Periodic
	tickMu sync.Mutex
	chunk  []byte
	carry  int // 1 when chunk[0] holds the first byte of a split sample

	// Ring state, guarded by mu
	ring      *energy.Ring
	updatedAt time.Time
	ticks     uint64
	bytesRead uint64
	mu        sync.RWMutex
}

// Snapshot is a copy of the energy ring. Values are in storage order;
// reading [Oldest, Oldest+len(Values)) modulo len(Values) goes from oldest
// to newest.
type Snapshot struct {
	Values    []float32 `json:"values" msgpack:"values"`
	Oldest    int       `json:"oldest" msgpack:"oldest"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
	Ticks     uint64    `json:"ticks" msgpack:"ticks"`
	BytesRead uint64    `json:"bytes_read" msgpack:"bytes_read"`
}

// NewConsumer creates a stopped consumer. The metrics may be nil.
func NewConsumer(reader Reader, extractor *energy.Extractor, cfg ConsumerConfig, logger *slog.Logger, m *metrics.Metrics) (*Consumer, error) {
	if reader == nil || extractor == nil {
		return nil, fmt.Errorf("%w: consumer needs a reader and an extractor", audio.ErrConfiguration)
	}
	if cfg.ChunkBytes <= 0 || cfg.ChunkBytes%2 != 0 {
		return nil, fmt.Errorf("%w: chunk size must be a positive whole number of 16-bit samples, got %d",
			audio.ErrConfiguration, cfg.ChunkBytes)
	}

	ring, err := energy.NewRing(cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrConfiguration, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Consumer{
		reader:    reader,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		chunk:     make([]byte, cfg.ChunkBytes),
		ring:      ring,
	}

	c.ticker, err = sched.NewPeriodic("consumer", cfg.Interval, c.Tick, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrConfiguration, err)
	}

	return c, nil
}

// Start begins periodic consumption
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ticker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

// Stop cancels periodic consumption and waits for an in-flight tick.
// Stop is idempotent.
func (c *Consumer) Stop() {
	c.ticker.Stop()
}

// Tick reads up to one chunk and converts it to energy values. An empty
// read is a no-op. A read ending inside a sample keeps the odd byte for the
// next tick so samples stay aligned.
func (c *Consumer) Tick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := time.Now()

	n, err := c.reader.Read(c.chunk[c.carry:], len(c.chunk)-c.carry)
	if err != nil {
		if !errors.Is(err, audio.ErrClosed) {
			c.logger.Warn("Consumer read failed", slog.String("error", err.Error()))
		}
		return
	}
	if n == 0 {
		return
	}

	total := c.carry + n
	whole := total &^ 1
	c.carry = total - whole

	c.mu.Lock()
	oldest := c.extractor.Convert(c.chunk, whole, c.ring)
	if c.carry == 1 {
		c.chunk[0] = c.chunk[total-1]
	}
	latest := c.ring.Values()[(oldest+c.ring.Cap()-1)%c.ring.Cap()]
	c.updatedAt = time.Now()
	c.ticks++
	c.bytesRead += uint64(n)
	c.mu.Unlock()

	buckets := whole / c.extractor.BytesPerBucket()
	c.metrics.RecordConsumerTick(n, buckets, latest, time.Since(start).Seconds())
}

// Snapshot copies the current ring
func (c *Consumer) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Values:    append([]float32(nil), c.ring.Values()...),
		Oldest:    c.ring.Oldest(),
		UpdatedAt: c.updatedAt,
		Ticks:     c.ticks,
		BytesRead: c.bytesRead,
	}
}

// Ordered returns the energy values oldest to newest
func (c *Consumer) Ordered() []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring.Ordered(make([]float32, 0, c.ring.Cap()))
}

// Running reports whether the consumer is ticking
func (c *Consumer) Running() bool {
	return c.ticker.Running()
}
