package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/skypro1111/beam-audio-service/internal/energy"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
)

// Pipeline attaches an energy consumer to every mutable capture a session
// starts and stops it when the capture ends. The last snapshot stays
// available between captures.
type Pipeline struct {
	ctx       context.Context
	session   *Session
	extractor *energy.Extractor
	cfg       ConsumerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	unsubscribe func()

	mu       sync.RWMutex
	consumer *Consumer
	last     *Snapshot
}

// NewPipeline subscribes to session events. Consumers run until ctx is
// cancelled or Close is called.
func NewPipeline(ctx context.Context, session *Session, extractor *energy.Extractor, cfg ConsumerConfig, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		ctx:       ctx,
		session:   session,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
	p.unsubscribe = session.Subscribe(p.handleEvent)
	return p
}

func (p *Pipeline) handleEvent(ev Event) {
	switch ev.Type {
	case CapturingStarted:
		if ev.Buffer == nil {
			return
		}
		consumer, err := NewConsumer(ev.Buffer, p.extractor, p.cfg, p.logger, p.metrics)
		if err != nil {
			p.logger.Error("Failed to create energy consumer",
				slog.String("session_id", ev.SessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := consumer.Start(p.ctx); err != nil {
			p.logger.Error("Failed to start energy consumer",
				slog.String("session_id", ev.SessionID),
				slog.String("error", err.Error()),
			)
			return
		}

		p.mu.Lock()
		previous := p.consumer
		p.consumer = consumer
		p.mu.Unlock()

		if previous != nil {
			previous.Stop()
		}

		p.logger.Debug("Energy consumer attached",
			slog.String("session_id", ev.SessionID),
			slog.Duration("interval", p.cfg.Interval),
			slog.Int("ring_capacity", p.cfg.RingCapacity),
		)

	case CapturingStopped:
		p.detach()
	}
}

// detach stops the current consumer and keeps its final snapshot
func (p *Pipeline) detach() {
	p.mu.Lock()
	consumer := p.consumer
	p.consumer = nil
	p.mu.Unlock()

	if consumer == nil {
		return
	}
	consumer.Stop()

	snapshot := consumer.Snapshot()
	p.mu.Lock()
	p.last = &snapshot
	p.mu.Unlock()
}

// Snapshot returns the live ring, or the last one after a capture ended.
// It reports false when no capture has produced a ring yet.
func (p *Pipeline) Snapshot() (Snapshot, bool) {
	p.mu.RLock()
	consumer, last := p.consumer, p.last
	p.mu.RUnlock()

	if consumer != nil {
		return consumer.Snapshot(), true
	}
	if last != nil {
		return *last, true
	}
	return Snapshot{}, false
}

// Ordered returns the energy values oldest to newest, or nil before the
// first capture
func (p *Pipeline) Ordered() []float32 {
	snapshot, ok := p.Snapshot()
	if !ok {
		return nil
	}
	return snapshot.Ordered()
}

// Active reports whether a consumer is running
func (p *Pipeline) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consumer != nil
}

// Close detaches from the session and stops the current consumer
func (p *Pipeline) Close() {
	p.unsubscribe()
	p.detach()
}

// Ordered returns the snapshot values oldest to newest
func (s Snapshot) Ordered() []float32 {
	out := make([]float32, 0, len(s.Values))
	out = append(out, s.Values[s.Oldest:]...)
	return append(out, s.Values[:s.Oldest]...)
}
