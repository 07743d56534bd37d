package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Periodic calls a function at a fixed interval until stopped
type Periodic struct {
	name     string
	interval time.Duration
	fn       func()
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopped   bool

	runs     atomic.Uint64
	overruns atomic.Uint64
}

// PeriodicStats represents task statistics for monitoring
type PeriodicStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     uint64        `json:"runs"`
	Overruns uint64        `json:"overruns"`
	Running  bool          `json:"running"`
}

// NewPeriodic creates a stopped task that will call fn every interval
func NewPeriodic(name string, interval time.Duration, fn func(), logger *slog.Logger) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	if fn == nil {
		return nil, fmt.Errorf("task function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}, nil
}

// Start spawns the task goroutine. The first run happens immediately.
// A task can be started only once.
func (p *Periodic) Start(ctx context.Context) error {
	p.startedMu.Lock()
	defer p.startedMu.Unlock()

	if p.started {
		return fmt.Errorf("task %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go p.loop()

	return nil
}

// Stop cancels the task and waits for an in-flight run to finish. No run
// starts after Stop returns. Stop is idempotent and safe before Start.
func (p *Periodic) Stop() {
	p.startedMu.Lock()
	if !p.started || p.stopped {
		p.startedMu.Unlock()
		return
	}
	p.stopped = true
	p.startedMu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.logger.Debug("Periodic task stopped",
		slog.String("task", p.name),
		slog.Uint64("runs", p.runs.Load()),
		slog.Uint64("overruns", p.overruns.Load()),
	)
}

// loop runs the task until the context is cancelled
func (p *Periodic) loop() {
	defer p.wg.Done()

	p.logger.Debug("Periodic task started",
		slog.String("task", p.name),
		slog.Duration("interval", p.interval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}

		// Cancellation may race with the timer firing
		if p.ctx.Err() != nil {
			return
		}

		start := time.Now()
		p.fn()
		p.runs.Add(1)

		wait := p.interval - time.Since(start)
		if wait < 0 {
			wait = 0
			p.overruns.Add(1)
		}
		timer.Reset(wait)
	}
}

// Running reports whether the task has been started and not stopped
func (p *Periodic) Running() bool {
	p.startedMu.Lock()
	defer p.startedMu.Unlock()
	return p.started && !p.stopped
}

// GetStats returns current task statistics
func (p *Periodic) GetStats() PeriodicStats {
	return PeriodicStats{
		Name:     p.name,
		Interval: p.interval,
		Runs:     p.runs.Load(),
		Overruns: p.overruns.Load(),
		Running:  p.Running(),
	}
}
