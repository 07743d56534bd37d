package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/energy"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
)

func newTestExtractor(t *testing.T) *energy.Extractor {
	t.Helper()
	e, err := energy.NewExtractor(energy.DefaultSamplesPerBucket, energy.DefaultNoiseFloor)
	require.NoError(t, err)
	return e
}

func newTestConsumer(t *testing.T, reader Reader, chunk, ring int) *Consumer {
	t.Helper()
	c, err := NewConsumer(reader, newTestExtractor(t), ConsumerConfig{
		Interval:     time.Hour,
		ChunkBytes:   chunk,
		RingCapacity: ring,
	}, testLogger(), metrics.NewMetrics())
	require.NoError(t, err)
	return c
}

func TestNewConsumerValidation(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(1000, time.Second)
	require.NoError(t, err)
	e := newTestExtractor(t)

	tests := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{"zero chunk", ConsumerConfig{Interval: time.Millisecond, ChunkBytes: 0, RingCapacity: 10}},
		{"zero ring", ConsumerConfig{Interval: time.Millisecond, ChunkBytes: 960, RingCapacity: 0}},
		{"zero interval", ConsumerConfig{Interval: 0, ChunkBytes: 960, RingCapacity: 10}},
		{"odd chunk", ConsumerConfig{Interval: time.Millisecond, ChunkBytes: 81, RingCapacity: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConsumer(buf, e, tt.cfg, testLogger(), nil)
			assert.ErrorIs(t, err, audio.ErrConfiguration)
		})
	}

	_, err = NewConsumer(nil, e, ConsumerConfig{Interval: time.Millisecond, ChunkBytes: 1, RingCapacity: 1}, testLogger(), nil)
	assert.ErrorIs(t, err, audio.ErrConfiguration)
}

func TestConsumerTickConvertsAudio(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(16000, time.Minute)
	require.NoError(t, err)
	require.NoError(t, buf.Append(pcmOf(10000, 960), 960))

	c := newTestConsumer(t, buf, 3200, 975)
	c.Tick()

	snap := c.Snapshot()
	assert.Equal(t, 12, snap.Oldest, "960 bytes make 12 buckets of 40 samples")
	assert.Equal(t, uint64(1), snap.Ticks)
	assert.Equal(t, uint64(960), snap.BytesRead)
	assert.Len(t, snap.Values, 975)
	for i := 0; i < 12; i++ {
		assert.InDelta(t, 0.821, snap.Values[i], 0.001)
	}
	assert.Zero(t, snap.Values[12])

	ordered := c.Ordered()
	assert.Len(t, ordered, 975)
	assert.InDelta(t, 0.821, ordered[974], 0.001, "newest value last")
	assert.Equal(t, ordered, snap.Ordered())
}

// trickleReader serves a PCM stream at most limit bytes per Read
type trickleReader struct {
	stream []byte
	offset int
	limit  int
}

func (r *trickleReader) Read(dst []byte, maxCount int) (int, error) {
	n := copy(dst[:min(maxCount, r.limit)], r.stream[r.offset:])
	r.offset += n
	return n, nil
}

func TestConsumerKeepsSamplesAlignedAcrossOddReads(t *testing.T) {
	reader := &trickleReader{stream: pcmOf(10000, 3200), limit: 81}

	c := newTestConsumer(t, reader, 3200, 8)
	for i := 0; i < 8; i++ {
		c.Tick()
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(8*81), snap.BytesRead)
	for i, v := range snap.Ordered() {
		assert.InDelta(t, 0.821, v, 0.001, "bucket %d decoded from split samples", i)
	}
}

func TestConsumerEmptyTickIsNoop(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(16000, time.Minute)
	require.NoError(t, err)

	c := newTestConsumer(t, buf, 3200, 10)
	c.Tick()

	snap := c.Snapshot()
	assert.Zero(t, snap.Ticks)
	assert.True(t, snap.UpdatedAt.IsZero())
}

func TestConsumerReadsAtMostOneChunk(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(16000, time.Minute)
	require.NoError(t, err)
	require.NoError(t, buf.Append(pcmOf(500, 2000), 2000))

	c := newTestConsumer(t, buf, 800, 100)
	c.Tick()

	assert.Equal(t, uint64(800), c.Snapshot().BytesRead)
	assert.Equal(t, 1200, buf.Unread())
}

func TestConsumerClosedBuffer(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(16000, time.Minute)
	require.NoError(t, err)
	require.NoError(t, buf.Close())

	c := newTestConsumer(t, buf, 800, 100)
	assert.NotPanics(t, c.Tick)
	assert.Zero(t, c.Snapshot().Ticks)
}

func TestConsumerStartStop(t *testing.T) {
	buf, err := audio.NewBoundedBuffer(16000, time.Minute)
	require.NoError(t, err)

	c, err := NewConsumer(buf, newTestExtractor(t), ConsumerConfig{
		Interval:     time.Millisecond,
		ChunkBytes:   960,
		RingCapacity: 100,
	}, testLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())

	require.NoError(t, buf.Append(pcmOf(1000, 1920), 1920))
	require.Eventually(t, func() bool { return c.Snapshot().BytesRead == 1920 }, 2*time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	assert.False(t, c.Running())
}

func TestPipelineFollowsSession(t *testing.T) {
	src := newFakeSource()
	cfg := DefaultSessionConfig()
	cfg.CaptureInterval = time.Millisecond

	s, err := NewSession(src, cfg, testLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })

	p := NewPipeline(context.Background(), s, newTestExtractor(t), ConsumerConfig{
		Interval:     time.Millisecond,
		ChunkBytes:   3200,
		RingCapacity: 50,
	}, testLogger(), nil)
	defer p.Close()

	_, ok := p.Snapshot()
	assert.False(t, ok)
	assert.Nil(t, p.Ordered())

	_, err = s.Start(IntentMutable, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, p.Active())

	src.push(fakeStep{pcm: pcmOf(10000, 960)})
	require.Eventually(t, func() bool {
		snap, ok := p.Snapshot()
		return ok && snap.BytesRead == 960
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, p.Active())

	snap, ok := p.Snapshot()
	require.True(t, ok, "last snapshot survives the capture")
	assert.Equal(t, 12, snap.Oldest)
	assert.Len(t, p.Ordered(), 50)
}

func TestPipelineIgnoresSpeechCaptures(t *testing.T) {
	s, _ := newManualSession(t, newFakeSource(), nil)
	p := NewPipeline(context.Background(), s, newTestExtractor(t), ConsumerConfig{
		Interval:     time.Millisecond,
		ChunkBytes:   3200,
		RingCapacity: 50,
	}, testLogger(), nil)
	defer p.Close()

	_, err := s.Start(IntentSpeech, 0)
	require.NoError(t, err)
	assert.False(t, p.Active())
}
