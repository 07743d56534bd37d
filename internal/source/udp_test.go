package source

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestUDP starts a listener on a loopback port and dials it
func startTestUDP(t *testing.T) (*UDP, *net.UDPConn) {
	t.Helper()

	u, err := NewUDP(UDPConfig{
		BindAddress:    "127.0.0.1",
		Port:           0,
		Backlog:        time.Second,
		StaleThreshold: time.Minute,
	}, audio.DefaultWaveFormat(), 3200, testLogger())
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))
	t.Cleanup(func() { u.Close() })

	client, err := net.DialUDP("udp", nil, u.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return u, client
}

func send(t *testing.T, u *UDP, client *net.UDPConn, packet []byte) {
	t.Helper()
	before := u.GetStatistics().PacketsReceived
	_, err := client.Write(packet)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return u.GetStatistics().PacketsReceived > before
	}, 2*time.Second, time.Millisecond)
}

func audioPacket(t *testing.T, seq uint32, pcm []byte) []byte {
	t.Helper()
	packet, err := protocol.EncodeAudio(7, 0, seq, pcm)
	require.NoError(t, err)
	return packet
}

func TestNewUDPValidation(t *testing.T) {
	_, err := NewUDP(UDPConfig{Backlog: 0, StaleThreshold: time.Second}, audio.DefaultWaveFormat(), 3200, testLogger())
	assert.ErrorIs(t, err, audio.ErrConfiguration)

	_, err = NewUDP(UDPConfig{Backlog: time.Second}, audio.DefaultWaveFormat(), 3200, testLogger())
	assert.ErrorIs(t, err, audio.ErrConfiguration, "stale threshold is required")
}

func TestUDPAudioAndBeam(t *testing.T) {
	u, client := startTestUDP(t)

	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	send(t, u, client, audioPacket(t, 1, pcm))
	send(t, u, client, protocol.EncodeBeam(7, 0, protocol.BeamPayload{
		BeamAngle: -20, SourceAngle: -17.5, Confidence: 0.75,
	}))

	dst := make([]byte, 4096)
	r, err := u.Capture(dst)
	require.NoError(t, err)
	assert.Equal(t, 640, r.N)
	assert.Equal(t, pcm, dst[:r.N])
	assert.Equal(t, -20.0, r.BeamAngle)
	assert.Equal(t, -17.5, r.SourceAngle)
	assert.InDelta(t, 0.75, r.Confidence, 0.001)

	r, err = u.Capture(dst)
	require.NoError(t, err)
	assert.Equal(t, 0, r.N, "backlog drained")
}

func TestUDPCaptureCappedAtMaxChunk(t *testing.T) {
	u, client := startTestUDP(t)

	send(t, u, client, audioPacket(t, 1, make([]byte, 3000)))
	send(t, u, client, audioPacket(t, 2, make([]byte, 3000)))

	r, err := u.Capture(make([]byte, 8192))
	require.NoError(t, err)
	assert.Equal(t, 3200, r.N)

	r, err = u.Capture(make([]byte, 8192))
	require.NoError(t, err)
	assert.Equal(t, 2800, r.N)
}

func TestUDPStatusFailsOneCapture(t *testing.T) {
	u, client := startTestUDP(t)

	send(t, u, client, protocol.EncodeBeam(7, 0, protocol.BeamPayload{Status: StatusDeviceNotReady}))

	_, err := u.Capture(make([]byte, 64))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StatusDeviceNotReady, se.Code)
	assert.True(t, IsTransient(err))

	_, err = u.Capture(make([]byte, 64))
	assert.NoError(t, err)
}

func TestUDPFormatMismatchDropsAudio(t *testing.T) {
	u, client := startTestUDP(t)

	send(t, u, client, protocol.EncodeFormat(7, 0, protocol.FormatPayload{SampleRate: 8000, Channels: 1, BitsPerSample: 16}))
	send(t, u, client, audioPacket(t, 1, make([]byte, 320)))

	stats := u.GetStatistics()
	assert.True(t, stats.FormatMismatch)
	assert.Equal(t, uint64(320), stats.DroppedAudio)

	r, err := u.Capture(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 0, r.N)

	send(t, u, client, protocol.EncodeFormat(7, 0, protocol.FormatPayload{SampleRate: 16000, Channels: 1, BitsPerSample: 16}))
	send(t, u, client, audioPacket(t, 2, make([]byte, 320)))
	r, err = u.Capture(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 320, r.N)
}

func TestUDPDropsPayloadsSplittingASample(t *testing.T) {
	u, client := startTestUDP(t)

	send(t, u, client, audioPacket(t, 1, make([]byte, 81)))
	send(t, u, client, audioPacket(t, 2, pcmWithSample(10000, 80)))

	stats := u.GetStatistics()
	assert.Equal(t, uint64(81), stats.DroppedAudio)
	assert.Equal(t, uint64(0), stats.SequenceGaps, "dropped payloads still advance the sequence")

	dst := make([]byte, 4096)
	r, err := u.Capture(dst)
	require.NoError(t, err)
	require.Equal(t, 80, r.N)
	assert.Equal(t, pcmWithSample(10000, 80), dst[:r.N], "later audio stays sample aligned")
}

func pcmWithSample(sample int16, n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		out[i] = byte(uint16(sample))
		out[i+1] = byte(uint16(sample) >> 8)
	}
	return out
}

func TestUDPCountsErrorsAndGaps(t *testing.T) {
	u, client := startTestUDP(t)

	send(t, u, client, []byte{0xFF, 0x00})
	send(t, u, client, audioPacket(t, 1, make([]byte, 2)))
	send(t, u, client, audioPacket(t, 3, make([]byte, 2)))

	stats := u.GetStatistics()
	assert.Equal(t, uint64(3), stats.PacketsReceived)
	assert.Equal(t, uint64(2), stats.PacketsProcessed)
	assert.Equal(t, uint64(1), stats.ParseErrors)
	assert.Equal(t, uint64(1), stats.SequenceGaps)
}

func TestUDPLockDownRequest(t *testing.T) {
	u, client := startTestUDP(t)

	// Before any packet arrives there is no peer to notify
	require.NoError(t, u.SetLockDown(true))
	assert.True(t, u.LockedDown())

	send(t, u, client, audioPacket(t, 1, nil))
	require.NoError(t, u.SetLockDown(true))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := client.Read(buf)
	require.NoError(t, err)

	packet, err := protocol.ParsePacket(buf[:n])
	require.NoError(t, err)
	require.NotNil(t, packet.Format)
	assert.Equal(t, uint8(protocol.FlagLockDown), packet.Header.Flags)
	assert.Equal(t, uint32(7), packet.Header.StreamID)
	assert.Equal(t, uint32(16000), packet.Format.SampleRate)
}

func TestUDPClose(t *testing.T) {
	u, _ := startTestUDP(t)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())

	_, err := u.Capture(make([]byte, 64))
	assert.ErrorIs(t, err, ErrSourceClosed)
}
