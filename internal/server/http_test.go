package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/capture"
	"github.com/skypro1111/beam-audio-service/internal/config"
	"github.com/skypro1111/beam-audio-service/internal/energy"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
	"github.com/skypro1111/beam-audio-service/internal/source"
)

type testServer struct {
	http     *HTTPServer
	session  *capture.Session
	pipeline *capture.Pipeline
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	m := metrics.NewMetrics()

	format := audio.DefaultWaveFormat()
	src, err := source.NewSynth(format, format.BytesFor(100*time.Millisecond), source.DefaultSynthConfig())
	require.NoError(t, err)

	session, err := capture.NewSession(src, capture.DefaultSessionConfig(), logger, m)
	require.NoError(t, err)

	extractor, err := energy.NewExtractor(energy.DefaultSamplesPerBucket, energy.DefaultNoiseFloor)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pipeline := capture.NewPipeline(ctx, session, extractor, capture.ConsumerConfig{
		Interval:     16 * time.Millisecond,
		ChunkBytes:   src.MaxChunkBytes(),
		RingCapacity: 64,
	}, logger, m)

	t.Cleanup(func() {
		session.Stop()
		pipeline.Close()
		cancel()
		src.Close()
	})

	return &testServer{
		http:     NewHTTPServer(cfg.HTTP, logger, cfg, session, pipeline, nil, m),
		session:  session,
		pipeline: pipeline,
	}
}

func (ts *testServer) do(method, target string, body string, header ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.http.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHTTPServer_RootAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "POST /session/start")

	rec = ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	decodeJSON(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	components, ok := health["components"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, components, "session")
	assert.Contains(t, components, "consumer")
	assert.NotContains(t, components, "bridge")
}

func TestHTTPServer_UnknownPath(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/session/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPServer_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status capture.Status
	decodeJSON(t, rec, &status)
	assert.Equal(t, "stopped", status.State)

	rec = ts.do(http.MethodPost, "/session/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &status)
	assert.Equal(t, "capturing", status.State)
	assert.Equal(t, "mutable", status.Intent)
	assert.NotEmpty(t, status.SessionID)
	require.NotNil(t, status.Buffer)
	assert.Equal(t, 16000, status.Buffer.CapacityBytes) // 500ms at 32000 B/s

	// Same intent again is accepted
	rec = ts.do(http.MethodPost, "/session/start", `{"intent":"mutable"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/session/start", `{"intent":"speech"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/session/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &status)
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, capture.StateStopped, ts.session.State())
}

func TestHTTPServer_SessionStartErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{"intent":`, http.StatusBadRequest},
		{"unknown intent", `{"intent":"loud"}`, http.StatusBadRequest},
		{"negative threshold", `{"stale_threshold_ms":-1}`, http.StatusBadRequest},
		{"threshold holds no audio", `{"stale_threshold_ms":0}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec := ts.do(http.MethodPost, "/session/start", tt.body)
			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if ts.session.State() != capture.StateStopped {
				t.Errorf("Expected session to stay stopped, got %s", ts.session.State())
			}
		})
	}
}

func TestHTTPServer_EnergyBeforeStart(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/energy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EnergyResponse
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.Available)
	assert.Equal(t, "stopped", resp.SessionState)
	assert.Empty(t, resp.Values)
	assert.NotNil(t, resp.Values)
}

func TestHTTPServer_EnergyWhileCapturing(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/session/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		snap, ok := ts.pipeline.Snapshot()
		return ok && snap.BytesRead > 0
	}, 3*time.Second, 10*time.Millisecond)

	rec = ts.do(http.MethodGet, "/energy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))

	var resp EnergyResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Available)
	assert.Equal(t, "ordered", resp.Layout)
	assert.Len(t, resp.Values, 64)
	assert.Equal(t, 0, resp.Oldest)

	rec = ts.do(http.MethodGet, "/energy?layout=ring", "")
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ring", resp.Layout)
	assert.Len(t, resp.Values, 64)
	assert.GreaterOrEqual(t, resp.Oldest, 0)
	assert.Less(t, resp.Oldest, 64)
}

func TestHTTPServer_EnergyMsgpack(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct {
		target string
		header []string
	}{
		{"/energy?format=msgpack", nil},
		{"/energy", []string{"Accept", "application/msgpack"}},
	} {
		rec := ts.do(http.MethodGet, tc.target, "", tc.header...)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, contentTypeMsgpack, rec.Header().Get("Content-Type"))

		var resp EnergyResponse
		require.NoError(t, msgpack.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&resp))
		assert.Equal(t, "stopped", resp.SessionState)
		assert.Equal(t, "ordered", resp.Layout)
	}
}

func TestHTTPServer_Angle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/angle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AngleResponse
	decodeJSON(t, rec, &resp)
	assert.Nil(t, resp.Beam)
	assert.Nil(t, resp.Source)

	ts.do(http.MethodPost, "/session/start", "")
	require.Eventually(t, func() bool {
		return ts.session.Status().SourceAngle != nil
	}, 3*time.Second, 10*time.Millisecond)

	rec = ts.do(http.MethodGet, "/angle", "")
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "capturing", resp.SessionState)
	require.NotNil(t, resp.Beam)
	require.NotNil(t, resp.Source)
	assert.GreaterOrEqual(t, resp.Source.RoundedDegrees, -50)
	assert.LessOrEqual(t, resp.Source.RoundedDegrees, 50)
}

func TestHTTPServer_Controls(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/controls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var controls source.Controls
	decodeJSON(t, rec, &controls)
	assert.Equal(t, source.DefaultControls(), controls)

	rec = ts.do(http.MethodPost, "/controls", `{"beam_mode":"manual","manual_beam_angle":23}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &controls)
	assert.Equal(t, source.BeamManual, controls.BeamMode)
	assert.Equal(t, 20, controls.ManualBeamAngle, "snapped to the 10 degree beam grid")
	assert.True(t, controls.NoiseSuppression, "unset fields keep their values")

	rec = ts.do(http.MethodPost, "/controls", `{"echo_cancellation":"cancellation_and_suppression","automatic_gain_control":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/controls", "")
	decodeJSON(t, rec, &controls)
	assert.Equal(t, source.Controls{
		BeamMode:             source.BeamManual,
		ManualBeamAngle:      20,
		AutomaticGainControl: true,
		NoiseSuppression:     true,
		EchoCancellation:     source.EchoCancellationAndSuppression,
	}, controls)
}

func TestHTTPServer_ControlsErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"beam_mode":`},
		{"unknown beam mode", `{"beam_mode":"sideways"}`},
		{"unknown echo mode", `{"echo_cancellation":"loud"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec := ts.do(http.MethodPost, "/controls", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d: %s", http.StatusBadRequest, rec.Code, rec.Body.String())
			}
			current, err := ts.session.Controls()
			require.NoError(t, err)
			assert.Equal(t, source.DefaultControls(), current)
		})
	}
}

// fixedSource exposes only the base source methods of a synth
type fixedSource struct {
	synth *source.Synth
}

func (f fixedSource) Format() audio.WaveFormat                   { return f.synth.Format() }
func (f fixedSource) MaxChunkBytes() int                         { return f.synth.MaxChunkBytes() }
func (f fixedSource) Capture(dst []byte) (source.Reading, error) { return f.synth.Capture(dst) }
func (f fixedSource) Close() error                               { return f.synth.Close() }

func TestHTTPServer_ControlsUnsupported(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	format := audio.DefaultWaveFormat()
	synth, err := source.NewSynth(format, format.BytesFor(100*time.Millisecond), source.DefaultSynthConfig())
	require.NoError(t, err)
	session, err := capture.NewSession(fixedSource{synth}, capture.DefaultSessionConfig(), logger, nil)
	require.NoError(t, err)

	ts := &testServer{http: NewHTTPServer(cfg.HTTP, logger, cfg, session, nil, nil, metrics.NewMetrics()), session: session}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := ts.do(method, "/controls", "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code, method)
	}
}

func TestHTTPServer_ConfigAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg config.Config
	decodeJSON(t, rec, &cfg)
	assert.Equal(t, "synth", cfg.Source.Type)
	assert.Equal(t, 8080, cfg.HTTP.Port)

	ts.do(http.MethodGet, "/health", "")

	rec = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "beam_audio_http_requests_total")
	assert.Contains(t, body, `endpoint="/health"`)
}

func TestHTTPServer_Run(t *testing.T) {
	ts := newTestServer(t)
	ts.http.server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.http.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
