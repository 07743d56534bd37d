package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/beam-audio-service/internal/angle"
	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/capture"
	"github.com/skypro1111/beam-audio-service/internal/config"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
	"github.com/skypro1111/beam-audio-service/internal/source"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"

	maxRequestBody = 1 << 16
)

// BridgeStats is implemented by sources that report listener statistics
type BridgeStats interface {
	GetStatistics() source.UDPStatistics
}

// HTTPServer provides the HTTP API for session control, the energy signal
// and monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	session  *capture.Session
	pipeline *capture.Pipeline
	bridge   BridgeStats // nil unless the source is the UDP bridge
	metrics  *metrics.Metrics

	startTime time.Time
}

// EnergyResponse is the /energy payload
type EnergyResponse struct {
	Available    bool      `json:"available" msgpack:"available"`
	SessionState string    `json:"session_state" msgpack:"session_state"`
	Layout       string    `json:"layout" msgpack:"layout"` // ordered or ring
	Values       []float32 `json:"values" msgpack:"values"`
	Oldest       int       `json:"oldest" msgpack:"oldest"`
	UpdatedAt    time.Time `json:"updated_at" msgpack:"updated_at"`
	Ticks        uint64    `json:"ticks" msgpack:"ticks"`
}

// AngleResponse is the /angle payload
type AngleResponse struct {
	SessionState string       `json:"session_state"`
	Beam         *angle.State `json:"beam"`
	Source       *angle.State `json:"source"`
	Timestamp    time.Time    `json:"timestamp"`
}

// StartRequest is the optional /session/start body
type StartRequest struct {
	Intent           string `json:"intent"`
	StaleThresholdMs int    `json:"stale_threshold_ms"`
}

// NewHTTPServer creates a new HTTP API server. bridge and m may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	session *capture.Session, pipeline *capture.Pipeline, bridge BridgeStats, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		session:   session,
		pipeline:  pipeline,
		bridge:    bridge,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("GET /session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("POST /session/start", h.withMetrics("/session/start", h.handleSessionStart))
	mux.HandleFunc("POST /session/stop", h.withMetrics("/session/stop", h.handleSessionStop))

	mux.HandleFunc("GET /energy", h.withMetrics("/energy", h.handleEnergy))
	mux.HandleFunc("GET /angle", h.withMetrics("/angle", h.handleAngle))
	mux.HandleFunc("GET /controls", h.withMetrics("/controls", h.handleControls))
	mux.HandleFunc("POST /controls", h.withMetrics("/controls", h.handleSetControls))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprint(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// writeJSON encodes v with the given status
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError reports an error as {"error": "..."}
func (h *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.session.Status()

	components := map[string]any{
		"session": map[string]any{
			"state":         status.State,
			"ticks":         status.Ticks,
			"skipped_ticks": status.SkippedTicks,
		},
		"consumer": map[string]any{
			"active": h.pipeline.Active(),
		},
	}
	if h.bridge != nil {
		components["bridge"] = h.bridge.GetStatistics()
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "beam-audio-service",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.session.Status())
}

// handleSessionStart implements POST /session/start. The body is optional;
// missing fields fall back to the capture configuration.
func (h *HTTPServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{
		Intent:           h.config.Capture.Intent,
		StaleThresholdMs: h.config.Capture.StaleThresholdMs,
	}

	if err := decodeOptionalBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	intent, err := capture.ParseIntent(req.Intent)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	_, err = h.session.Start(intent, time.Duration(req.StaleThresholdMs)*time.Millisecond)
	switch {
	case errors.Is(err, audio.ErrIncompatibleMode):
		h.writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, audio.ErrConfiguration):
		h.writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.logger.Error("Failed to start capture session", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.session.Status())
}

// decodeOptionalBody unmarshals a JSON body over v. An empty body leaves v
// untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// handleSessionStop implements POST /session/stop
func (h *HTTPServer) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Stop(); err != nil {
		h.logger.Warn("Capture session stopped with error", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.session.Status())
}

// handleEnergy implements the /energy endpoint. ?layout=ring returns the
// ring in storage order with its oldest index; the default is oldest to
// newest. Msgpack is served for ?format=msgpack or an Accept header
// naming it.
func (h *HTTPServer) handleEnergy(w http.ResponseWriter, r *http.Request) {
	resp := EnergyResponse{
		SessionState: h.session.State().String(),
		Layout:       "ordered",
		Values:       []float32{},
	}

	if snap, ok := h.pipeline.Snapshot(); ok {
		resp.Available = true
		resp.UpdatedAt = snap.UpdatedAt
		resp.Ticks = snap.Ticks

		if r.URL.Query().Get("layout") == "ring" {
			resp.Layout = "ring"
			resp.Values = snap.Values
			resp.Oldest = snap.Oldest
		} else {
			resp.Values = snap.Ordered()
		}
	}

	if !wantsMsgpack(r) {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	data, err := msgpack.Marshal(&resp)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to encode energy: %w", err))
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func wantsMsgpack(r *http.Request) bool {
	if r.URL.Query().Get("format") == "msgpack" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack)
}

// handleAngle implements the /angle endpoint
func (h *HTTPServer) handleAngle(w http.ResponseWriter, r *http.Request) {
	status := h.session.Status()

	h.writeJSON(w, http.StatusOK, AngleResponse{
		SessionState: status.State,
		Beam:         status.BeamAngle,
		Source:       status.SourceAngle,
		Timestamp:    time.Now().UTC(),
	})
}

// handleControls implements GET /controls
func (h *HTTPServer) handleControls(w http.ResponseWriter, r *http.Request) {
	controls, err := h.session.Controls()
	if err != nil {
		h.writeControlsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, controls)
}

// handleSetControls implements POST /controls. Fields missing from the body
// keep their current values.
func (h *HTTPServer) handleSetControls(w http.ResponseWriter, r *http.Request) {
	controls, err := h.session.Controls()
	if err != nil {
		h.writeControlsError(w, err)
		return
	}
	if err := decodeOptionalBody(r, &controls); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, err := h.session.SetControls(controls)
	if err != nil {
		h.writeControlsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, applied)
}

func (h *HTTPServer) writeControlsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, source.ErrUnsupported):
		h.writeError(w, http.StatusNotImplemented, err)
	case errors.Is(err, audio.ErrConfiguration):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error("Failed to apply device controls", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, err)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.config)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "Beam Audio Service",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /session":        "Capture session status",
			"POST /session/start": "Start capturing ({\"intent\", \"stale_threshold_ms\"} optional)",
			"POST /session/stop":  "Stop capturing",
			"GET /energy":         "Energy signal (?layout=ring, ?format=msgpack)",
			"GET /angle":          "Current beam and sound source angles, absent until the first reading",
			"GET /controls":       "Device processing settings",
			"POST /controls":      "Change device settings (partial JSON, unset fields unchanged)",
			"GET /config":         "Service configuration",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
