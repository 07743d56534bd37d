// Package server implements the HTTP API: capture session control, the
// energy signal for renderers, angle telemetry, configuration and
// Prometheus metrics.
package server
