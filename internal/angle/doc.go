// Package angle filters noisy direction telemetry from a microphone array.
// Readings are clamped to a range and quantized; a change is reported only
// when the quantized value moves, suppressing sub-step sensor jitter.
package angle
