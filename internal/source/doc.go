// Package source provides the PCM sources a capture session pulls from.
//
// A Source behaves like a microphone array driver: each Capture call drains
// whatever audio accumulated since the previous call, up to MaxChunkBytes,
// and reports the current beam and sound-source angles. Hardware failures are
// reported as *StatusError.
package source
