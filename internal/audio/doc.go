// Package audio handles PCM buffering between a capture source and its reader.
// It implements a bounded FIFO byte buffer with staleness and capacity eviction,
// the negotiated wave format, and WAV container encoding/decoding.
package audio
