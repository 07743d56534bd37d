package audio

import "errors"

// Sentinel errors for audio capture operations.
// Callers classify failures with errors.Is().
var (
	// ErrConfiguration indicates an invalid capacity, threshold or format
	// supplied at construction time.
	ErrConfiguration = errors.New("invalid audio configuration")

	// ErrBufferMisuse indicates an Append or Read with an out-of-range count.
	ErrBufferMisuse = errors.New("audio buffer misuse")

	// ErrIncompatibleMode indicates a Start request whose processing intent
	// conflicts with the session that is already running.
	ErrIncompatibleMode = errors.New("incompatible audio processing mode")

	// ErrClosed indicates the buffer was closed by its session.
	ErrClosed = errors.New("audio buffer closed")
)
