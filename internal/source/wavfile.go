package source

import (
	"fmt"
	"os"
	"sync"

	"github.com/skypro1111/beam-audio-service/internal/audio"
)

// WAVFile replays a PCM WAV file in a loop at the file's own byte rate
type WAVFile struct {
	path     string
	format   audio.WaveFormat
	pcm      []byte
	maxChunk int

	pacer  *pacer
	offset int
	loops  uint64
	closed bool

	mu sync.Mutex
}

// NewWAVFile loads path into memory
func NewWAVFile(path string, maxChunkBytes int) (*WAVFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav file %s: %w", path, err)
	}

	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav file %s: %w", path, err)
	}

	return newWAVFile(path, pcm, format, maxChunkBytes)
}

func newWAVFile(path string, pcm []byte, format audio.WaveFormat, maxChunkBytes int) (*WAVFile, error) {
	if err := validateChunk(format, maxChunkBytes); err != nil {
		return nil, err
	}
	if err := format.ValidateMono16(); err != nil {
		return nil, fmt.Errorf("wav file %s: %w", path, err)
	}
	if len(pcm) < format.BlockAlign {
		return nil, fmt.Errorf("%w: wav file %s contains no audio", audio.ErrConfiguration, path)
	}

	return &WAVFile{
		path:     path,
		format:   format,
		pcm:      pcm,
		maxChunk: maxChunkBytes - maxChunkBytes%format.BlockAlign,
		pacer:    newPacer(format, maxChunkBytes),
	}, nil
}

// Format returns the file's PCM layout
func (w *WAVFile) Format() audio.WaveFormat {
	return w.format
}

// MaxChunkBytes returns the largest capture size
func (w *WAVFile) MaxChunkBytes() int {
	return w.maxChunk
}

// Capture copies the audio owed since the previous call, wrapping to the
// start of the file at its end. Files carry no beam telemetry.
func (w *WAVFile) Capture(dst []byte) (Reading, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Reading{}, ErrSourceClosed
	}

	n := w.pacer.take(len(dst))
	written := 0
	for written < n {
		c := copy(dst[written:n], w.pcm[w.offset:])
		written += c
		w.offset += c
		if w.offset == len(w.pcm) {
			w.offset = 0
			w.loops++
		}
	}

	return Reading{N: n}, nil
}

// Loops returns how many times playback wrapped around
func (w *WAVFile) Loops() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loops
}

// Close releases the file contents. Close is idempotent.
func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.pcm = nil
	return nil
}
