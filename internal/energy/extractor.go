package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultSamplesPerBucket is the number of 16-bit samples reduced to one
	// energy value.
	DefaultSamplesPerBucket = 40

	// DefaultNoiseFloor is the bottom portion of the energy scale discarded
	// as noise.
	DefaultNoiseFloor = 0.2

	bytesPerSample = 2
)

// logFullScale ties the log-energy scale to the signed 32-bit range. The
// value must stay ln(2^31-1) for output compatibility.
var logFullScale = math.Log(math.MaxInt32)

// Extractor turns signed 16-bit little-endian mono PCM into normalized
// energy values. Accumulation state does not carry over between calls.
type Extractor struct {
	samplesPerBucket int
	noiseFloor       float64

	// Statistics
	totalBuckets  uint64
	silentBuckets uint64
	totalBytes    uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ExtractorStats represents extractor statistics
type ExtractorStats struct {
	SamplesPerBucket int       `json:"samples_per_bucket"`
	NoiseFloor       float64   `json:"noise_floor"`
	TotalBuckets     uint64    `json:"total_buckets"`
	SilentBuckets    uint64    `json:"silent_buckets"`
	TotalBytes       uint64    `json:"total_bytes"`
	LastProcessed    time.Time `json:"last_processed"`
}

// NewExtractor creates an extractor with the given bucket size and noise floor
func NewExtractor(samplesPerBucket int, noiseFloor float64) (*Extractor, error) {
	if samplesPerBucket <= 0 {
		return nil, fmt.Errorf("samples per bucket must be positive, got %d", samplesPerBucket)
	}

	if noiseFloor < 0 || noiseFloor >= 1 {
		return nil, fmt.Errorf("noise floor must be in [0, 1), got %f", noiseFloor)
	}

	return &Extractor{
		samplesPerBucket: samplesPerBucket,
		noiseFloor:       noiseFloor,
	}, nil
}

// Convert processes the first byteCount bytes of pcm and writes one value to
// ring per complete bucket. A byteCount beyond len(pcm) is truncated, and a
// trailing partial bucket is discarded. It returns the ring's oldest index.
func (e *Extractor) Convert(pcm []byte, byteCount int, ring *Ring) int {
	if byteCount > len(pcm) {
		byteCount = len(pcm)
	}
	if byteCount < 0 {
		byteCount = 0
	}

	var (
		sumOfSquares float64
		count        int
		buckets      uint64
		silent       uint64
	)

	for i := 0; i+bytesPerSample <= byteCount; i += bytesPerSample {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sumOfSquares += sample * sample
		count++

		if count < e.samplesPerBucket {
			continue
		}

		value := e.normalize(sumOfSquares / float64(e.samplesPerBucket))
		ring.Push(value)

		buckets++
		if value == 0 {
			silent++
		}
		sumOfSquares = 0
		count = 0
	}

	e.mu.Lock()
	e.totalBuckets += buckets
	e.silentBuckets += silent
	e.totalBytes += uint64(byteCount)
	e.lastProcessed = time.Now()
	e.mu.Unlock()

	return ring.Oldest()
}

// normalize maps a mean square to [0,1]. A silent bucket gives ln(0) = -Inf,
// which the noise-floor clamp turns into 0.
func (e *Extractor) normalize(meanSquare float64) float32 {
	amplitude := math.Log(meanSquare) / logFullScale

	aboveFloor := math.Max(0, amplitude-e.noiseFloor)

	return float32(aboveFloor / (1 - e.noiseFloor))
}

// GetStats returns current extractor statistics
func (e *Extractor) GetStats() ExtractorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return ExtractorStats{
		SamplesPerBucket: e.samplesPerBucket,
		NoiseFloor:       e.noiseFloor,
		TotalBuckets:     e.totalBuckets,
		SilentBuckets:    e.silentBuckets,
		TotalBytes:       e.totalBytes,
		LastProcessed:    e.lastProcessed,
	}
}

// BytesPerBucket returns the PCM byte count reduced to one energy value
func (e *Extractor) BytesPerBucket() int {
	return e.samplesPerBucket * bytesPerSample
}
