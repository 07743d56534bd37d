package audio

import (
	"fmt"
	"time"
)

// WaveFormat describes the PCM layout negotiated with an audio source.
type WaveFormat struct {
	SampleRate        int `json:"sample_rate" yaml:"sample_rate"`
	Channels          int `json:"channels" yaml:"channels"`
	BitsPerSample     int `json:"bits_per_sample" yaml:"bits_per_sample"`
	BlockAlign        int `json:"block_align" yaml:"block_align"`
	AvgBytesPerSecond int `json:"avg_bytes_per_second" yaml:"avg_bytes_per_second"`
}

// DefaultWaveFormat is 16 kHz, mono, 16-bit PCM (32000 bytes per second).
func DefaultWaveFormat() WaveFormat {
	return NewWaveFormat(16000, 1, 16)
}

// NewWaveFormat derives block alignment and byte rate from the basic layout.
func NewWaveFormat(sampleRate, channels, bitsPerSample int) WaveFormat {
	blockAlign := channels * bitsPerSample / 8
	return WaveFormat{
		SampleRate:        sampleRate,
		Channels:          channels,
		BitsPerSample:     bitsPerSample,
		BlockAlign:        blockAlign,
		AvgBytesPerSecond: sampleRate * blockAlign,
	}
}

// Validate checks that the format is usable for capture.
func (f WaveFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrConfiguration, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels must be positive, got %d", ErrConfiguration, f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("%w: bits per sample must be a positive multiple of 8, got %d", ErrConfiguration, f.BitsPerSample)
	}
	if f.BlockAlign != f.Channels*f.BitsPerSample/8 {
		return fmt.Errorf("%w: block align %d does not match %d channels of %d bits",
			ErrConfiguration, f.BlockAlign, f.Channels, f.BitsPerSample)
	}
	if f.AvgBytesPerSecond <= 0 {
		return fmt.Errorf("%w: average bytes per second must be positive, got %d", ErrConfiguration, f.AvgBytesPerSecond)
	}
	return nil
}

// BytesFor returns the number of bytes the format produces in d.
func (f WaveFormat) BytesFor(d time.Duration) int {
	return int(int64(f.AvgBytesPerSecond) * d.Milliseconds() / 1000)
}

// DurationOf returns the playback duration of n bytes.
func (f WaveFormat) DurationOf(n int) time.Duration {
	if f.AvgBytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.AvgBytesPerSecond))
}

// ValidateMono16 checks that the format is the signed 16-bit mono layout
// the energy extractor decodes.
func (f WaveFormat) ValidateMono16() error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Channels != 1 || f.BitsPerSample != 16 {
		return fmt.Errorf("%w: capture needs 16-bit mono PCM, got %d channels of %d bits",
			ErrConfiguration, f.Channels, f.BitsPerSample)
	}
	return nil
}
