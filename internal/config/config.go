package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Source   SourceConfig   `yaml:"source" json:"source"`
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer"`
	Angle    AngleConfig    `yaml:"angle" json:"angle"`
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// SourceConfig selects and configures the PCM source
type SourceConfig struct {
	Type       string          `yaml:"type" json:"type"` // synth, wav or udp
	SampleRate int             `yaml:"sample_rate" json:"sample_rate"`
	Channels   int             `yaml:"channels" json:"channels"`
	BitDepth   int             `yaml:"bit_depth" json:"bit_depth"`
	MaxChunkMs int             `yaml:"max_chunk_ms" json:"max_chunk_ms"` // largest capture per tick
	WAVPath    string          `yaml:"wav_path" json:"wav_path"`
	UDP        UDPSourceConfig `yaml:"udp" json:"udp"`
	Synth      SynthConfig     `yaml:"synth" json:"synth"`
	Controls   ControlsConfig  `yaml:"controls" json:"controls"`
}

// ControlsConfig holds the device processing settings applied at startup.
// Sources without device controls ignore them.
type ControlsConfig struct {
	BeamMode             string `yaml:"beam_mode" json:"beam_mode"` // automatic or manual
	ManualBeamAngle      int    `yaml:"manual_beam_angle" json:"manual_beam_angle"`
	AutomaticGainControl bool   `yaml:"automatic_gain_control" json:"automatic_gain_control"`
	NoiseSuppression     bool   `yaml:"noise_suppression" json:"noise_suppression"`
	EchoCancellation     string `yaml:"echo_cancellation" json:"echo_cancellation"` // none, cancellation or cancellation_and_suppression
}

// UDPSourceConfig contains sensor bridge listener configuration
type UDPSourceConfig struct {
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	Port        int    `yaml:"port" json:"port"`
	BufferSize  int    `yaml:"buffer_size" json:"buffer_size"` // socket receive buffer
	BacklogMs   int    `yaml:"backlog_ms" json:"backlog_ms"`
}

// SynthConfig shapes the synthetic test signal
type SynthConfig struct {
	FrequencyHz   float64 `yaml:"frequency_hz" json:"frequency_hz"`
	Amplitude     float64 `yaml:"amplitude" json:"amplitude"`
	PulsePeriodMs int     `yaml:"pulse_period_ms" json:"pulse_period_ms"`
	SweepPeriodMs int     `yaml:"sweep_period_ms" json:"sweep_period_ms"`
	SweepDegrees  float64 `yaml:"sweep_degrees" json:"sweep_degrees"`
}

// CaptureConfig contains capture session parameters
type CaptureConfig struct {
	AutoStart        bool   `yaml:"auto_start" json:"auto_start"`
	Intent           string `yaml:"intent" json:"intent"` // mutable or speech
	StaleThresholdMs int    `yaml:"stale_threshold_ms" json:"stale_threshold_ms"`
	IntervalMs       int    `yaml:"interval_ms" json:"interval_ms"`
}

// ConsumerConfig contains energy consumer parameters
type ConsumerConfig struct {
	IntervalMs       int     `yaml:"interval_ms" json:"interval_ms"`
	ChunkBytes       int     `yaml:"chunk_bytes" json:"chunk_bytes"` // 0 means the source's max chunk
	RingSize         int     `yaml:"ring_size" json:"ring_size"`
	SamplesPerBucket int     `yaml:"samples_per_bucket" json:"samples_per_bucket"`
	NoiseFloor       float64 `yaml:"noise_floor" json:"noise_floor"`
}

// AngleConfig contains angle tracking parameters
type AngleConfig struct {
	MinDegrees float64 `yaml:"min_degrees" json:"min_degrees"`
	MaxDegrees float64 `yaml:"max_degrees" json:"max_degrees"`
	BeamStep   int     `yaml:"beam_step" json:"beam_step"`
	SourceStep int     `yaml:"source_step" json:"source_step"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration. File outputs rotate.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Default returns the built-in configuration: a synthetic 16 kHz mono
// source, 500ms staleness, 30ms capture and 16ms consumer ticks
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Type:       "synth",
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
			MaxChunkMs: 100,
			UDP: UDPSourceConfig{
				BindAddress: "0.0.0.0",
				Port:        4545,
				BufferSize:  262144,
				BacklogMs:   1000,
			},
			Synth: SynthConfig{
				FrequencyHz:   440,
				Amplitude:     0.5,
				PulsePeriodMs: 800,
				SweepPeriodMs: 10000,
				SweepDegrees:  40,
			},
			Controls: ControlsConfig{
				BeamMode:         "automatic",
				NoiseSuppression: true,
				EchoCancellation: "none",
			},
		},
		Capture: CaptureConfig{
			AutoStart:        true,
			Intent:           "mutable",
			StaleThresholdMs: 500,
			IntervalMs:       30,
		},
		Consumer: ConsumerConfig{
			IntervalMs:       16,
			RingSize:         975,
			SamplesPerBucket: 40,
			NoiseFloor:       0.2,
		},
		Angle: AngleConfig{
			MinDegrees: -50,
			MaxDegrees: 50,
			BeamStep:   10,
			SourceStep: 1,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Consumer.Validate(); err != nil {
		return fmt.Errorf("consumer config: %w", err)
	}

	if err := c.Angle.Validate(); err != nil {
		return fmt.Errorf("angle config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates source configuration
func (s *SourceConfig) Validate() error {
	validTypes := map[string]bool{"synth": true, "wav": true, "udp": true}
	if !validTypes[s.Type] {
		return fmt.Errorf("type must be one of [synth, wav, udp], got '%s'", s.Type)
	}

	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", s.SampleRate)
	}

	// The energy extractor reads signed 16-bit mono samples
	if s.Channels != 1 {
		return fmt.Errorf("channels must be 1, got %d", s.Channels)
	}

	if s.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", s.BitDepth)
	}

	if s.MaxChunkMs < 1 {
		return fmt.Errorf("max_chunk_ms must be at least 1, got %d", s.MaxChunkMs)
	}

	switch s.Type {
	case "wav":
		if s.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty for the wav source")
		}
	case "udp":
		if err := s.UDP.Validate(); err != nil {
			return fmt.Errorf("udp: %w", err)
		}
	case "synth":
		if err := s.Synth.Validate(s.SampleRate); err != nil {
			return fmt.Errorf("synth: %w", err)
		}
	}

	if err := s.Controls.Validate(); err != nil {
		return fmt.Errorf("controls: %w", err)
	}

	return nil
}

// Validate validates device controls configuration
func (c *ControlsConfig) Validate() error {
	if c.BeamMode != "automatic" && c.BeamMode != "manual" {
		return fmt.Errorf("beam_mode must be 'automatic' or 'manual', got '%s'", c.BeamMode)
	}

	validEcho := map[string]bool{"none": true, "cancellation": true, "cancellation_and_suppression": true}
	if !validEcho[c.EchoCancellation] {
		return fmt.Errorf("echo_cancellation must be one of [none, cancellation, cancellation_and_suppression], got '%s'",
			c.EchoCancellation)
	}

	if c.ManualBeamAngle < -90 || c.ManualBeamAngle > 90 {
		return fmt.Errorf("manual_beam_angle must be between -90 and 90, got %d", c.ManualBeamAngle)
	}

	return nil
}

// Validate validates sensor bridge listener configuration
func (u *UDPSourceConfig) Validate() error {
	if u.Port < 0 || u.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 0 {
		return fmt.Errorf("buffer_size cannot be negative, got %d", u.BufferSize)
	}

	if u.BacklogMs < 1 {
		return fmt.Errorf("backlog_ms must be at least 1, got %d", u.BacklogMs)
	}

	return nil
}

// Validate validates synthetic source configuration
func (s *SynthConfig) Validate(sampleRate int) error {
	if s.FrequencyHz <= 0 || s.FrequencyHz*2 > float64(sampleRate) {
		return fmt.Errorf("frequency_hz must be between 0 and %d, got %f", sampleRate/2, s.FrequencyHz)
	}

	if s.Amplitude < 0 || s.Amplitude > 1 {
		return fmt.Errorf("amplitude must be between 0 and 1, got %f", s.Amplitude)
	}

	if s.PulsePeriodMs < 1 || s.SweepPeriodMs < 1 {
		return fmt.Errorf("pulse_period_ms and sweep_period_ms must be at least 1")
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Intent != "mutable" && c.Intent != "speech" {
		return fmt.Errorf("intent must be 'mutable' or 'speech', got '%s'", c.Intent)
	}

	if c.StaleThresholdMs < 1 {
		return fmt.Errorf("stale_threshold_ms must be at least 1, got %d", c.StaleThresholdMs)
	}

	if c.IntervalMs < 1 {
		return fmt.Errorf("interval_ms must be at least 1, got %d", c.IntervalMs)
	}

	return nil
}

// Validate validates consumer configuration
func (c *ConsumerConfig) Validate() error {
	if c.IntervalMs < 1 {
		return fmt.Errorf("interval_ms must be at least 1, got %d", c.IntervalMs)
	}

	if c.ChunkBytes < 0 || c.ChunkBytes%2 != 0 {
		return fmt.Errorf("chunk_bytes must be a non-negative even number, got %d", c.ChunkBytes)
	}

	if c.RingSize < 1 {
		return fmt.Errorf("ring_size must be at least 1, got %d", c.RingSize)
	}

	if c.SamplesPerBucket < 1 {
		return fmt.Errorf("samples_per_bucket must be at least 1, got %d", c.SamplesPerBucket)
	}

	if c.NoiseFloor < 0 || c.NoiseFloor >= 1 {
		return fmt.Errorf("noise_floor must be in [0, 1), got %f", c.NoiseFloor)
	}

	return nil
}

// Validate validates angle configuration
func (a *AngleConfig) Validate() error {
	if a.MinDegrees > a.MaxDegrees {
		return fmt.Errorf("min_degrees (%f) cannot exceed max_degrees (%f)", a.MinDegrees, a.MaxDegrees)
	}

	if a.BeamStep < 1 || a.SourceStep < 1 {
		return fmt.Errorf("beam_step and source_step must be at least 1, got %d and %d", a.BeamStep, a.SourceStep)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("max_size_mb, max_backups and max_age_days cannot be negative")
	}

	return nil
}

// IsFileOutput reports whether logs go to a file rather than a standard stream
func (l *LoggingConfig) IsFileOutput() bool {
	return l.Output != "" && l.Output != "stdout" && l.Output != "stderr"
}

// GetMaxChunkDuration returns the largest capture per tick as a time.Duration
func (s *SourceConfig) GetMaxChunkDuration() time.Duration {
	return time.Duration(s.MaxChunkMs) * time.Millisecond
}

// GetBacklogDuration returns the bridge backlog as a time.Duration
func (u *UDPSourceConfig) GetBacklogDuration() time.Duration {
	return time.Duration(u.BacklogMs) * time.Millisecond
}

// GetPulsePeriod returns the synthetic loudness period as a time.Duration
func (s *SynthConfig) GetPulsePeriod() time.Duration {
	return time.Duration(s.PulsePeriodMs) * time.Millisecond
}

// GetSweepPeriod returns the synthetic sweep period as a time.Duration
func (s *SynthConfig) GetSweepPeriod() time.Duration {
	return time.Duration(s.SweepPeriodMs) * time.Millisecond
}

// GetStaleThreshold returns the staleness threshold as a time.Duration
func (c *CaptureConfig) GetStaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// GetInterval returns the capture tick interval as a time.Duration
func (c *CaptureConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// GetInterval returns the consumer tick interval as a time.Duration
func (c *ConsumerConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}
