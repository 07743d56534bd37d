package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skypro1111/beam-audio-service/internal/audio"
	"github.com/skypro1111/beam-audio-service/internal/capture"
	"github.com/skypro1111/beam-audio-service/internal/config"
	"github.com/skypro1111/beam-audio-service/internal/energy"
	"github.com/skypro1111/beam-audio-service/internal/metrics"
	"github.com/skypro1111/beam-audio-service/internal/server"
	"github.com/skypro1111/beam-audio-service/internal/source"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "beam-audio-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("source_type", cfg.Source.Type),
		slog.Int("sample_rate", cfg.Source.SampleRate),
		slog.Int("channels", cfg.Source.Channels),
		slog.Int("bit_depth", cfg.Source.BitDepth),
		slog.Bool("auto_start", cfg.Capture.AutoStart),
		slog.String("intent", cfg.Capture.Intent),
		slog.Int("stale_threshold_ms", cfg.Capture.StaleThresholdMs),
		slog.Int("capture_interval_ms", cfg.Capture.IntervalMs),
		slog.Int("consumer_interval_ms", cfg.Consumer.IntervalMs),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		closeLog()
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run wires the pipeline and blocks until a shutdown signal arrives
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics()

	src, bridge, err := newSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error("Error closing audio source", slog.String("error", err.Error()))
		}
	}()

	session, err := capture.NewSession(src, capture.SessionConfig{
		CaptureInterval: cfg.Capture.GetInterval(),
		MinDegrees:      cfg.Angle.MinDegrees,
		MaxDegrees:      cfg.Angle.MaxDegrees,
		BeamStep:        cfg.Angle.BeamStep,
		SourceStep:      cfg.Angle.SourceStep,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create capture session: %w", err)
	}

	if err := applyControls(session, cfg.Source.Controls, logger); err != nil {
		return err
	}

	extractor, err := energy.NewExtractor(cfg.Consumer.SamplesPerBucket, cfg.Consumer.NoiseFloor)
	if err != nil {
		return fmt.Errorf("failed to create energy extractor: %w", err)
	}

	chunkBytes := cfg.Consumer.ChunkBytes
	if chunkBytes == 0 {
		chunkBytes = src.MaxChunkBytes()
	}
	pipeline := capture.NewPipeline(ctx, session, extractor, capture.ConsumerConfig{
		Interval:     cfg.Consumer.GetInterval(),
		ChunkBytes:   chunkBytes,
		RingCapacity: cfg.Consumer.RingSize,
	}, logger, appMetrics)
	defer pipeline.Close()

	unsubscribe := session.Subscribe(func(ev capture.Event) {
		switch ev.Type {
		case capture.AngleChanged, capture.BeamAngleChanged:
			logger.Debug("Angle changed",
				slog.String("event", ev.Type.String()),
				slog.String("session_id", ev.SessionID),
				slog.Int("degrees", ev.Degrees),
				slog.Float64("raw_degrees", ev.RawDegrees),
				slog.Float64("confidence", ev.Confidence),
			)
		}
	})
	defer unsubscribe()

	if cfg.Capture.AutoStart {
		intent, err := capture.ParseIntent(cfg.Capture.Intent)
		if err != nil {
			return err
		}
		if _, err := session.Start(intent, cfg.Capture.GetStaleThreshold()); err != nil {
			return fmt.Errorf("failed to start capture session: %w", err)
		}
	}
	defer func() {
		if err := session.Stop(); err != nil {
			logger.Error("Error stopping capture session", slog.String("error", err.Error()))
		}
	}()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		var stats server.BridgeStats
		if bridge != nil {
			stats = bridge
		}
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, session, pipeline, stats, appMetrics)
		group.Go(func() error {
			return httpServer.Run(ctx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Starting graceful shutdown...")
		return nil
	})

	return group.Wait()
}

// newSource builds the configured PCM source. The bridge is returned
// separately so its statistics can be served.
func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (source.Source, *source.UDP, error) {
	format := audio.NewWaveFormat(cfg.Source.SampleRate, cfg.Source.Channels, cfg.Source.BitDepth)
	maxChunk := format.BytesFor(cfg.Source.GetMaxChunkDuration())

	switch cfg.Source.Type {
	case "synth":
		src, err := source.NewSynth(format, maxChunk, source.SynthConfig{
			FrequencyHz:  cfg.Source.Synth.FrequencyHz,
			Amplitude:    cfg.Source.Synth.Amplitude,
			PulsePeriod:  cfg.Source.Synth.GetPulsePeriod(),
			SweepPeriod:  cfg.Source.Synth.GetSweepPeriod(),
			SweepDegrees: cfg.Source.Synth.SweepDegrees,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create synthetic source: %w", err)
		}
		logger.Info("Synthetic source initialized", slog.Int("max_chunk_bytes", src.MaxChunkBytes()))
		return src, nil, nil

	case "wav":
		src, err := source.NewWAVFile(cfg.Source.WAVPath, maxChunk)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open WAV source: %w", err)
		}
		logger.Info("WAV source initialized",
			slog.String("path", cfg.Source.WAVPath),
			slog.Int("sample_rate", src.Format().SampleRate),
		)
		return src, nil, nil

	case "udp":
		bridge, err := source.NewUDP(source.UDPConfig{
			BindAddress:    cfg.Source.UDP.BindAddress,
			Port:           cfg.Source.UDP.Port,
			ReadBufferSize: cfg.Source.UDP.BufferSize,
			Backlog:        cfg.Source.UDP.GetBacklogDuration(),
			StaleThreshold: cfg.Capture.GetStaleThreshold(),
		}, format, maxChunk, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sensor bridge source: %w", err)
		}
		if err := bridge.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to start sensor bridge source: %w", err)
		}
		return bridge, bridge, nil

	default:
		return nil, nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

// applyControls sends the configured device settings to sources that
// support them
func applyControls(session *capture.Session, cfg config.ControlsConfig, logger *slog.Logger) error {
	beamMode, err := source.ParseBeamMode(cfg.BeamMode)
	if err != nil {
		return err
	}
	echoMode, err := source.ParseEchoMode(cfg.EchoCancellation)
	if err != nil {
		return err
	}

	_, err = session.SetControls(source.Controls{
		BeamMode:             beamMode,
		ManualBeamAngle:      cfg.ManualBeamAngle,
		AutomaticGainControl: cfg.AutomaticGainControl,
		NoiseSuppression:     cfg.NoiseSuppression,
		EchoCancellation:     echoMode,
	})
	if errors.Is(err, source.ErrUnsupported) {
		logger.Debug("Audio source has no device controls")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply device controls: %w", err)
	}
	return nil
}

// initLogger creates the structured logger. File outputs are rotated; the
// returned func flushes and closes them.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	closeFn := func() {}
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.IsFileOutput():
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotator
		closeFn = func() { rotator.Close() }
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}
