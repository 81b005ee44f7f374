package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxloop/voice-engine/internal/config"
	"github.com/voxloop/voice-engine/internal/conversation"
	"github.com/voxloop/voice-engine/internal/metrics"
	"github.com/voxloop/voice-engine/internal/playback"
	"github.com/voxloop/voice-engine/internal/sampler"
	"github.com/voxloop/voice-engine/internal/server"
	"github.com/voxloop/voice-engine/internal/session"
	"github.com/voxloop/voice-engine/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-engine"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("sampler_source", cfg.Sampler.Source),
		slog.Int("sample_rate", cfg.Sampler.SampleRate),
		slog.Float64("frame_duration", cfg.Sampler.FrameDuration),
		slog.Float64("onset_percent", cfg.VAD.OnsetPercent),
		slog.Float64("silence_percent", cfg.VAD.SilencePercent),
		slog.String("transcription_mode", cfg.Transcription.Mode),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("history_enabled", cfg.History.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the microphone sampler
	source, err := sampler.New(&cfg.Sampler, logger)
	if err != nil {
		logger.Error("Failed to create sampler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize the transcription client
	transcriber, err := transcription.New(&cfg.Transcription, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Open conversation history (if enabled)
	var history *conversation.History
	if cfg.History.Enabled {
		history, err = conversation.OpenHistory(cfg.History.Path)
		if err != nil {
			logger.Error("Failed to open conversation history", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer history.Close()
		logger.Info("Conversation history opened", slog.String("path", cfg.History.Path))
	}

	// Select the playback output: hardware output when running against
	// the microphone, duration-paced file playback otherwise.
	var device playback.Device = playback.NewFileDevice()
	if cfg.Sampler.Source == "microphone" {
		speaker, err := playback.NewSpeaker(logger)
		if err != nil {
			logger.Warn("Audio output unavailable, using file-paced playback",
				slog.String("error", err.Error()),
			)
		} else {
			device = speaker
		}
	}

	// Initialize the session engine
	engine, err := session.NewEngine(cfg, session.Deps{
		Source:      source,
		Transcriber: transcriber,
		Device:      device,
		History:     history,
		Metrics:     appMetrics,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to create session engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("Failed to start session engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Drain the notification feed into the log
	go logNotifications(ctx, logger, engine.Notifications())

	// Initialize and start the HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, engine, history, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the engine (closes the sampler and the event loop)
	engine.Stop()

	logger.Info("Service stopped")
}

// logNotifications mirrors the session notification feed into the log so
// headless deployments still surface session activity.
func logNotifications(ctx context.Context, logger *slog.Logger, feed <-chan session.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-feed:
			if note.Kind == session.NoteError {
				logger.Warn("Session notification", slog.String("text", note.Text))
			} else {
				logger.Info("Session notification", slog.String("text", note.Text))
			}
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
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
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
