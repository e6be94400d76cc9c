package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvexai/segment-gateway/internal/config"
	"github.com/corvexai/segment-gateway/internal/journal"
	"github.com/corvexai/segment-gateway/internal/observability"
	"github.com/corvexai/segment-gateway/internal/sink"
	"github.com/corvexai/segment-gateway/internal/stt"
	"github.com/corvexai/segment-gateway/internal/telephony"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Int("sample_rate", cfg.SampleRate).
		Int("frame_ms", cfg.FrameMs).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Segment Gateway Service starting")

	// Open the segment journal
	store, err := journal.Open(context.Background(), journal.Config{
		Path:          cfg.JournalPath,
		RetentionDays: cfg.JournalRetentionDays,
		Ephemeral:     cfg.JournalEphemeral,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open segment journal")
	}
	defer store.Close()

	pruneCtx, cancelPrune := context.WithCancel(context.Background())
	defer cancelPrune()
	go store.RunPruneLoop(pruneCtx, time.Hour)

	// Assemble the event sinks. The log sink and journal are always on;
	// webhook and NATS follow configuration.
	sinks := []sink.Sink{sink.NewLogSink(), store.AsSink()}

	if cfg.WebhookURL != "" {
		webhook, err := sink.NewWebhookSink(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create webhook sink")
		}
		sinks = append(sinks, webhook)
		logger.Info().Str("url", cfg.WebhookURL).Msg("Webhook sink enabled")
	}

	var natsSink *sink.NATSSink
	if cfg.NATSURL != "" {
		natsSink, err = sink.NewNATSSink(context.Background(), cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect NATS sink")
		}
		sinks = append(sinks, natsSink)
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS sink enabled")
	}

	events := sink.NewFanout(sinks...)
	defer events.Close()

	// Create the media stream gateway
	gateway := telephony.NewGateway(cfg, events, store)

	// Create HTTP server
	mux := http.NewServeMux()

	// Register media stream WebSocket handler
	mux.HandleFunc("/streams/media", gateway.HandleMediaStream())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - create health check functions here to avoid import cycles
	journalCheck := func(ctx context.Context) (bool, error) {
		return store.Healthy(ctx)
	}

	var natsCheck observability.HealthCheckFunc
	if cfg.NATSURL != "" {
		natsCheck = func(ctx context.Context) (bool, error) {
			if !natsSink.Healthy() {
				return false, fmt.Errorf("NATS connection not established")
			}
			return true, nil
		}
	}

	var deepgramCheck observability.HealthCheckFunc
	if cfg.DeepgramAPIKey != "" {
		deepgramCheck = func(ctx context.Context) (bool, error) {
			// Creating a client validates configuration; no API call is
			// made to avoid costs
			client := stt.NewDeepgramClient(cfg)
			if client == nil {
				return false, fmt.Errorf("failed to create Deepgram client")
			}
			return true, nil
		}
	}

	mux.HandleFunc("/ready", observability.ReadinessHandler(journalCheck, natsCheck, deepgramCheck))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/media", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = strings.TrimSuffix(cfg.PublicURL, "/") + "/streams/media"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
