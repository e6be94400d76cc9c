package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/corvexai/segment-gateway/internal/vad"
)

// Config holds all configuration for the segment gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind a tunnel).
	// Used for logging the WebSocket endpoint; media streams connect to wss://<this-host>/streams/media.
	// Optional; if unset, logs ws://localhost:PORT/streams/media.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Segmentation configuration. Millisecond values are converted to sample
	// counts against SampleRate when the engine config is built.
	SampleRate       int     `envconfig:"SAMPLE_RATE" default:"8000"`        // Rate of the media stream in Hz
	FrameMs          int     `envconfig:"FRAME_MS" default:"32"`             // Frame duration fed to the scorer/engine
	SpeechThreshold  float64 `envconfig:"SPEECH_THRESHOLD" default:"0.45"`   // Probability at/above which a frame is speech
	SilenceThreshold float64 `envconfig:"SILENCE_THRESHOLD" default:"-1"`    // Below this is silence; -1 derives it from the speech threshold
	MinSilenceMs     int     `envconfig:"MIN_SILENCE_MS" default:"1000"`     // Silence needed to close a segment
	MinSpeechMs      int     `envconfig:"MIN_SPEECH_MS" default:"250"`       // Shorter segments are discarded
	SpeechPadMs      int     `envconfig:"SPEECH_PAD_MS" default:"100"`       // Padding applied to reported boundaries
	EnergyPivot      float64 `envconfig:"ENERGY_PIVOT" default:"1000"`       // RMS at which the energy scorer reports 0.5
	AudioBufferSize  int     `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`  // Per-session ring buffer size in bytes

	// Event sink configuration
	WebhookURL     string `envconfig:"WEBHOOK_URL" default:""`      // POST segment events here when set
	WebhookTimeout int    `envconfig:"WEBHOOK_TIMEOUT" default:"10"` // Per-request timeout in seconds
	NATSURL        string `envconfig:"NATS_URL" default:""`          // Publish segment events to NATS when set

	// Segment journal configuration
	JournalPath          string `envconfig:"JOURNAL_PATH" default:"data/segments.db"` // SQLite file path
	JournalRetentionDays int    `envconfig:"JOURNAL_RETENTION_DAYS" default:"7"`      // Prune events older than this
	JournalEphemeral     bool   `envconfig:"JOURNAL_EPHEMERAL" default:"false"`       // Disable persistence entirely

	// Deepgram STT configuration. Optional: transcription forwarding is off
	// without an API key.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FrameMs <= 0 {
		return fmt.Errorf("FRAME_MS must be positive, got %d", c.FrameMs)
	}
	if c.AudioBufferSize <= 0 {
		return fmt.Errorf("AUDIO_BUFFER_SIZE must be positive, got %d", c.AudioBufferSize)
	}
	if c.EnergyPivot <= 0 {
		return fmt.Errorf("ENERGY_PIVOT must be positive, got %g", c.EnergyPivot)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %d", c.WebhookTimeout)
	}
	// The engine validates the thresholds and durations themselves.
	if err := c.SegmentationConfig().Validate(); err != nil {
		return fmt.Errorf("invalid segmentation settings: %w", err)
	}
	return nil
}

// SegmentationConfig builds the engine configuration from the millisecond
// tunables. A negative SILENCE_THRESHOLD selects the derived default.
func (c *Config) SegmentationConfig() vad.Config {
	cfg := vad.Config{
		SampleRate:        c.SampleRate,
		SpeechThreshold:   c.SpeechThreshold,
		SilenceThreshold:  c.SilenceThreshold,
		MinSilenceSamples: vad.SamplesFromMs(c.MinSilenceMs, c.SampleRate),
		MinSpeechSamples:  vad.SamplesFromMs(c.MinSpeechMs, c.SampleRate),
		SpeechPadSamples:  vad.SamplesFromMs(c.SpeechPadMs, c.SampleRate),
	}
	if c.SilenceThreshold < 0 {
		cfg.SilenceThreshold = vad.DerivedSilenceThreshold(c.SpeechThreshold)
	}
	return cfg
}

// FrameLength returns the configured frame size in samples.
func (c *Config) FrameLength() int {
	return vad.SamplesFromMs(c.FrameMs, c.SampleRate)
}

// PreRollFrames returns how many frames to retain ahead of each speech start:
// enough to cover the configured start padding.
func (c *Config) PreRollFrames() int {
	pad := vad.SamplesFromMs(c.SpeechPadMs, c.SampleRate)
	frame := c.FrameLength()
	return (pad + frame - 1) / frame
}
