// Package config provides the configuration structure for the tts-pipeline service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultProviderURL           = "https://api.elevenlabs.io"
	DefaultOutputFormat          = "mp3_44100_128"
	DefaultMinChars              = 200
	DefaultMaxChars              = 800
	DefaultTimeoutSeconds        = 600
	DefaultRequestTimeoutSeconds = 60
	DefaultConcurrency           = 2
	DefaultTextProcessedSubject  = "tts.text.processed"
	DefaultAudioCreatedSubject   = "tts.audio.created"
	DefaultQueueGroup            = "tts-workers"
	DefaultTextBucket            = "TTS_TEXT"
	DefaultAudioBucket           = "TTS_AUDIO"
	DefaultSegmentBucket         = "TTS_SEGMENTS"
	DefaultHistoryBucket         = "TTS_HISTORY"
	DefaultMetricsListenAddr     = ":9090"
)

const (
	apiKeysSeparator         = ","
	maxConfiguredConcurrency = 4
)

// Error message formats.
const (
	errFmtMissingField            = "%w: %s"
	errFmtMinChars                = "%w: chunking.min_chars must be at least 1, got %d"
	errFmtConcurrency             = "%w: tts_service.concurrency must be between 0 and %d, got %d"
	errFmtInvalidSynthesisDefault = "%w: tts_service defaults: %w"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	QueueGroup               string `toml:"queue_group"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	SegmentCacheBucket       string `toml:"segment_cache_bucket"`
}

// TTSServiceConfig holds the provider settings and the default voice options.
type TTSServiceConfig struct {
	ProviderURL string   `toml:"provider_url"`
	APIKeys     []string `toml:"api_keys"`
	// APIKeysEnv names an environment variable with comma-separated keys.
	APIKeysEnv            string  `toml:"api_keys_env"`
	ValidateKeysOnStart   bool    `toml:"validate_keys_on_start"`
	VoiceID               string  `toml:"voice_id"`
	VoiceName             string  `toml:"voice_name"`
	ModelID               string  `toml:"model_id"`
	OutputFormat          string  `toml:"output_format"`
	Stability             float64 `toml:"stability"`
	SimilarityBoost       float64 `toml:"similarity_boost"`
	Style                 float64 `toml:"style"`
	UseSpeakerBoost       bool    `toml:"use_speaker_boost"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	Concurrency           int     `toml:"concurrency"`
}

// ChunkingConfig holds the segment bounds.
type ChunkingConfig struct {
	MinChars  int  `toml:"min_chars"`
	MaxChars  int  `toml:"max_chars"`
	Normalize bool `toml:"normalize"`
}

// HistoryConfig holds the history settings.
type HistoryConfig struct {
	Bucket string `toml:"bucket"`
	// OnPartial records a partial history item when a run fails after producing audio.
	OnPartial bool `toml:"on_partial"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig       `toml:"nats"`
	TTS      TTSServiceConfig `toml:"tts_service"`
	Chunking ChunkingConfig   `toml:"chunking"`
	History  HistoryConfig    `toml:"history"`
	Metrics  MetricsConfig    `toml:"metrics"`
	Paths    PathsConfig      `toml:"paths"`
}

// Load loads, defaults and validates the configuration for the tts-pipeline service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.TextProcessedSubject, DefaultTextProcessedSubject)
	setDefault(&c.NATS.AudioChunkCreatedSubject, DefaultAudioCreatedSubject)
	setDefault(&c.NATS.QueueGroup, DefaultQueueGroup)
	setDefault(&c.NATS.TextObjectStoreBucket, DefaultTextBucket)
	setDefault(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)
	setDefault(&c.NATS.SegmentCacheBucket, DefaultSegmentBucket)
	setDefault(&c.TTS.ProviderURL, DefaultProviderURL)
	setDefault(&c.TTS.OutputFormat, DefaultOutputFormat)
	setDefault(&c.History.Bucket, DefaultHistoryBucket)
	setDefault(&c.Metrics.ListenAddr, DefaultMetricsListenAddr)

	if c.TTS.TimeoutSeconds == 0 {
		c.TTS.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.TTS.RequestTimeoutSeconds == 0 {
		c.TTS.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}

	if c.TTS.Concurrency == 0 {
		c.TTS.Concurrency = DefaultConcurrency
	}

	if c.Chunking.MinChars == 0 {
		c.Chunking.MinChars = DefaultMinChars
	}

	if c.Chunking.MaxChars == 0 {
		c.Chunking.MaxChars = DefaultMaxChars
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"nats.url", c.NATS.URL},
		{"tts_service.voice_id", c.TTS.VoiceID},
		{"tts_service.model_id", c.TTS.ModelID},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf(errFmtMissingField, ErrInvalidConfig, field.name)
		}
	}

	if c.Chunking.MinChars < 1 {
		return fmt.Errorf(errFmtMinChars, ErrInvalidConfig, c.Chunking.MinChars)
	}

	if c.TTS.Concurrency < 0 || c.TTS.Concurrency > maxConfiguredConcurrency {
		return fmt.Errorf(errFmtConcurrency, ErrInvalidConfig, maxConfiguredConcurrency, c.TTS.Concurrency)
	}

	err := c.TTS.DefaultOptions().Validate()
	if err != nil {
		return fmt.Errorf(errFmtInvalidSynthesisDefault, ErrInvalidConfig, err)
	}

	return nil
}

// DefaultOptions returns the voice options used when a request does not override them.
func (t TTSServiceConfig) DefaultOptions() core.SynthesisOptions {
	return core.SynthesisOptions{
		VoiceID:         t.VoiceID,
		ModelID:         t.ModelID,
		OutputFormat:    t.OutputFormat,
		Stability:       t.Stability,
		SimilarityBoost: t.SimilarityBoost,
		Style:           t.Style,
		UseSpeakerBoost: t.UseSpeakerBoost,
	}
}

// Keys returns the configured provider keys followed by those from APIKeysEnv.
func (t TTSServiceConfig) Keys() []string {
	keys := append([]string{}, t.APIKeys...)

	if t.APIKeysEnv == "" {
		return keys
	}

	for _, key := range strings.Split(os.Getenv(t.APIKeysEnv), apiKeysSeparator) {
		trimmed := strings.TrimSpace(key)
		if trimmed != "" {
			keys = append(keys, trimmed)
		}
	}

	return keys
}
