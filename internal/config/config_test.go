// Package config_test tests the configuration loading for the tts-pipeline service.
package config_test

import (
	"testing"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[nats]
url = "nats://127.0.0.1:4222"
text_processed_subject = "text.processed"
audio_chunk_created_subject = "audio.chunk.created"
queue_group = "speakers"
text_object_store_bucket = "TEXT_FILES"
audio_object_store_bucket = "AUDIO_FILES"
segment_cache_bucket = "SEGMENTS"

[tts_service]
provider_url = "http://127.0.0.1:8000"
api_keys = ["key-a", "key-b"]
voice_id = "voice-1"
voice_name = "Rachel"
model_id = "eleven_multilingual_v2"
output_format = "mp3_22050_32"
stability = 0.4
similarity_boost = 0.8
style = 0.1
use_speaker_boost = true
timeout_seconds = 300
concurrency = 3

[chunking]
min_chars = 100
max_chars = 400
normalize = true

[history]
bucket = "HISTORY"
on_partial = true

[metrics]
listen_addr = ":9100"

[paths]
base_logs_dir = "/var/log/tts"
`

func decode(t *testing.T, data string) config.Config {
	t.Helper()

	var cfg config.Config

	require.NoError(t, toml.Unmarshal([]byte(data), &cfg))

	return cfg
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "text.processed", cfg.NATS.TextProcessedSubject)
	assert.Equal(t, "audio.chunk.created", cfg.NATS.AudioChunkCreatedSubject)
	assert.Equal(t, "speakers", cfg.NATS.QueueGroup)
	assert.Equal(t, "SEGMENTS", cfg.NATS.SegmentCacheBucket)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.TTS.APIKeys)
	assert.Equal(t, "mp3_22050_32", cfg.TTS.OutputFormat)
	assert.InEpsilon(t, 0.8, cfg.TTS.SimilarityBoost, 0.001)
	assert.True(t, cfg.TTS.UseSpeakerBoost)
	assert.Equal(t, 300, cfg.TTS.TimeoutSeconds)
	assert.Equal(t, 3, cfg.TTS.Concurrency)
	assert.Equal(t, 100, cfg.Chunking.MinChars)
	assert.Equal(t, 400, cfg.Chunking.MaxChars)
	assert.True(t, cfg.Chunking.Normalize)
	assert.True(t, cfg.History.OnPartial)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddr)
	assert.Equal(t, "/var/log/tts", cfg.Paths.BaseLogsDir)

	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60, cfg.TTS.RequestTimeoutSeconds)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
[nats]
url = "nats://127.0.0.1:4222"

[tts_service]
voice_id = "v"
model_id = "m"
`)
	cfg.ApplyDefaults()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultProviderURL, cfg.TTS.ProviderURL)
	assert.Equal(t, config.DefaultOutputFormat, cfg.TTS.OutputFormat)
	assert.Equal(t, config.DefaultConcurrency, cfg.TTS.Concurrency)
	assert.Equal(t, config.DefaultMinChars, cfg.Chunking.MinChars)
	assert.Equal(t, config.DefaultMaxChars, cfg.Chunking.MaxChars)
	assert.Equal(t, config.DefaultHistoryBucket, cfg.History.Bucket)
	assert.Equal(t, config.DefaultSegmentBucket, cfg.NATS.SegmentCacheBucket)
	assert.False(t, cfg.History.OnPartial)
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "missing nats url", mutate: func(c *config.Config) { c.NATS.URL = "" }},
		{name: "missing voice", mutate: func(c *config.Config) { c.TTS.VoiceID = "" }},
		{name: "missing model", mutate: func(c *config.Config) { c.TTS.ModelID = "" }},
		{name: "negative min chars", mutate: func(c *config.Config) { c.Chunking.MinChars = -1 }},
		{name: "concurrency too high", mutate: func(c *config.Config) { c.TTS.Concurrency = 9 }},
		{name: "stability out of range", mutate: func(c *config.Config) { c.TTS.Stability = 2 }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := decode(t, fullConfig)
			testCase.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
		})
	}
}

func TestValidate_WrapsOptionErrors(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)
	cfg.TTS.Style = -1

	require.ErrorIs(t, cfg.Validate(), core.ErrVoiceSettingSpan)
}

func TestKeys_MergesEnvironment(t *testing.T) {
	t.Setenv("TTS_TEST_KEYS", " key-c, ,key-d ")

	cfg := decode(t, fullConfig)
	cfg.TTS.APIKeysEnv = "TTS_TEST_KEYS"

	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-d"}, cfg.TTS.Keys())

	cfg.TTS.APIKeysEnv = ""
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.TTS.Keys())
}
