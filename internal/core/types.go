package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	excerptRunes      = 100
	excerptEllipsis   = "..."
	fingerprintPrefix = 16
	labelRunes        = 4
	segmentKeyPrefix  = "segments/"
)

// Option validation errors.
var (
	ErrVoiceIDEmpty     = errors.New("voice id cannot be empty")
	ErrModelIDEmpty     = errors.New("model id cannot be empty")
	ErrVoiceSettingSpan = errors.New("voice setting must be between 0.0 and 1.0")
)

// Segment is a bounded slice of input text, the unit of synthesis work.
type Segment struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	CharCount int    `json:"char_count"`
}

// NewSegment builds a segment and counts its characters in runes.
func NewSegment(index int, text string) Segment {
	return Segment{Index: index, Text: text, CharCount: utf8.RuneCountInString(text)}
}

// SynthesisOptions holds the voice options of a run. Two runs with different
// options never share cache entries.
type SynthesisOptions struct {
	VoiceID         string  `json:"voice_id"         toml:"voice_id"`
	ModelID         string  `json:"model_id"         toml:"model_id"`
	OutputFormat    string  `json:"output_format"    toml:"output_format"`
	Stability       float64 `json:"stability"        toml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" toml:"similarity_boost"`
	Style           float64 `json:"style"            toml:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost" toml:"use_speaker_boost"`
}

// Validate ensures that the options contain valid values.
func (o SynthesisOptions) Validate() error {
	if o.VoiceID == "" {
		return ErrVoiceIDEmpty
	}

	if o.ModelID == "" {
		return ErrModelIDEmpty
	}

	settings := []struct {
		name  string
		value float64
	}{
		{"stability", o.Stability},
		{"similarity_boost", o.SimilarityBoost},
		{"style", o.Style},
	}
	for _, setting := range settings {
		if setting.value < 0.0 || setting.value > 1.0 {
			return fmt.Errorf("%w: %s got %f", ErrVoiceSettingSpan, setting.name, setting.value)
		}
	}

	return nil
}

// CacheKey identifies one cached segment result.
type CacheKey struct {
	Owner       string
	Index       int
	Fingerprint string
}

// NewCacheKey derives the key of a segment from its owner, position, text and options.
func NewCacheKey(owner string, segment Segment, options SynthesisOptions) CacheKey {
	hash := sha256.New()
	for _, part := range []string{
		segment.Text,
		options.VoiceID,
		options.ModelID,
		options.OutputFormat,
		strconv.FormatFloat(options.Stability, 'g', -1, 64),
		strconv.FormatFloat(options.SimilarityBoost, 'g', -1, 64),
		strconv.FormatFloat(options.Style, 'g', -1, 64),
		strconv.FormatBool(options.UseSpeakerBoost),
	} {
		hash.Write([]byte(part))
		hash.Write([]byte{0})
	}

	return CacheKey{
		Owner:       owner,
		Index:       segment.Index,
		Fingerprint: hex.EncodeToString(hash.Sum(nil)),
	}
}

// OwnerPrefix returns the object name prefix shared by every cache entry of owner.
func OwnerPrefix(owner string) string {
	return segmentKeyPrefix + EncodeOwner(owner) + "/"
}

// String renders the object name used for the entry.
func (k CacheKey) String() string {
	fingerprint := k.Fingerprint
	if len(fingerprint) > fingerprintPrefix {
		fingerprint = fingerprint[:fingerprintPrefix]
	}

	return fmt.Sprintf("%s%06d-%s", OwnerPrefix(k.Owner), k.Index, fingerprint)
}

// EncodeOwner makes an owner id safe to embed in object and bucket key names.
func EncodeOwner(owner string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(owner))
}

// CacheEntry is a cached per-segment synthesis result.
type CacheEntry struct {
	Key       CacheKey
	Audio     []byte
	CreatedAt time.Time
}

// SegmentResult is the audio produced for one segment of a run.
type SegmentResult struct {
	Segment   Segment
	Audio     []byte
	FromCache bool
	// CacheErr is set when the audio could not be persisted to the cache.
	CacheErr error
}

// KeyStatus is the scheduling status of a provider credential.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyInvalid  KeyStatus = "invalid"
	KeyDepleted KeyStatus = "depleted"
	// KeyUnknown is only reported by validation when the provider could not be asked.
	KeyUnknown KeyStatus = "error"
)

// ProviderKey is a provider credential and its status.
type ProviderKey struct {
	Secret string
	Status KeyStatus
}

// Label returns a redacted identifier that is safe to log.
func (k ProviderKey) Label() string {
	return Redact(k.Secret)
}

// Redact keeps the last few characters of a secret.
func Redact(secret string) string {
	runes := []rune(secret)
	if len(runes) <= labelRunes {
		return "****"
	}

	return "****" + string(runes[len(runes)-labelRunes:])
}

// KeyValidation is the result of checking one credential with the provider.
type KeyValidation struct {
	Status KeyStatus
	Used   int64
	Limit  int64
}

// HistoryItem is a durable record of a completed or partial run.
type HistoryItem struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Timestamp    time.Time `json:"timestamp"`
	TextExcerpt  string    `json:"text_excerpt"`
	VoiceName    string    `json:"voice_name"`
	ModelID      string    `json:"model_id"`
	AudioRef     string    `json:"audio_ref"`
	SegmentCount int       `json:"segment_count"`
	Partial      bool      `json:"partial"`
}

// Excerpt truncates text to the history excerpt length.
func Excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}

	return string(runes[:excerptRunes]) + excerptEllipsis
}
