// Package audio describes the provider output formats and joins per-segment
// audio into a single artifact.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DEFAULT_OUTPUT_FORMAT is used when a request does not name one.
const DEFAULT_OUTPUT_FORMAT = "mp3_44100_128"

// Constants for format validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_BITRATE     = 320
)

// Constants for error message formats.
const (
	ERR_FMT_UNKNOWN_CODEC     = "%w: unknown codec %q in %q"
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 1 and %d Hz, got %q"
	ERR_FMT_BITRATE_RANGE     = "%w: bitrate must be between 1 and %d kbps, got %q"
	ERR_FMT_CONCAT_FORMAT     = "%w: %s"
)

// Common errors for the audio package.
var (
	ErrInvalidFormat     = errors.New("invalid output format")
	ErrConcatUnsupported = errors.New("audio concatenation is not supported for this format")
	ErrNoAudio           = errors.New("no audio to concatenate")
)

// Format is the container or codec family of an output format.
type Format string

const (
	FORMAT_MP3  Format = "mp3"
	FORMAT_PCM  Format = "pcm"
	FORMAT_ULAW Format = "ulaw"
	FORMAT_ALAW Format = "alaw"
	FORMAT_OPUS Format = "opus"
)

var knownFormats = map[Format]struct {
	extension   string
	contentType string
	appendable  bool
}{
	FORMAT_MP3:  {extension: "mp3", contentType: "audio/mpeg", appendable: true},
	FORMAT_PCM:  {extension: "pcm", contentType: "audio/pcm", appendable: true},
	FORMAT_ULAW: {extension: "ulaw", contentType: "audio/basic", appendable: true},
	FORMAT_ALAW: {extension: "alaw", contentType: "audio/x-alaw-basic", appendable: true},
	FORMAT_OPUS: {extension: "opus", contentType: "audio/opus", appendable: false},
}

// OutputFormat is a parsed provider output format such as "mp3_44100_128".
type OutputFormat struct {
	Raw        string
	Format     Format
	SampleRate int
	// Bitrate in kbps, zero for formats that do not carry one.
	Bitrate int
}

// ParseOutputFormat parses "<codec>_<sample rate>[_<bitrate>]". An empty
// string yields the default format.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	if raw == "" {
		raw = DEFAULT_OUTPUT_FORMAT
	}

	parts := strings.Split(raw, "_")
	if len(parts) < 2 || len(parts) > 3 {
		return OutputFormat{}, fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}

	format := Format(parts[0])
	if _, ok := knownFormats[format]; !ok {
		return OutputFormat{}, fmt.Errorf(ERR_FMT_UNKNOWN_CODEC, ErrInvalidFormat, parts[0], raw)
	}

	sampleRate, err := strconv.Atoi(parts[1])
	if err != nil || sampleRate < 1 || sampleRate > MAX_SAMPLE_RATE {
		return OutputFormat{}, fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidFormat, MAX_SAMPLE_RATE, raw)
	}

	parsed := OutputFormat{Raw: raw, Format: format, SampleRate: sampleRate, Bitrate: 0}

	if len(parts) == 3 {
		bitrate, bitrateErr := strconv.Atoi(parts[2])
		if bitrateErr != nil || bitrate < 1 || bitrate > MAX_BITRATE {
			return OutputFormat{}, fmt.Errorf(ERR_FMT_BITRATE_RANGE, ErrInvalidFormat, MAX_BITRATE, raw)
		}

		parsed.Bitrate = bitrate
	}

	return parsed, nil
}

// Extension returns the file extension, without the dot.
func (f OutputFormat) Extension() string {
	return knownFormats[f.Format].extension
}

// ContentType returns the MIME type of the encoded audio.
func (f OutputFormat) ContentType() string {
	return knownFormats[f.Format].contentType
}

// Appendable reports whether segments of this format can be joined by Concatenate.
func (f OutputFormat) Appendable() bool {
	return knownFormats[f.Format].appendable
}

// Concatenate joins ordered segment audio into one stream. MP3 frames and raw
// sample formats are self-delimiting, so segments are appended; ID3v2 tags of
// every segment after the first are dropped.
func Concatenate(format OutputFormat, parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, ErrNoAudio
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	if !format.Appendable() {
		return nil, fmt.Errorf(ERR_FMT_CONCAT_FORMAT, ErrConcatUnsupported, format.Raw)
	}

	size := 0
	for _, part := range parts {
		size += len(part)
	}

	var joined bytes.Buffer

	joined.Grow(size)

	for index, part := range parts {
		if index > 0 && format.Format == FORMAT_MP3 {
			part = stripID3v2(part)
		}

		joined.Write(part)
	}

	return joined.Bytes(), nil
}

const id3HeaderSize = 10

// stripID3v2 removes a leading ID3v2 tag. The tag size is a 28-bit syncsafe integer.
func stripID3v2(data []byte) []byte {
	if len(data) < id3HeaderSize || !bytes.HasPrefix(data, []byte("ID3")) {
		return data
	}

	size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)

	end := id3HeaderSize + size
	if data[5]&0x10 != 0 {
		end += id3HeaderSize
	}

	if end > len(data) {
		return data
	}

	return data[end:]
}
