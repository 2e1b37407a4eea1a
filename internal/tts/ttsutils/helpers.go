// Package ttsutils provides file and display helpers for the client CLI:
// reading input text, naming and writing audio files and formatting sizes.
package ttsutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment variable names used for path resolution.
const (
	envOutputDir = "TTS_OUTPUT_DIR"
)

// Common directory and path constants.
const (
	defaultOutputDir       = "."
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o640
	dot                    = "."
	invalidCharReplacement = '_'
	invalidFilenameChars   = "<>:\"/\\|?*\n\t"
	maxFilenameRunes       = 120
)

// Size units used by FormatFileSize, largest first.
var sizeUnits = []struct {
	size   int64
	suffix string
}{
	{size: 1 << 30, suffix: "GB"},
	{size: 1 << 20, suffix: "MB"},
	{size: 1 << 10, suffix: "KB"},
}

// Display formats.
const (
	formatSeconds = "%.1fs"
	formatMinutes = "%dm %.1fs"
	formatHours   = "%dh %dm"
	formatUnit    = "%.1f %s"
	formatBytes   = "%d B"
)

// Text file extensions accepted as input.
const (
	extMD   = ".md"
	extTXT  = ".txt"
	extText = ".text"
)

// Error message and format string constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtFailedToRead      = "failed to read text file %s: %w"
	errFmtFailedToWrite     = "failed to write audio file %s: %w"
	errFmtUnsupportedText   = "%w: %s"
)

// ErrUnsupportedTextFile is returned for input files that are not plain text.
var ErrUnsupportedTextFile = errors.New("unsupported text file")

// DefaultOutputDir returns the directory for audio files, honoring TTS_OUTPUT_DIR.
func DefaultOutputDir() string {
	if outputDir := os.Getenv(envOutputDir); outputDir != "" {
		return outputDir
	}

	return defaultOutputDir
}

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, defaultDirPermissions)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, err)
	}

	return nil
}

// ReadTextFile returns the contents of a plain text or markdown file.
func ReadTextFile(path string) (string, error) {
	if !IsValidTextFile(path) {
		return "", fmt.Errorf(errFmtUnsupportedText, ErrUnsupportedTextFile, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf(errFmtFailedToRead, path, err)
	}

	return string(data), nil
}

// WriteAudioFile writes data to path, creating the parent directory first.
func WriteAudioFile(path string, data []byte) error {
	err := EnsureDir(filepath.Dir(path))
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, defaultFilePermissions)
	if err != nil {
		return fmt.Errorf(errFmtFailedToWrite, path, err)
	}

	return nil
}

// AudioFilename builds a safe file name from a stem and an extension without the dot.
func AudioFilename(stem, extension string) string {
	name := []rune(SanitizeFilename(strings.TrimSpace(stem)))
	if len(name) > maxFilenameRunes {
		name = name[:maxFilenameRunes]
	}

	return string(name) + dot + extension
}

// FormatDuration renders a run time as "45.2s", "5m 30.5s" or "1h 15m".
func FormatDuration(duration time.Duration) string {
	switch {
	case duration < time.Minute:
		return fmt.Sprintf(formatSeconds, duration.Seconds())
	case duration < time.Hour:
		minutes := duration / time.Minute

		return fmt.Sprintf(formatMinutes, int(minutes), (duration - minutes*time.Minute).Seconds())
	default:
		return fmt.Sprintf(formatHours, int(duration/time.Hour), int(duration%time.Hour/time.Minute))
	}
}

// FormatFileSize renders a byte count with one decimal in the largest fitting unit.
func FormatFileSize(bytes int64) string {
	for _, unit := range sizeUnits {
		if bytes >= unit.size {
			return fmt.Sprintf(formatUnit, float64(bytes)/float64(unit.size), unit.suffix)
		}
	}

	return fmt.Sprintf(formatBytes, bytes)
}

// IsValidTextFile checks if a filename has a plain text or markdown extension.
func IsValidTextFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extTXT, extMD, extText:
		return true
	default:
		return false
	}
}

// SanitizeFilename replaces characters that common filesystems reject with '_'.
func SanitizeFilename(filename string) string {
	return strings.Map(func(char rune) rune {
		if strings.ContainsRune(invalidFilenameChars, char) {
			return invalidCharReplacement
		}

		return char
	}, filename)
}
