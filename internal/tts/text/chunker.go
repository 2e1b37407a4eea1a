package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// MergeFactor bounds the orphan merge: a short trailing segment is folded into
// its predecessor only while the merged text stays within MergeFactor*maxChars.
// It is a tuning policy, not a guarantee of the chunker.
const MergeFactor = 1.5

const (
	arabicQuestionMark = '؟'
	joinSeparator      = " "
)

// ErrInvalidBounds indicates that the chunking bounds cannot be used.
var ErrInvalidBounds = errors.New("invalid chunking bounds")

// Split breaks text into ordered segments of at most maxChars characters,
// preferring sentence terminators, then whitespace, then a hard cut.
// Lengths are measured in runes so a cut never lands inside a UTF-8 sequence.
func Split(input string, minChars, maxChars int) ([]core.Segment, error) {
	if minChars < 1 {
		return nil, fmt.Errorf("%w: min chars must be >= 1, got %d", ErrInvalidBounds, minChars)
	}

	if maxChars <= minChars {
		maxChars = minChars + 1
	}

	remaining := []rune(strings.TrimSpace(input))
	if len(remaining) == 0 {
		return []core.Segment{}, nil
	}

	var pieces []string

	for len(remaining) > 0 {
		if len(remaining) <= maxChars {
			pieces = append(pieces, strings.TrimSpace(string(remaining)))

			break
		}

		cut := findSplitPoint(remaining, minChars, maxChars)

		piece := strings.TrimSpace(string(remaining[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}

		remaining = trimLeadingSpace(remaining[cut:])
	}

	pieces = mergeOrphan(pieces, minChars, maxChars)

	segments := make([]core.Segment, 0, len(pieces))
	for index, piece := range pieces {
		segments = append(segments, core.NewSegment(index, piece))
	}

	return segments, nil
}

// findSplitPoint returns the number of runes of remaining that form the next piece.
func findSplitPoint(remaining []rune, minChars, maxChars int) int {
	// A terminator at index i yields a piece of i+1 runes, so i ranges over
	// [minChars-1, maxChars-1].
	for index := maxChars - 1; index >= minChars-1; index-- {
		if isTerminator(remaining[index]) {
			return index + 1
		}
	}

	// The whitespace itself is trimmed from the piece, so a space at maxChars
	// still yields a piece of maxChars runes.
	for index := maxChars; index >= minChars; index-- {
		if unicode.IsSpace(remaining[index]) {
			return index + 1
		}
	}

	cut := maxChars
	for cut > 1 && unicode.Is(unicode.Mn, remaining[cut]) {
		cut--
	}

	return cut
}

func mergeOrphan(pieces []string, minChars, maxChars int) []string {
	if len(pieces) < 2 {
		return pieces
	}

	last := pieces[len(pieces)-1]
	previous := pieces[len(pieces)-2]

	lastLen := len([]rune(last))
	if lastLen >= minChars {
		return pieces
	}

	mergedLen := len([]rune(previous)) + len(joinSeparator) + lastLen
	if float64(mergedLen) > MergeFactor*float64(maxChars) {
		return pieces
	}

	merged := pieces[:len(pieces)-2]

	return append(merged, previous+joinSeparator+last)
}

func isTerminator(char rune) bool {
	switch char {
	case '.', '?', '!', '\n', arabicQuestionMark:
		return true
	default:
		return false
	}
}

func trimLeadingSpace(runes []rune) []rune {
	start := 0
	for start < len(runes) && unicode.IsSpace(runes[start]) {
		start++
	}

	return runes[start:]
}
