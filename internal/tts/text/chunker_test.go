package text_test

import (
	"math/rand"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segmentTexts(segments []core.Segment) []string {
	texts := make([]string, 0, len(segments))
	for _, segment := range segments {
		texts = append(texts, segment.Text)
	}

	return texts
}

func stripSpace(input string) string {
	return strings.Map(func(char rune) rune {
		if unicode.IsSpace(char) {
			return -1
		}

		return char
	}, input)
}

func TestSplit_EmptyInput(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "\n\t "} {
		segments, err := text.Split(input, 10, 20)
		require.NoError(t, err)
		assert.Empty(t, segments)
	}
}

func TestSplit_InvalidMin(t *testing.T) {
	t.Parallel()

	_, err := text.Split("hello", 0, 20)
	require.ErrorIs(t, err, text.ErrInvalidBounds)
}

func TestSplit_ShortTextIsSingleSegment(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("  Sentence one here. Tiny.  ", 20, 30)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "Sentence one here. Tiny.", segments[0].Text)
	assert.Equal(t, 0, segments[0].Index)
	assert.Equal(t, 24, segments[0].CharCount)
}

func TestSplit_PrefersSentenceTerminators(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("Alpha beta gamma. Delta epsilon zeta. Eta theta iota.", 10, 20)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"Alpha beta gamma.", "Delta epsilon zeta.", "Eta theta iota."},
		segmentTexts(segments),
	)
}

func TestSplit_MergesOrphanedTail(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("Alpha beta gamma. Delta epsilon zeta. Hi.", 10, 20)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"Alpha beta gamma.", "Delta epsilon zeta. Hi."},
		segmentTexts(segments),
	)
}

func TestSplit_KeepsOrphanWhenMergeTooLong(t *testing.T) {
	t.Parallel()

	// Both leading pieces are exactly max, so folding the 11-rune tail would
	// produce 32 runes, beyond 1.5 x 20.
	segments, err := text.Split("abcdefghijklmnopqrs. uvwxyzabcdefghijklm. Short tail.", 15, 20)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"abcdefghijklmnopqrs.", "uvwxyzabcdefghijklm.", "Short tail."},
		segmentTexts(segments),
	)
}

func TestSplit_FallsBackToWhitespace(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("one two three four five six seven", 5, 12)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"one two", "three four", "five six", "seven"},
		segmentTexts(segments),
	)
}

func TestSplit_HardSplitRespectsRunes(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("ж", 25)
	segments, err := text.Split(input, 5, 10)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	for _, segment := range segments {
		assert.True(t, utf8.ValidString(segment.Text))
	}

	assert.Equal(t, 10, segments[0].CharCount)
	assert.Equal(t, 10, segments[1].CharCount)
	assert.Equal(t, 5, segments[2].CharCount)
}

func TestSplit_ArabicQuestionMarkAndNewline(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("كيف حالك اليوم؟ أنا بخير شكرا\nوأنت كذلك", 5, 20)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segments), 2)
	assert.Equal(t, "كيف حالك اليوم؟", segments[0].Text)
}

func TestSplit_ClampsMax(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("aaaa bbbb cccc", 4, 2)
	require.NoError(t, err)

	for _, segment := range segments[:len(segments)-1] {
		assert.LessOrEqual(t, segment.CharCount, 5)
	}
}

func TestSplit_Properties(t *testing.T) {
	t.Parallel()

	words := []string{"a", "bb", "ccc", "word", "sentence.", "why?", "yes!", "line\n", "ok,", "ünï", "终于"}
	random := rand.New(rand.NewSource(42))

	for iteration := range 200 {
		var builder strings.Builder

		wordCount := random.Intn(60)
		for range wordCount {
			builder.WriteString(words[random.Intn(len(words))])
			builder.WriteString(" ")
		}

		input := builder.String()
		minChars := 1 + random.Intn(15)
		maxChars := minChars + 1 + random.Intn(30)

		segments, err := text.Split(input, minChars, maxChars)
		require.NoError(t, err)

		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			assert.Empty(t, segments, "iteration %d", iteration)

			continue
		}

		joined := strings.Join(segmentTexts(segments), " ")
		assert.Equal(t, stripSpace(trimmed), stripSpace(joined), "iteration %d", iteration)

		for position, segment := range segments {
			assert.Equal(t, position, segment.Index)
			assert.NotEmpty(t, segment.Text)
			assert.Equal(t, strings.TrimSpace(segment.Text), segment.Text)

			limit := maxChars
			if position == len(segments)-1 {
				limit = int(text.MergeFactor * float64(maxChars))
			}

			assert.LessOrEqual(t, segment.CharCount, limit, "iteration %d segment %d", iteration, position)
		}
	}
}

func TestSplit_RoundTripWithSingleSpaces(t *testing.T) {
	t.Parallel()

	input := "The quick brown fox jumps over the lazy dog. It was not amused! Was it? " +
		"Nobody knows for sure, but the fox kept running through the field until dusk."

	segments, err := text.Split(input, 10, 40)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(input), strings.Join(segmentTexts(segments), " "))
}
