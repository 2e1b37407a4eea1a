// Package text provides text chunking and normalization for the synthesis pipeline.
//
// Normalization is an optional pass applied before Split. Split itself never
// rewrites text beyond trimming whitespace at split points.
package text

import (
	"regexp"
	"strings"
)

// Regex patterns for text normalization.
const (
	referenceRegexPattern   = `\s*\[\d+(?:[,\-\x{2013}]\s*\d+)*\]`
	inlineSpaceRegexPattern = `[ \t\f\v\x{00A0}]+`
	blankLinesRegexPattern  = `\n{3,}`
)

// Punctuation and formatting constants.
const (
	emDash         = "\u2014"
	enDash         = "\u2013"
	figureDash     = "\u2012"
	ellipsis       = "..."
	ellipsisChar   = "\u2026"
	carriageReturn = "\r\n"
	lineFeed       = "\n"
)

// Normalizer cleans typography that providers tend to read aloud badly.
type Normalizer struct {
	referencePattern   *regexp.Regexp
	inlineSpacePattern *regexp.Regexp
	blankLinesPattern  *regexp.Regexp
	punctuation        *strings.Replacer
}

// NewNormalizer creates a normalizer with compiled patterns and replacers.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		referencePattern:   regexp.MustCompile(referenceRegexPattern),
		inlineSpacePattern: regexp.MustCompile(inlineSpaceRegexPattern),
		blankLinesPattern:  regexp.MustCompile(blankLinesRegexPattern),
		punctuation: strings.NewReplacer(
			carriageReturn, lineFeed,
			emDash, " - ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize rewrites quotes and dashes, drops bracketed citation markers and
// collapses runs of inline whitespace. Newlines are kept because the chunker
// treats them as sentence terminators.
func (n *Normalizer) Normalize(input string) string {
	if input == "" {
		return input
	}

	normalized := n.punctuation.Replace(input)
	normalized = n.referencePattern.ReplaceAllString(normalized, "")
	normalized = n.inlineSpacePattern.ReplaceAllString(normalized, " ")

	lines := strings.Split(normalized, lineFeed)
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}

	normalized = n.blankLinesPattern.ReplaceAllString(strings.Join(lines, lineFeed), "\n\n")

	return strings.TrimSpace(normalized)
}
