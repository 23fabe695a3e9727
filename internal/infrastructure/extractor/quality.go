package extractor

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func measureQuality(format Format, text string) domain.ExtractionQuality {
	return domain.ExtractionQuality{
		Format:         string(format),
		Chars:          utf8.RuneCountInString(text),
		PrintableRatio: printableRatio(text),
		WordlikeRatio:  wordlikeRatio(text),
	}
}

// confidence blends the two ratios. Empty text scores 0; very short text is
// scaled down since a handful of characters says little about the scan.
func confidence(q domain.ExtractionQuality) float64 {
	if q.Chars == 0 {
		return 0
	}
	c := 0.6*q.PrintableRatio + 0.4*q.WordlikeRatio
	if q.Chars < 20 {
		c *= float64(q.Chars) / 20
	}
	if c > 1 {
		c = 1
	}
	return c
}

// printableRatio excludes the private use area, U+FFFD and control characters
// other than whitespace.
func printableRatio(text string) float64 {
	if text == "" {
		return 0
	}
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == utf8.RuneError:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
		return true
	}
	return false
}

// wordlikeRatio is the share of whitespace-separated tokens 2 to 15 runes long.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		if n := utf8.RuneCountInString(f); n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
