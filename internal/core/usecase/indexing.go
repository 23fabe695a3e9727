package usecase

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const (
	maxIndexTokens   = 4096
	minIndexTokenLen = 2
)

// BuildIndexEntry derives the search entry of a version. It depends only on
// persisted stage outputs, so replaying it yields the same entry.
func BuildIndexEntry(v *domain.Version, ex domain.Extraction, cls domain.Classification, now time.Time) domain.IndexEntry {
	tags := append([]string(nil), cls.Tags...)
	if tags == nil {
		tags = []string{}
	}
	return domain.IndexEntry{
		VersionID:      v.ID,
		DocumentID:     v.DocumentID,
		SequenceNumber: v.SequenceNumber,
		DocType:        cls.DocType,
		Tags:           tags,
		Tokens:         indexTokens(ex.Text, v.Filename),
		Fields: map[string]string{
			"filename":       v.Filename,
			"mime_type":      v.MimeType,
			"format":         ex.Quality.Format,
			"confidence":     strconv.FormatFloat(ex.Confidence, 'f', 3, 64),
			"low_confidence": strconv.FormatBool(ex.LowConfidence),
		},
		IndexedAt: now,
	}
}

// indexTokens lower-cases letter/digit runs, keeps first occurrences in
// order and caps the result.
func indexTokens(parts ...string) []string {
	seen := make(map[string]struct{}, 256)
	out := make([]string, 0, 256)
	add := func(tok string) bool {
		if len([]rune(tok)) < minIndexTokenLen {
			return true
		}
		if _, dup := seen[tok]; dup {
			return true
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		return len(out) < maxIndexTokens
	}
	for _, part := range parts {
		var b strings.Builder
		for _, r := range part {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToLower(r))
				continue
			}
			if b.Len() > 0 {
				if !add(b.String()) {
					return out
				}
				b.Reset()
			}
		}
		if b.Len() > 0 && !add(b.String()) {
			return out
		}
	}
	return out
}
