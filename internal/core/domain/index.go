package domain

import "time"

// ExtractionQuality describes how trustworthy the extracted text looks.
type ExtractionQuality struct {
	Format         string  `json:"format"`
	Chars          int     `json:"chars"`
	PrintableRatio float64 `json:"printable_ratio"`
	WordlikeRatio  float64 `json:"wordlike_ratio"`
}

// Extraction is the persisted output of the extraction stage.
type Extraction struct {
	VersionID     string            `json:"version_id"`
	Text          string            `json:"text"`
	Confidence    float64           `json:"confidence"`
	Quality       ExtractionQuality `json:"quality"`
	LowConfidence bool              `json:"low_confidence"`
	ExtractedAt   time.Time         `json:"extracted_at"`
}

// Summary drops the text body for read models.
func (e Extraction) Summary() Extraction {
	out := e
	out.Text = ""
	return out
}

type Classification struct {
	VersionID    string    `json:"version_id"`
	DocType      string    `json:"doc_type"`
	Tags         []string  `json:"tags"`
	Confidence   float64   `json:"confidence"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// IndexEntry is derived data. It can always be rebuilt from a version's
// extraction and classification, so the indexer may replay it freely.
type IndexEntry struct {
	VersionID      string            `json:"version_id"`
	DocumentID     string            `json:"document_id"`
	SequenceNumber int64             `json:"sequence_number"`
	DocType        string            `json:"doc_type"`
	Tags           []string          `json:"tags"`
	Tokens         []string          `json:"tokens"`
	Fields         map[string]string `json:"fields,omitempty"`
	IndexedAt      time.Time         `json:"indexed_at"`
}
