package extractor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
	FormatXlsx Format = "xlsx"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// detectFormat sniffs magic bytes first and uses the declared MIME type only
// to break ties. Anything else is ErrInvalidInput, which never retries.
func detectFormat(data []byte, mimeType string) (Format, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF, nil
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return detectOpenXML(data, mt)
	case looksLikeHTML(data) || mt == "text/html":
		return FormatHTML, nil
	case isProbablyText(data):
		return FormatText, nil
	}

	if mt == "application/pdf" || mt == mimeDocx || mt == mimeXlsx {
		return "", domain.WrapError(domain.ErrInvalidInput, "detect format", fmt.Errorf("content does not match declared type %s", mt))
	}
	return "", domain.WrapError(domain.ErrInvalidInput, "detect format", fmt.Errorf("unsupported binary content (mime %q)", mt))
}

func detectOpenXML(data []byte, mt string) (Format, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "detect format", fmt.Errorf("corrupt zip container: %w", err))
	}
	hasWord, hasSheet := false, false
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			hasWord = true
		case strings.HasPrefix(f.Name, "xl/"):
			hasSheet = true
		}
	}
	switch {
	case hasWord && !hasSheet:
		return FormatDocx, nil
	case hasSheet && !hasWord:
		return FormatXlsx, nil
	case mt == mimeDocx:
		return FormatDocx, nil
	case mt == mimeXlsx:
		return FormatXlsx, nil
	}
	return "", domain.WrapError(domain.ErrInvalidInput, "detect format", fmt.Errorf("zip archive is neither docx nor xlsx"))
}

func looksLikeHTML(b []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(b[:min(len(b), 2048)])))
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return true
	}
	return strings.Contains(head, "<html") && strings.Contains(head, "<body")
}

// isProbablyText accepts input without NUL bytes whose sample is mostly
// printable ASCII, whitespace or UTF-8 continuation bytes.
func isProbablyText(b []byte) bool {
	sample := b[:min(len(b), 4096)]
	if len(sample) == 0 {
		return false
	}
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			return false
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	return float64(good)/float64(len(sample)) > 0.9
}
