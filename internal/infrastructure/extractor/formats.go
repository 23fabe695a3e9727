package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html/charset"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const maxSheetRows = 100000

// extractPDF recovers from parser panics, which the pdf reader raises on some
// malformed files.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", domain.WrapError(domain.ErrInvalidInput, "parse pdf", fmt.Errorf("pdf parser panic: %v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "pdf plain text", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtraction, "read pdf text", err)
	}
	return collapseWhitespace(string(b)), nil
}

// extractDocx collects the text runs of word/document.xml, one line per
// paragraph.
func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open docx", err)
	}
	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open docx", fmt.Errorf("word/document.xml not found in archive"))
	}
	rc, err := docFile.Open()
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open document.xml", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		out       strings.Builder
		paragraph strings.Builder
		inText    bool
	)
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "parse document.xml", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				paragraph.WriteByte(' ')
			case "p":
				paragraph.Reset()
			}
		case xml.CharData:
			if inText {
				paragraph.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if line := collapseWhitespace(paragraph.String()); line != "" {
					out.WriteString(line)
					out.WriteByte('\n')
				}
				paragraph.Reset()
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// extractXlsx renders every sheet as "sheet: cell cell ..." lines.
func extractXlsx(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open xlsx", err)
	}
	defer f.Close()

	var out strings.Builder
	rowsSeen := 0
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "read sheet "+sheet, err)
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if cell = strings.TrimSpace(cell); cell != "" {
					cells = append(cells, cell)
				}
			}
			if len(cells) == 0 {
				continue
			}
			out.WriteString(sheet)
			out.WriteString(": ")
			out.WriteString(strings.Join(cells, " "))
			out.WriteByte('\n')
			rowsSeen++
			if rowsSeen >= maxSheetRows {
				return strings.TrimSpace(out.String()), nil
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

var htmlPolicy = bluemonday.StrictPolicy()

func extractHTML(data []byte, mimeType string) string {
	data = decodeUTF8(data, mimeType)
	stripped := htmlPolicy.SanitizeBytes(bytes.ReplaceAll(data, []byte("<"), []byte(" <")))
	return collapseWhitespace(html.UnescapeString(string(stripped)))
}

func extractText(data []byte, mimeType string) string {
	data = decodeUTF8(data, mimeType)
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = collapseWhitespace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// decodeUTF8 transcodes legacy encodings using the declared charset, a BOM or
// an HTML meta tag. Bytes that still do not decode become U+FFFD.
func decodeUTF8(data []byte, mimeType string) []byte {
	if utf8.Valid(data) {
		return data
	}
	enc, _, _ := charset.DetermineEncoding(data, mimeType)
	if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
		return decoded
	}
	return bytes.ToValidUTF8(data, []byte("\uFFFD"))
}
