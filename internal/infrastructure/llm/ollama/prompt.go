package ollama

import "strings"

const (
	maxPromptSnippet = 4000
	maxTags          = 8
	unknownDocType   = "other"
)

var defaultDocTypes = []string{"invoice", "receipt", "contract", "report", "letter", "resume", "spreadsheet", "other"}

func buildClassificationPrompt(text string, docTypes []string) string {
	snippet := []rune(text)
	if len(snippet) > maxPromptSnippet {
		snippet = snippet[:maxPromptSnippet]
	}

	return `You are a document classifier.
Return strict JSON object with keys:
doc_type (one of: ` + strings.Join(docTypes, ", ") + `), tags (array of up to 8 short lowercase strings), confidence (number from 0 to 1).
No markdown, no extra keys.

Document:
` + string(snippet)
}
