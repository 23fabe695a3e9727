// Package rules classifies documents by weighted keyword matches. It needs no
// network and always maps the same text to the same labels.
package rules

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const fallbackDocType = "other"

// Rule scores a document type. Each distinct keyword found in the text adds
// its weight once; Tags are attached when the rule wins.
type Rule struct {
	DocType  string             `yaml:"doc_type"`
	Keywords map[string]float64 `yaml:"keywords"`
	Tags     []string           `yaml:"tags"`
}

var DefaultRules = []Rule{
	{DocType: "invoice", Keywords: map[string]float64{"invoice": 3, "amount": 1, "due": 1, "vat": 2, "total": 1, "billing": 2}, Tags: []string{"finance"}},
	{DocType: "receipt", Keywords: map[string]float64{"receipt": 3, "paid": 2, "cash": 1, "change": 1, "thank": 1}, Tags: []string{"finance"}},
	{DocType: "contract", Keywords: map[string]float64{"agreement": 3, "contract": 3, "party": 1, "parties": 2, "hereby": 2, "terms": 1, "signed": 1}, Tags: []string{"legal"}},
	{DocType: "report", Keywords: map[string]float64{"report": 3, "summary": 1, "findings": 2, "quarter": 1, "analysis": 2}, Tags: []string{"analysis"}},
	{DocType: "resume", Keywords: map[string]float64{"resume": 3, "experience": 2, "education": 2, "skills": 2}, Tags: []string{"hr"}},
	{DocType: "letter", Keywords: map[string]float64{"dear": 3, "sincerely": 3, "regards": 2}, Tags: []string{"correspondence"}},
}

type Classifier struct {
	rules []Rule
}

func New(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		kw := make(map[string]float64, len(r.Keywords))
		for k, w := range r.Keywords {
			kw[strings.ToLower(strings.TrimSpace(k))] = w
		}
		normalized = append(normalized, Rule{DocType: strings.ToLower(r.DocType), Keywords: kw, Tags: r.Tags})
	}
	return &Classifier{rules: normalized}
}

func (c *Classifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Classification{}, err
	}
	words := wordSet(text)

	best, bestScore, total := -1, 0.0, 0.0
	for i, r := range c.rules {
		score := 0.0
		for kw, w := range r.Keywords {
			if _, ok := words[kw]; ok {
				score += w
			}
		}
		total += score
		// Ties go to the earlier rule.
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return domain.Classification{DocType: fallbackDocType, Tags: []string{}, Confidence: 0}, nil
	}

	winner := c.rules[best]
	tags := append([]string(nil), winner.Tags...)
	if tags == nil {
		tags = []string{}
	}
	sort.Strings(tags)
	return domain.Classification{
		DocType:    winner.DocType,
		Tags:       tags,
		Confidence: bestScore / total,
	}, nil
}

func wordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = struct{}{}
	}
	return out
}
