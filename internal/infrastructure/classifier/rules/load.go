package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads a YAML rule set:
//
//	rules:
//	  - doc_type: invoice
//	    keywords: {invoice: 3, vat: 2}
//	    tags: [finance]
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.DocType) == "" {
			return nil, fmt.Errorf("rule %d: doc_type is required", i)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q: at least one keyword is required", r.DocType)
		}
	}
	return f.Rules, nil
}
