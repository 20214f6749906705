package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TriggerDef is one detection rule as written in the rules file or in
// the cfg:detection document. Conditions are strings in the form
// "<field> <op> <value>", e.g. "buy_count_5m >= 20". Compilation and
// validation happen in the detect package; this type is only the
// document shape.
type TriggerDef struct {
	Name       string   `yaml:"name"`
	Enabled    *bool    `yaml:"enabled,omitempty"` // nil means enabled
	Conditions []string `yaml:"conditions"`
}

// IsEnabled treats an absent enabled flag as true.
func (t *TriggerDef) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// RulesDoc is the YAML document carrying trigger definitions. The same
// schema is used for the startup rules file and for hot-reload
// payloads stored under cfg:detection.
type RulesDoc struct {
	Triggers []TriggerDef `yaml:"triggers"`
}

// ParseRules unmarshals a rules document. Structural YAML errors are
// reported here; semantic validation (known fields, operators, numeric
// literals) is the evaluator's job.
func ParseRules(data []byte) (*RulesDoc, error) {
	var doc RulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules document: %w", err)
	}
	return &doc, nil
}

// ReadRulesFile loads the startup rules file.
func ReadRulesFile(path string) (*RulesDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return ParseRules(data)
}
