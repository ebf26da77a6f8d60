// Package policy evaluates user-supplied CEL exclusion rules against scan
// candidates.
package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is what a matching rule asks for.
type Action string

const (
	// ActionBlock excludes the candidate from autonomous execution.
	ActionBlock Action = "block"
	// ActionWarn only logs the match.
	ActionWarn Action = "warn"
)

// Rule is a user-defined condition, e.g.
//
//	id: prod-databases
//	condition: "kind == 'AWS::RDS::DBInstance' && tags['env'] == 'prod'"
//	action: block
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   string `yaml:"condition" json:"condition"`
	Action      Action `yaml:"action" json:"action"`
}

func (r Rule) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("rule id is required")
	case r.Condition == "":
		return fmt.Errorf("rule %s: condition is required", r.ID)
	}
	switch r.Action {
	case ActionBlock, ActionWarn:
		return nil
	}
	return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
}

// RuleFile is the on-disk rule document.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule document, defaulting a missing action to
// block.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		if f.Rules[i].Action == "" {
			f.Rules[i].Action = ActionBlock
		}
		if err := f.Rules[i].Validate(); err != nil {
			return nil, err
		}
		if seen[f.Rules[i].ID] {
			return nil, fmt.Errorf("duplicate rule id %q", f.Rules[i].ID)
		}
		seen[f.Rules[i].ID] = true
	}
	return f.Rules, nil
}

// NewEngineFromFile compiles the rules in path. An empty path yields an
// engine with no rules.
func NewEngineFromFile(path string) (*CELEngine, error) {
	e, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return e, nil
	}
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	if err := e.Compile(rules); err != nil {
		return nil, err
	}
	return e, nil
}
