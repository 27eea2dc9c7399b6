package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileVersion is the only policy file schema version understood by Load.
const FileVersion = 1

// actionKey is the when-key holding the action pattern. Every other
// when-key becomes a scope constraint.
const actionKey = "action"

type policyFile struct {
	Version int         `yaml:"version"`
	Policy  string      `yaml:"policy"`
	Default defaultSpec `yaml:"default"`
	Rules   []ruleSpec  `yaml:"rules"`
}

type defaultSpec struct {
	Outcome Outcome `yaml:"outcome"`
	Reason  string  `yaml:"reason"`
}

type ruleSpec struct {
	ID   string           `yaml:"id"`
	When map[string]Value `yaml:"when"`
	Then thenSpec         `yaml:"then"`
}

type thenSpec struct {
	Outcome            Outcome  `yaml:"outcome"`
	Reason             string   `yaml:"reason"`
	MaxSteps           int      `yaml:"max_steps"`
	MaxDuration        Duration `yaml:"max_duration"`
	MaxDurationMinutes int      `yaml:"max_duration_minutes"`
}

// Duration decodes a YAML duration string such as "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// LoadFromFile reads and compiles a policy YAML file.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Parse compiles a policy document. Unknown keys are rejected so that a
// typo can never widen a rule.
func Parse(data []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f policyFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse: empty document")
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("unsupported version %d, expected %d", f.Version, FileVersion)
	}
	if f.Default.Outcome != "" && f.Default.Outcome != OutcomeNeedsHuman {
		return nil, fmt.Errorf("default outcome must be %s, got %q", OutcomeNeedsHuman, f.Default.Outcome)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i := range f.Rules {
		r, err := f.Rules[i].compile()
		if err != nil {
			return nil, fmt.Errorf("rule[%d] (%s): %w", i, f.Rules[i].ID, err)
		}
		rules = append(rules, r)
	}
	return New(f.Policy, rules, WithDefaultReason(f.Default.Reason))
}

func (s *ruleSpec) compile() (Rule, error) {
	if s.ID == "" {
		return Rule{}, fmt.Errorf("id is required")
	}
	action, ok := s.When[actionKey]
	if !ok {
		return Rule{}, fmt.Errorf("when.%s is required", actionKey)
	}
	pattern, ok := action.Str()
	if !ok {
		return Rule{}, fmt.Errorf("when.%s must be a string", actionKey)
	}
	if s.Then.MaxDuration != 0 && s.Then.MaxDurationMinutes != 0 {
		return Rule{}, fmt.Errorf("then: set max_duration or max_duration_minutes, not both")
	}

	var scope Context
	for k, v := range s.When {
		if k == actionKey {
			continue
		}
		if scope == nil {
			scope = make(Context, len(s.When)-1)
		}
		scope[k] = v
	}

	maxDuration := time.Duration(s.Then.MaxDuration)
	if s.Then.MaxDurationMinutes != 0 {
		maxDuration = time.Duration(s.Then.MaxDurationMinutes) * time.Minute
	}
	reason := s.Then.Reason
	if reason == "" {
		reason = "policy rule matched"
	}
	return Rule{
		Name:          s.ID,
		ActionPattern: pattern,
		Scope:         scope,
		Outcome:       s.Then.Outcome,
		Reason:        reason,
		MaxSteps:      s.Then.MaxSteps,
		MaxDuration:   maxDuration,
	}, nil
}
