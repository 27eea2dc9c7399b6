// Package policy defines the rule model and evaluator that decide whether
// an agent action is allowed outright, denied, or escalated to a human.
package policy

import (
	"regexp"
	"time"
)

// Outcome is the result of evaluating an action against a Policy.
type Outcome string

const (
	OutcomeAllow      Outcome = "allow"
	OutcomeDeny       Outcome = "deny"
	OutcomeNeedsHuman Outcome = "needs_human"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllow, OutcomeDeny, OutcomeNeedsHuman:
		return true
	}
	return false
}

// Rule maps an action pattern and scope constraints to an Outcome.
// ActionPattern matches either exactly or as a regular expression that
// must cover the whole action name.
type Rule struct {
	Name          string        `json:"name" yaml:"name"`
	ActionPattern string        `json:"action_pattern" yaml:"action_pattern"`
	Scope         Context       `json:"scope,omitempty" yaml:"scope,omitempty"`
	Outcome       Outcome       `json:"outcome" yaml:"outcome"`
	Reason        string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	MaxSteps      int           `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MaxDuration   time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`

	re *regexp.Regexp
}

// Policy is a named, ordered rule list. The first matching rule wins.
// A Policy built by New is immutable.
type Policy struct {
	name          string
	rules         []Rule
	defaultReason string
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Rules returns a copy of the compiled rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i := range p.rules {
		out[i] = p.rules[i]
		out[i].Scope = p.rules[i].Scope.Clone()
	}
	return out
}

// Rule returns the rule with the given name.
func (p *Policy) Rule(name string) (Rule, bool) {
	for i := range p.rules {
		if p.rules[i].Name == name {
			r := p.rules[i]
			r.Scope = r.Scope.Clone()
			return r, true
		}
	}
	return Rule{}, false
}

// Option customizes a Policy during New.
type Option func(*Policy)

// WithDefaultReason overrides the reason reported when no rule matches.
func WithDefaultReason(reason string) Option {
	return func(p *Policy) {
		if reason != "" {
			p.defaultReason = reason
		}
	}
}

// New validates and compiles rules into an immutable Policy. The rules
// slice and scope maps are copied.
func New(name string, rules []Rule, opts ...Option) (*Policy, error) {
	p := &Policy{name: name, defaultReason: DefaultReason}
	for _, o := range opts {
		o(p)
	}
	p.rules = make([]Rule, len(rules))
	for i := range rules {
		p.rules[i] = rules[i]
		p.rules[i].Scope = rules[i].Scope.Clone()
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustNew is like New but panics on an invalid policy. Intended for
// built-in presets and tests.
func MustNew(name string, rules []Rule, opts ...Option) *Policy {
	p, err := New(name, rules, opts...)
	if err != nil {
		panic(err)
	}
	return p
}
