package policy

import (
	"regexp"
	"time"
)

// DefaultReason is reported when no rule matches a request.
const DefaultReason = "no matching rule"

// Constraints are the limits a matched rule hands on to any lease issued
// for the decision.
type Constraints struct {
	RuleName      string        `json:"rule_name,omitempty"`
	ActionPattern string        `json:"action_pattern"`
	Scope         Context       `json:"scope,omitempty"`
	MaxSteps      int           `json:"max_steps,omitempty"`
	MaxDuration   time.Duration `json:"max_duration,omitempty"`
}

// EvaluationResult captures which rule matched and what it decided.
type EvaluationResult struct {
	Outcome     Outcome     `json:"outcome"`
	Policy      string      `json:"policy"`
	RuleIndex   int         `json:"rule_index"` // -1 if no rule matched
	Rule        *Rule       `json:"rule,omitempty"`
	Reason      string      `json:"reason"`
	Constraints Constraints `json:"constraints"`
}

// Matched reports whether a declared rule matched, as opposed to the
// implicit fallback.
func (r EvaluationResult) Matched() bool { return r.Rule != nil }

// Evaluate checks an action request against the policy using
// first-match-wins. Unmatched requests fall through to an implicit
// needs_human rule scoped to exactly that action name.
func (p *Policy) Evaluate(action string, ctx Context) EvaluationResult {
	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.Matches(action, ctx) {
			continue
		}
		matched := *rule
		matched.Scope = rule.Scope.Clone()
		return EvaluationResult{
			Outcome:   rule.Outcome,
			Policy:    p.name,
			RuleIndex: i,
			Rule:      &matched,
			Reason:    rule.Reason,
			Constraints: Constraints{
				RuleName:      rule.Name,
				ActionPattern: rule.ActionPattern,
				Scope:         rule.Scope.Clone(),
				MaxSteps:      rule.MaxSteps,
				MaxDuration:   rule.MaxDuration,
			},
		}
	}
	return p.fallback(action)
}

// Evaluate is the functional form of (*Policy).Evaluate.
func Evaluate(p *Policy, action string, ctx Context) EvaluationResult {
	return p.Evaluate(action, ctx)
}

func (p *Policy) fallback(action string) EvaluationResult {
	return EvaluationResult{
		Outcome:   OutcomeNeedsHuman,
		Policy:    p.name,
		RuleIndex: -1,
		Reason:    p.defaultReason,
		Constraints: Constraints{
			ActionPattern: regexp.QuoteMeta(action),
		},
	}
}

// Matches reports whether the rule's pattern covers action and every
// scope constraint is present in ctx with an equal value.
func (r *Rule) Matches(action string, ctx Context) bool {
	if !MatchPattern(r.ActionPattern, action, r.re) {
		return false
	}
	return ctx.Satisfies(r.Scope)
}

// MatchPattern reports whether pattern matches name exactly or as a
// regular expression anchored at both ends. re may carry a precompiled
// form of the anchored pattern; when nil the pattern is compiled on the
// fly and an invalid expression only matches exactly.
func MatchPattern(pattern, name string, re *regexp.Regexp) bool {
	if pattern == name {
		return true
	}
	if re == nil {
		var err error
		re, err = compilePattern(pattern)
		if err != nil {
			return false
		}
	}
	return re.MatchString(name)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
