package policy

import "fmt"

func (p *Policy) validate() error {
	if p.name == "" {
		return fmt.Errorf("policy: name is required")
	}
	seen := make(map[string]int, len(p.rules))
	for i := range p.rules {
		r := &p.rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("policy: rule[%d]: %w", i, err)
		}
		if j, dup := seen[r.Name]; dup {
			return fmt.Errorf("policy: rule[%d]: name %q already used by rule[%d]", i, r.Name, j)
		}
		seen[r.Name] = i
		re, err := compilePattern(r.ActionPattern)
		if err != nil {
			return fmt.Errorf("policy: rule[%d]: action_pattern: %w", i, err)
		}
		r.re = re
	}
	return nil
}

// Validate checks that a Rule is well-formed.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.ActionPattern == "" {
		return fmt.Errorf("action_pattern is required")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("invalid outcome %q", r.Outcome)
	}
	if r.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be >= 0")
	}
	if r.MaxDuration < 0 {
		return fmt.Errorf("max_duration must be >= 0")
	}
	for k, v := range r.Scope {
		if v.Kind() == KindInvalid {
			return fmt.Errorf("scope %q: value has no type", k)
		}
	}
	return nil
}
