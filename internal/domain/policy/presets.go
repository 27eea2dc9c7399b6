package policy

import (
	"fmt"
	"strings"
	"time"
)

// ActionShellExec is the action name used by shell-executing agents.
const ActionShellExec = "shell_exec"

// PresetShell returns the "shell_safety" preset: commands flagged
// dangerous need a human, the rest run under a short lease, and anything
// without the flag is escalated by the fallback rule.
func PresetShell() *Policy {
	return MustNew("shell_safety", []Rule{
		{
			Name:          "destructive_command",
			ActionPattern: ActionShellExec,
			Scope:         Context{"dangerous": Bool(true)},
			Outcome:       OutcomeNeedsHuman,
			Reason:        "destructive command requires approval",
		},
		{
			Name:          "safe_command",
			ActionPattern: ActionShellExec,
			Scope:         Context{"dangerous": Bool(false)},
			Outcome:       OutcomeAllow,
			Reason:        "safe command permitted",
			MaxSteps:      10,
			MaxDuration:   5 * time.Minute,
		},
	}, WithDefaultReason("unknown command requires review"))
}

// Preset returns the built-in policy registered under name.
func Preset(name string) (*Policy, bool) {
	switch name {
	case "shell", "shell_safety":
		return PresetShell(), true
	}
	return nil, false
}

// Explain renders a rule as human-readable text.
func Explain(r Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule: %s\n", r.Name)
	fmt.Fprintf(&b, "Outcome: %s\n", r.Outcome)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	b.WriteString("\nMatches when:\n")
	fmt.Fprintf(&b, "  - action matches %s\n", r.ActionPattern)
	for _, k := range r.Scope.Keys() {
		fmt.Fprintf(&b, "  - %s = %s\n", k, r.Scope[k])
	}
	if r.MaxSteps > 0 || r.MaxDuration > 0 {
		b.WriteString("\nConstraints:\n")
		if r.MaxSteps > 0 {
			fmt.Fprintf(&b, "  - max steps: %d\n", r.MaxSteps)
		}
		if r.MaxDuration > 0 {
			fmt.Fprintf(&b, "  - max duration: %s\n", r.MaxDuration)
		}
	}
	return b.String()
}
