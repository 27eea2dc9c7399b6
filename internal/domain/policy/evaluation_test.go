package policy

import (
	"testing"
	"time"
)

func scenarioPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := New("scenario", []Rule{
		{
			Name:          "dev-shell",
			ActionPattern: "shell_exec",
			Scope:         Context{"env": String("dev"), "destructive": Bool(false)},
			Outcome:       OutcomeAllow,
			Reason:        "dev shell is fine",
			MaxSteps:      10,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestEvaluateScenario(t *testing.T) {
	p := scenarioPolicy(t)

	tests := []struct {
		name      string
		action    string
		ctx       Context
		want      Outcome
		wantRule  string
		wantSteps int
	}{
		{
			name:      "dev non destructive allowed",
			action:    "shell_exec",
			ctx:       Context{"env": String("dev"), "destructive": Bool(false)},
			want:      OutcomeAllow,
			wantRule:  "dev-shell",
			wantSteps: 10,
		},
		{
			name:   "prod destructive escalated",
			action: "shell_exec",
			ctx:    Context{"env": String("prod"), "destructive": Bool(true)},
			want:   OutcomeNeedsHuman,
		},
		{
			name:   "missing constraint key",
			action: "shell_exec",
			ctx:    Context{"env": String("dev")},
			want:   OutcomeNeedsHuman,
		},
		{
			name:   "string true is not bool true",
			action: "shell_exec",
			ctx:    Context{"env": String("dev"), "destructive": String("false")},
			want:   OutcomeNeedsHuman,
		},
		{
			name:      "extra keys ignored",
			action:    "shell_exec",
			ctx:       Context{"env": String("dev"), "destructive": Bool(false), "user": String("bob")},
			want:      OutcomeAllow,
			wantRule:  "dev-shell",
			wantSteps: 10,
		},
		{
			name:   "unknown action",
			action: "file_delete",
			ctx:    Context{"env": String("dev"), "destructive": Bool(false)},
			want:   OutcomeNeedsHuman,
		},
		{
			name:   "pattern is case sensitive",
			action: "SHELL_EXEC",
			ctx:    Context{"env": String("dev"), "destructive": Bool(false)},
			want:   OutcomeNeedsHuman,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := p.Evaluate(tt.action, tt.ctx)
			if res.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s", res.Outcome, tt.want)
			}
			if tt.wantRule == "" {
				if res.Matched() {
					t.Fatalf("expected fallback, matched %s", res.Rule.Name)
				}
				if res.RuleIndex != -1 {
					t.Errorf("rule index = %d, want -1", res.RuleIndex)
				}
				if res.Reason != DefaultReason {
					t.Errorf("reason = %q, want %q", res.Reason, DefaultReason)
				}
				return
			}
			if !res.Matched() || res.Rule.Name != tt.wantRule {
				t.Fatalf("matched rule = %v, want %s", res.Rule, tt.wantRule)
			}
			if res.Constraints.MaxSteps != tt.wantSteps {
				t.Errorf("max steps = %d, want %d", res.Constraints.MaxSteps, tt.wantSteps)
			}
		})
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	p := MustNew("order", []Rule{
		{Name: "deny-rm", ActionPattern: "shell_.*", Scope: Context{"cmd": String("rm")}, Outcome: OutcomeDeny, Reason: "no rm"},
		{Name: "allow-shell", ActionPattern: "shell_.*", Outcome: OutcomeAllow, Reason: "shell ok"},
		{Name: "never", ActionPattern: "shell_exec", Outcome: OutcomeNeedsHuman},
	})

	res := p.Evaluate("shell_exec", Context{"cmd": String("rm")})
	if res.Outcome != OutcomeDeny || res.Rule.Name != "deny-rm" || res.RuleIndex != 0 {
		t.Fatalf("got %s via %v, want deny via deny-rm", res.Outcome, res.Rule)
	}
	res = p.Evaluate("shell_exec", Context{"cmd": String("ls")})
	if res.Outcome != OutcomeAllow || res.Rule.Name != "allow-shell" {
		t.Fatalf("got %s via %v, want allow via allow-shell", res.Outcome, res.Rule)
	}
}

func TestEvaluatePatternAnchored(t *testing.T) {
	p := MustNew("anchored", []Rule{
		{Name: "exec", ActionPattern: "shell_exec", Outcome: OutcomeAllow},
		{Name: "files", ActionPattern: "file_(read|list)", Outcome: OutcomeAllow},
	})

	tests := []struct {
		action string
		want   Outcome
	}{
		{"shell_exec", OutcomeAllow},
		{"shell_exec_sudo", OutcomeNeedsHuman},
		{"x_shell_exec", OutcomeNeedsHuman},
		{"file_read", OutcomeAllow},
		{"file_list", OutcomeAllow},
		{"file_write", OutcomeNeedsHuman},
	}
	for _, tt := range tests {
		if got := p.Evaluate(tt.action, nil).Outcome; got != tt.want {
			t.Errorf("Evaluate(%q) = %s, want %s", tt.action, got, tt.want)
		}
	}
}

func TestEvaluateFallbackScope(t *testing.T) {
	p := MustNew("empty", nil, WithDefaultReason("ask first"))
	res := Evaluate(p, "db.drop(users)", nil)
	if res.Outcome != OutcomeNeedsHuman {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Reason != "ask first" {
		t.Errorf("reason = %q", res.Reason)
	}
	if !MatchPattern(res.Constraints.ActionPattern, "db.drop(users)", nil) {
		t.Errorf("fallback pattern %q does not cover its own action", res.Constraints.ActionPattern)
	}
	if MatchPattern(res.Constraints.ActionPattern, "dbXdrop(users)", nil) {
		t.Errorf("fallback pattern %q is not literal", res.Constraints.ActionPattern)
	}
}

func TestEvaluateReturnsCopies(t *testing.T) {
	p := MustNew("copy", []Rule{
		{Name: "r", ActionPattern: "a", Scope: Context{"env": String("dev")}, Outcome: OutcomeAllow, MaxDuration: time.Minute},
	})
	res := p.Evaluate("a", Context{"env": String("dev")})
	res.Constraints.Scope["env"] = String("prod")
	res.Rule.Scope["env"] = String("prod")

	if got := p.Evaluate("a", Context{"env": String("dev")}); got.Outcome != OutcomeAllow {
		t.Fatalf("policy mutated through evaluation result: %s", got.Outcome)
	}
}

func TestNewCopiesInput(t *testing.T) {
	rules := []Rule{{Name: "r", ActionPattern: "a", Scope: Context{"env": String("dev")}, Outcome: OutcomeAllow}}
	p := MustNew("copy", rules)
	rules[0].Outcome = OutcomeDeny
	rules[0].Scope["env"] = String("prod")

	if got := p.Evaluate("a", Context{"env": String("dev")}).Outcome; got != OutcomeAllow {
		t.Fatalf("outcome = %s, want allow", got)
	}
}
