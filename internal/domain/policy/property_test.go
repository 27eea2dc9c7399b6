package policy

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var outcomes = []Outcome{OutcomeAllow, OutcomeDeny, OutcomeNeedsHuman}

// rulesFor builds rules that all match action "act", with outcomes
// picked in order.
func rulesFor(picks []int) []Rule {
	rules := make([]Rule, len(picks))
	for i, p := range picks {
		rules[i] = Rule{
			Name:          fmt.Sprintf("r%d", i),
			ActionPattern: "act",
			Outcome:       outcomes[p%len(outcomes)],
		}
	}
	return rules
}

func TestPropertyUnmatchedNeedsHuman(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("requests no rule covers evaluate to needs_human", prop.ForAll(
		func(action string, picks []int, env string) bool {
			p := MustNew("prop", rulesFor(picks))
			res := p.Evaluate("x"+action, Context{"env": String(env)})
			return res.Outcome == OutcomeNeedsHuman && !res.Matched() && res.RuleIndex == -1
		},
		gen.AlphaString(),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestPropertyFirstMatchWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("outcome comes from the first matching rule", prop.ForAll(
		func(picks []int, skip int) bool {
			rules := rulesFor(picks)
			if len(rules) == 0 {
				return true
			}
			// Rules before index skip require a constraint the request lacks.
			first := skip % len(rules)
			for i := 0; i < first; i++ {
				rules[i].Scope = Context{"never": Bool(true)}
			}
			p := MustNew("prop", rules)
			res := p.Evaluate("act", Context{"env": String("dev")})
			return res.RuleIndex == first &&
				res.Rule.Name == rules[first].Name &&
				res.Outcome == rules[first].Outcome
		},
		gen.SliceOfN(5, gen.IntRange(0, 2)).SuchThat(func(v []int) bool { return len(v) > 0 }),
		gen.IntRange(0, 100),
	))

	properties.Property("appending rules never changes an existing match", prop.ForAll(
		func(picks []int, extra []int) bool {
			if len(picks) == 0 {
				return true
			}
			base := MustNew("base", rulesFor(picks))
			extended := rulesFor(append(append([]int{}, picks...), extra...))
			p := MustNew("extended", extended)
			a := base.Evaluate("act", nil)
			b := p.Evaluate("act", nil)
			return a.Outcome == b.Outcome && a.RuleIndex == b.RuleIndex
		},
		gen.SliceOfN(3, gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
