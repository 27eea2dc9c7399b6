package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/domain/policy"
)

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check and explain authority policies",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Parse a policy file and report its rules",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				p, err := policy.LoadFromFile(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "policy %s: %d rules OK\n", p.Name(), len(p.Rules()))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "List the rules of the configured policy in evaluation order",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				p, err := resolvePolicy(c.cfg.Policy)
				if err != nil {
					return err
				}
				rules := p.Rules()
				if c.jsonOut {
					return c.printJSON(map[string]any{"policy": p.Name(), "rules": rules})
				}
				rows := make([][]string, 0, len(rules))
				for i := range rules {
					r := &rules[i]
					rows = append(rows, []string{fmt.Sprint(i), r.Name, r.ActionPattern, formatContext(r.Scope), string(r.Outcome)})
				}
				fmt.Fprintf(c.out, "policy %s\n\n", p.Name())
				return c.table("#\tRULE\tPATTERN\tSCOPE\tOUTCOME", rows)
			},
		},
		&cobra.Command{
			Use:   "explain <action> [key=value...]",
			Short: "Show which rule the configured policy applies to an action",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				actx, err := parseContext(args[1:])
				if err != nil {
					return err
				}
				p, err := resolvePolicy(c.cfg.Policy)
				if err != nil {
					return err
				}
				res := p.Evaluate(args[0], actx)
				if c.jsonOut {
					return c.printJSON(res)
				}
				fmt.Fprintf(c.out, "%s -> %s\n\n", args[0], res.Outcome)
				if !res.Matched() {
					fmt.Fprintf(c.out, "No rule matched (%s). A reviewer must approve %s.\n", res.Reason, res.Constraints.ActionPattern)
					return nil
				}
				fmt.Fprint(c.out, policy.Explain(*res.Rule))
				return nil
			},
		},
	)
	return cmd
}
