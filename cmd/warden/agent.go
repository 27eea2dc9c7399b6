package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/service"
)

func newRequestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "request <action> [key=value...]",
		Short: "Evaluate an action against the policy and record the decision",
		Long: `Request authority for an action as the configured agent. Context values
are typed: true/false become booleans, numbers become numbers and
everything else is a string. For shell_exec a command=... value is
classified and sets dangerous unless it is given explicitly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actx, err := parseContext(args[1:])
			if err != nil {
				return err
			}
			if args[0] == policy.ActionShellExec {
				if line, ok := actx[policy.KeyCommand].Str(); ok {
					actx = policy.ShellContext(line, actx)
				}
			}
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.loadPolicy()
			if err != nil {
				return err
			}
			d, err := a.authorityService(p).RequestAuthority(cmd.Context(), args[0], actx)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(d)
			}
			c.printDecision(d)
			return nil
		},
	}
}

func (c *cli) printDecision(d *authority.Decision) {
	fmt.Fprintf(c.out, "Decision:  %s\n", d.ID)
	fmt.Fprintf(c.out, "Outcome:   %s\n", d.Outcome)
	fmt.Fprintf(c.out, "Reason:    %s\n", d.Reason)
	fmt.Fprintf(c.out, "Status:    %s\n", d.Status)
	if d.LeaseID != "" {
		fmt.Fprintf(c.out, "Lease:     %s\n", d.LeaseID)
	}
}

// waitResult is the printable form of service.ApprovalResult.
type waitResult struct {
	DecisionID string `json:"decision_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	LeaseID    string `json:"lease_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newWaitCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <decision_id>...",
		Short: "Block until pending decisions are resolved",
		Long: `Wait for reviewers to resolve the given decisions and report each
outcome. Approved decisions report their lease; no step is consumed.
Decisions still pending when the timeout passes are reported as pending.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.ledgerApp(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Coordinator.Timeout
			}

			coord := a.coordinator()
			for _, id := range args {
				d, err := a.ledger.GetDecision(ctx, id)
				if err != nil {
					return err
				}
				if err := coord.AddPendingApproval(d.ID, d.ActionName, nil, nil); err != nil {
					return err
				}
			}
			if a.queue != nil {
				stop, err := service.WatchEvents(ctx, a.queue, coord)
				if err != nil {
					return err
				}
				defer stop()
			}

			report := func(_ context.Context, _ string, _ map[string]any, leaseID string) (any, error) {
				return leaseID, nil
			}
			results, err := coord.PollUntilResolved(ctx, report, timeout)
			if err != nil {
				return err
			}

			out := make([]waitResult, 0, len(args))
			for i := range results {
				r := &results[i]
				w := waitResult{DecisionID: r.DecisionID, Action: r.Action, Status: string(r.Status), LeaseID: r.LeaseID}
				if r.Err != nil {
					w.Error = r.Err.Error()
				}
				out = append(out, w)
			}
			for _, p := range coord.PendingApprovals() {
				out = append(out, waitResult{DecisionID: p.DecisionID, Action: p.Action, Status: string(authority.StatusPending)})
			}
			if c.jsonOut {
				return c.printJSON(out)
			}
			rows := make([][]string, 0, len(out))
			for _, w := range out {
				rows = append(rows, []string{w.DecisionID, w.Action, w.Status, orDash(w.LeaseID), orDash(w.Error)})
			}
			return c.table("DECISION\tACTION\tSTATUS\tLEASE\tERROR", rows)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until all are resolved)")
	return cmd
}
