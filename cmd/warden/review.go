package main

import (
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/domain/authority"
	"github.com/Strob0t/warden/internal/domain/policy"
	"github.com/Strob0t/warden/internal/service"
)

// reviewer returns the identity recorded for human resolutions.
func reviewer(flag string) string {
	if flag != "" {
		return flag
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func newApprovalsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"pending"},
		Short:   "List decisions waiting for a reviewer",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := a.reviewService().ListPending(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(c.out, "No pending approvals.")
				return nil
			}
			rows := make([][]string, 0, len(pending))
			for i := range pending {
				d := &pending[i]
				rows = append(rows, []string{d.ID, d.AgentID, d.ActionName, formatContext(d.Context), d.Reason, formatTime(d.CreatedAt)})
			}
			return c.table("ID\tAGENT\tACTION\tCONTEXT\tREASON\tCREATED", rows)
		},
	}
}

func newLeasesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "List active leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			leases, err := a.reviewService().ListActiveLeases(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(leases)
			}
			if len(leases) == 0 {
				fmt.Fprintln(c.out, "No active leases.")
				return nil
			}
			rows := make([][]string, 0, len(leases))
			for i := range leases {
				l := &leases[i]
				rows = append(rows, []string{
					l.ID, l.DecisionID, l.AgentID, l.ActionPattern,
					fmt.Sprintf("%d/%d", l.StepsUsed, l.MaxSteps), formatTime(l.ExpiresAt),
				})
			}
			return c.table("ID\tDECISION\tAGENT\tPATTERN\tSTEPS\tEXPIRES", rows)
		},
	}
}

func newInspectCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <decision_id>",
		Short: "Show a decision with its lease, revocations and actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			in, err := a.reviewService().Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(in)
			}
			c.printInspection(in)
			return nil
		},
	}
}

func (c *cli) printInspection(in *service.Inspection) {
	d := in.Decision
	fmt.Fprintf(c.out, "Decision:  %s\n", d.ID)
	fmt.Fprintf(c.out, "Agent:     %s\n", d.AgentID)
	fmt.Fprintf(c.out, "Action:    %s\n", d.ActionName)
	fmt.Fprintf(c.out, "Context:   %s\n", formatContext(d.Context))
	fmt.Fprintf(c.out, "Outcome:   %s (%s)\n", d.Outcome, d.Reason)
	fmt.Fprintf(c.out, "Policy:    %s rule %s\n", d.PolicyName, orDash(d.Constraints.RuleName))
	fmt.Fprintf(c.out, "Status:    %s\n", d.Status)
	if d.Resolved() {
		at := time.Time{}
		if d.ResolvedAt != nil {
			at = *d.ResolvedAt
		}
		fmt.Fprintf(c.out, "Resolved:  by %s at %s: %s\n", d.ResolvedBy, formatTime(at), d.Rationale)
	}
	if l := in.Lease; l != nil {
		state := "active"
		if err := l.Check(time.Now()); err != nil {
			state = strings.TrimPrefix(err.Error(), "lease "+l.ID+" invalid: ")
		}
		fmt.Fprintf(c.out, "\nLease:     %s (%s)\n", l.ID, state)
		fmt.Fprintf(c.out, "Pattern:   %s %s\n", l.ActionPattern, formatContext(l.Scope))
		fmt.Fprintf(c.out, "Steps:     %d/%d\n", l.StepsUsed, l.MaxSteps)
		fmt.Fprintf(c.out, "Expires:   %s\n", formatTime(l.ExpiresAt))
	}
	for _, r := range in.Revocations {
		fmt.Fprintf(c.out, "Revoked:   %s by %s at %s: %s\n", r.Reason, r.RevokedBy, formatTime(r.RevokedAt), r.Detail)
	}
	if len(in.Actions) > 0 {
		fmt.Fprintln(c.out, "\nActions:")
		for _, ac := range in.Actions {
			fmt.Fprintf(c.out, "  %s  %-8s %s %s\n", formatTime(ac.ExecutedAt), ac.Status, ac.ActionName, ac.Detail)
		}
	}
}

func newApproveCmd(c *cli) *cobra.Command {
	var (
		all      bool
		comment  string
		by       string
		maxSteps int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "approve [decision_id]",
		Short: "Approve a pending decision and issue a lease",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a decision id or --all")
			}
			if maxSteps < 0 || duration < 0 {
				return fmt.Errorf("--max-steps and --duration must not be negative")
			}
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := a.reviewService()
			terms := service.LeaseTerms{MaxSteps: maxSteps, TTL: duration}

			if all {
				ok, err := c.confirm("Approve ALL pending decisions?")
				if err != nil || !ok {
					return err
				}
				results, err := svc.ApproveAll(cmd.Context(), reviewer(by), comment, terms)
				if err != nil {
					return err
				}
				return c.printBatch("approved", results)
			}

			lease, err := svc.Approve(cmd.Context(), args[0], reviewer(by), comment, terms)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(lease)
			}
			fmt.Fprintf(c.out, "Approved %s: lease %s, %d step(s), expires %s\n",
				args[0], lease.ID, lease.MaxSteps, formatTime(lease.ExpiresAt))
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "approve every pending decision")
	f.StringVarP(&comment, "comment", "m", "", "rationale recorded with the approval (required)")
	f.StringVar(&by, "by", "", "reviewer id (default: current user)")
	f.IntVar(&maxSteps, "max-steps", 0, "override the lease step budget")
	f.DurationVar(&duration, "duration", 0, "override the lease lifetime, e.g. 10m")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func newDenyCmd(c *cli) *cobra.Command {
	var (
		all     bool
		comment string
		by      string
	)
	cmd := &cobra.Command{
		Use:   "deny [decision_id]",
		Short: "Deny a pending decision permanently",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a decision id or --all")
			}
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := a.reviewService()

			if all {
				ok, err := c.confirm("Deny ALL pending decisions?")
				if err != nil || !ok {
					return err
				}
				results, err := svc.DenyAll(cmd.Context(), reviewer(by), comment)
				if err != nil {
					return err
				}
				return c.printBatch("denied", results)
			}

			if err := svc.Deny(cmd.Context(), args[0], reviewer(by), comment); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Denied %s\n", args[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "deny every pending decision")
	f.StringVarP(&comment, "comment", "m", "", "rationale recorded with the denial (required)")
	f.StringVar(&by, "by", "", "reviewer id (default: current user)")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func (c *cli) printBatch(verb string, results []service.BatchResult) error {
	if c.jsonOut {
		type item struct {
			DecisionID string           `json:"decision_id"`
			Action     string           `json:"action"`
			Lease      *authority.Lease `json:"lease,omitempty"`
			Error      string           `json:"error,omitempty"`
		}
		out := make([]item, len(results))
		for i, r := range results {
			out[i] = item{DecisionID: r.DecisionID, Action: r.Action, Lease: r.Lease}
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			}
		}
		return c.printJSON(out)
	}
	if len(results) == 0 {
		fmt.Fprintln(c.out, "No pending approvals.")
		return nil
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(c.out, "FAIL  %s  %s: %v\n", r.DecisionID, r.Action, r.Err)
			continue
		}
		fmt.Fprintf(c.out, "OK    %s  %s\n", r.DecisionID, r.Action)
	}
	fmt.Fprintf(c.out, "%d %s, %d failed\n", len(results)-failed, verb, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d decisions not %s", failed, len(results), verb)
	}
	return nil
}

func newRevokeCmd(c *cli) *cobra.Command {
	var (
		reason  string
		comment string
		by      string
	)
	cmd := &cobra.Command{
		Use:   "revoke <lease_id>",
		Short: "Revoke a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := authority.RevocationReason(reason)
			if !r.Valid() {
				return fmt.Errorf("unknown reason %q", reason)
			}
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := a.reviewService().Revoke(cmd.Context(), args[0], reviewer(by), r, comment)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(rec)
			}
			fmt.Fprintf(c.out, "Revoked %s (%s)\n", rec.LeaseID, rec.Reason)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&reason, "reason", string(authority.RevokeHumanOverride),
		"violated_scope, exceeded_authority, suspicious_pattern, human_override, policy_changed or emergency_stop")
	f.StringVarP(&comment, "comment", "m", "", "detail recorded with the revocation (required)")
	f.StringVar(&by, "by", "", "reviewer id (default: current user)")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func newActionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "actions [lease_id]",
		Short: "List recorded executions, optionally for one lease",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			leaseID := ""
			if len(args) == 1 {
				leaseID = args[0]
			}
			actions, err := a.reviewService().ListActions(cmd.Context(), leaseID)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(actions)
			}
			if len(actions) == 0 {
				fmt.Fprintln(c.out, "No actions recorded.")
				return nil
			}
			rows := make([][]string, 0, len(actions))
			for i := range actions {
				ac := &actions[i]
				rows = append(rows, []string{formatTime(ac.ExecutedAt), ac.LeaseID, ac.ActionName, string(ac.Status), orDash(ac.Detail)})
			}
			return c.table("TIME\tLEASE\tACTION\tSTATUS\tDETAIL", rows)
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.statusService().Summary(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(sum)
			}
			fmt.Fprintf(c.out, "Ledger:        %s\n", a.cfg.Ledger.Driver)
			fmt.Fprintf(c.out, "Decisions:     %d\n", sum.Total)
			for _, o := range []policy.Outcome{policy.OutcomeAllow, policy.OutcomeDeny, policy.OutcomeNeedsHuman} {
				fmt.Fprintf(c.out, "  %-12s %d\n", o, sum.ByOutcome[o])
			}
			fmt.Fprintf(c.out, "Pending:       %d\n", sum.Pending)
			fmt.Fprintf(c.out, "Active leases: %d\n", sum.ActiveLeases)
			fmt.Fprintf(c.out, "Revocations:   %d\n", sum.Revocations)
			events := "disabled"
			if a.queue != nil {
				events = "disconnected"
				if a.queue.IsConnected() {
					events = "connected"
				}
			}
			fmt.Fprintf(c.out, "Events:        %s\n", events)
			return nil
		},
	}
}
