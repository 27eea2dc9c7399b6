package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/service"
)

func newWatchdogCmd(c *cli) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Check the action trail for lease violations",
		Long: `Scan every lease with recorded actions against the watchdog rules.
Use of an expired lease and attempts outside a lease's scope revoke the
lease as "watchdog"; other violations are reported only. With --watch the
scan repeats until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.ledgerApp(cmd.Context())
			if err != nil {
				return err
			}
			w := service.NewWatchdog(a.ledger, a.reviewService(), service.WithWatchdogInterval(interval))
			if watch {
				if err := w.Run(cmd.Context()); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			vs, err := w.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				if vs == nil {
					vs = []service.Violation{}
				}
				return c.printJSON(vs)
			}
			if len(vs) == 0 {
				fmt.Fprintln(c.out, "No violations.")
				return nil
			}
			rows := make([][]string, 0, len(vs))
			for i := range vs {
				v := &vs[i]
				rows = append(rows, []string{v.LeaseID, v.Rule, string(v.Severity), strconv.FormatBool(v.Revoked), v.Detail})
			}
			return c.table("LEASE\tRULE\tSEVERITY\tREVOKED\tDETAIL", rows)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep scanning until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", service.DefaultWatchdogInterval, "pause between scans with --watch")
	return cmd
}
