// Command warden is the reviewer and operator interface to the authority
// ledger: it lists and resolves pending decisions, revokes leases, runs
// migrations and checks policy files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/config"
	"github.com/Strob0t/warden/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// run executes one command line and releases everything it opened.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	c := &cli{in: in, out: out, errOut: errOut, tty: isTerminal(in)}
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, c.close())
}

// cli carries global flags, the loaded config and the lazily wired app
// between cobra hooks and commands.
type cli struct {
	in       io.Reader
	out      io.Writer
	errOut   io.Writer
	tty      bool
	jsonOut  bool
	assumeOK bool

	overrides config.Overrides
	cfg       *config.Config
	logCloser logger.Closer
	app       *app
}

func newRootCmd(c *cli) *cobra.Command {
	var configPath, driver, sqlitePath, dsn, logLevel, agentID, policyFile string

	root := &cobra.Command{
		Use:           "warden",
		Short:         "Review and manage agent authority decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			set := func(name string, v *string) *string {
				if flags.Changed(name) {
					return v
				}
				return nil
			}
			c.overrides = config.Overrides{
				ConfigPath: set("config", &configPath),
				Driver:     set("driver", &driver),
				SQLitePath: set("db", &sqlitePath),
				DSN:        set("dsn", &dsn),
				LogLevel:   set("log-level", &logLevel),
				AgentID:    set("agent", &agentID),
				PolicyFile: set("policy", &policyFile),
			}
			cfg, _, err := config.LoadWithOverrides(c.overrides)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logCloser = setupLogging(cfg, c.errOut)
			return nil
		},
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $WARDEN_CONFIG or warden.yaml)")
	pf.StringVar(&driver, "driver", "", "ledger driver: sqlite or postgres")
	pf.StringVar(&sqlitePath, "db", "", "sqlite ledger file")
	pf.StringVar(&dsn, "dsn", "", "postgres connection string")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&agentID, "agent", "", "agent id for authority requests")
	pf.StringVar(&policyFile, "policy", "", "policy file (default: built-in preset)")
	pf.BoolVar(&c.jsonOut, "json", false, "print JSON instead of tables")
	pf.BoolVarP(&c.assumeOK, "yes", "y", false, "do not ask for confirmation")

	root.AddCommand(
		newApprovalsCmd(c),
		newLeasesCmd(c),
		newInspectCmd(c),
		newApproveCmd(c),
		newDenyCmd(c),
		newRevokeCmd(c),
		newActionsCmd(c),
		newStatusCmd(c),
		newRequestCmd(c),
		newWaitCmd(c),
		newMigrateCmd(c),
		newPolicyCmd(c),
		newWatchdogCmd(c),
	)
	return root
}

// ledgerApp wires the app on first use.
func (c *cli) ledgerApp(ctx context.Context) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := openApp(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() error {
	var err error
	if c.app != nil {
		err = c.app.Close()
		c.app = nil
	}
	if c.logCloser != nil {
		c.logCloser.Close()
		c.logCloser = nil
	}
	return err
}
