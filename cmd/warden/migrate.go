package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/warden/internal/adapter/postgres"
	"github.com/Strob0t/warden/internal/adapter/sqlite"
	"github.com/Strob0t/warden/internal/config"
)

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return c.migrate(cmd.Context(), func(ctx context.Context, m migrator) error {
				if err := m.down(ctx, steps); err != nil {
					return err
				}
				return c.printVersion(ctx, m)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.migrate(cmd.Context(), func(ctx context.Context, m migrator) error {
					if err := m.up(ctx); err != nil {
						return err
					}
					return c.printVersion(ctx, m)
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.migrate(cmd.Context(), c.printVersion)
			},
		},
	)
	return cmd
}

// migrator runs goose against whichever backend the config selects.
type migrator struct {
	up      func(context.Context) error
	down    func(context.Context, int) error
	version func(context.Context) (int64, error)
}

// migrate runs fn without wiring the rest of the app, so a schema can be
// inspected or repaired even when it is not current.
func (c *cli) migrate(ctx context.Context, fn func(context.Context, migrator) error) error {
	lc := c.cfg.Ledger
	if lc.Driver == config.DriverPostgres {
		dsn := lc.Postgres.DSN
		return fn(ctx, migrator{
			up:   func(ctx context.Context) error { return postgres.RunMigrations(ctx, dsn) },
			down: func(ctx context.Context, n int) error { return postgres.RollbackMigrations(ctx, dsn, n) },
			version: func(ctx context.Context) (int64, error) {
				return postgres.MigrationVersion(ctx, dsn)
			},
		})
	}

	db, err := sqlite.OpenDB(ctx, lc.SQLite)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return fn(ctx, migrator{
		up:      func(ctx context.Context) error { return sqlite.RunMigrations(ctx, db) },
		down:    func(ctx context.Context, n int) error { return sqlite.RollbackMigrations(ctx, db, n) },
		version: func(ctx context.Context) (int64, error) { return sqlite.MigrationVersion(ctx, db) },
	})
}

func (c *cli) printVersion(ctx context.Context, m migrator) error {
	v, err := m.version(ctx)
	if err != nil {
		return err
	}
	if c.jsonOut {
		return c.printJSON(map[string]any{"driver": c.cfg.Ledger.Driver, "version": v})
	}
	fmt.Fprintf(c.out, "%s schema version %d\n", c.cfg.Ledger.Driver, v)
	return nil
}
