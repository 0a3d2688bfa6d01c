package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/mailstore/sqlstore"
	"github.com/migadu/courier/pkg/bootstrap"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL mail store schema",
	}

	// withMigrator opens the migrator of the configured SQL store.
	withMigrator := func(fn func(cmd *cobra.Command, mg *sqlstore.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			d := cfg.Mailstore.Driver
			if d != config.DriverSQLite && d != config.DriverPostgres {
				return fmt.Errorf("%w: migrations apply to the sqlite and postgres drivers, not %q", errUsage, d)
			}
			dialect, dsn := bootstrap.SQLTarget(cfg.Mailstore)
			mg, err := sqlstore.NewMigrator(dialect, dsn)
			if err != nil {
				return err
			}
			defer mg.Close()
			return fn(cmd, mg)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, mg *sqlstore.Migrator) error {
			if err := mg.Up(); err != nil {
				return err
			}
			return printVersion(cmd, mg)
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, mg *sqlstore.Migrator) error {
			if steps < 1 {
				return fmt.Errorf("%w: --steps must be at least 1", errUsage)
			}
			if err := mg.Down(steps); err != nil {
				return err
			}
			return printVersion(cmd, mg)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE:  withMigrator(printVersion),
	}

	cmd.AddCommand(up, down, versionCmd)
	return cmd
}

func printVersion(cmd *cobra.Command, mg *sqlstore.Migrator) error {
	v, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
