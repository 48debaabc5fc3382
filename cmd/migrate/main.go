package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/database"
	"github.com/liamcoop/automations/internal/logger"
)

// MigrateOptions holds global flags for all migrate commands.
type MigrateOptions struct {
	Driver   string
	Database string
}

func newRootCommand() *cobra.Command {
	opts := &MigrateOptions{}

	cmd := &cobra.Command{
		Use:   "automation-migrate",
		Short: "Manage the automation rule store schema",
		Long: `Apply or roll back the embedded schema migrations.

The database defaults to DATABASE_URL and the driver to DATABASE_DRIVER
(postgres when unset).

Example:
  automation-migrate up --database postgres://localhost/automations?sslmode=disable
  automation-migrate version --driver sqlite3 --database ./automations.db`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Database == "" {
				return fmt.Errorf("database URL is required: use --database or DATABASE_URL")
			}
			switch opts.Driver {
			case config.DriverPostgres, config.DriverSQLite:
				return nil
			default:
				return fmt.Errorf("invalid driver %q: must be %s or %s", opts.Driver, config.DriverPostgres, config.DriverSQLite)
			}
		},
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = config.DriverPostgres
	}
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", driver, "database driver (postgres|sqlite3)")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", os.Getenv("DATABASE_URL"), "database URL")

	cmd.AddCommand(newUpCommand(opts))
	cmd.AddCommand(newDownCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	cmd.AddCommand(newForceCommand(opts))

	return cmd
}

// withMigrator runs fn against a migrator that is closed afterwards.
func withMigrator(opts *MigrateOptions, fn func(m *migrate.Migrate) error) error {
	m, err := database.NewMigrator(opts.Driver, opts.Database)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func newUpCommand(opts *MigrateOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(opts, func(m *migrate.Migrate) error {
				logger.Info("running migrations up", "driver", opts.Driver)
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to run (database is up to date)")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				logger.Info("migrations completed")
				return nil
			})
		},
	}
}

func newDownCommand(opts *MigrateOptions) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all, or --steps N)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(opts, func(m *migrate.Migrate) error {
				var err error
				if steps > 0 {
					logger.Info("rolling back migrations", "steps", steps)
					err = m.Steps(-steps)
				} else {
					logger.Info("rolling back all migrations")
					err = m.Down()
				}
				if err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to roll back migrations: %w", err)
				}
				logger.Info("rollback completed")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")
	return cmd
}

func newVersionCommand(opts *MigrateOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(opts, func(m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
				return nil
			})
		},
	}
}

func newForceCommand(opts *MigrateOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number %q: %w", args[0], err)
			}
			return withMigrator(opts, func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				logger.Info("forced schema version", "version", version)
				return nil
			})
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Fatal("migration failed", "error", err)
	}
}
