package main

import (
	"PerpSettle/internal/config"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manages the settle schema in Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PERP_CONFIG"), "path to the TOML config file")

	// open builds a migrator from the postgres section; PERP_POSTGRES_DSN
	// and PERP_MIGRATIONS_DIR override it as usual.
	open := func() (*persistence.Migrator, *sql.DB, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))
		return persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger), db, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				n, err := m.Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := m.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
				}
				return w.Flush()
			},
		},
	)
	return root
}
