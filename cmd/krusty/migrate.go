package main

import (
	"fmt"

	"github.com/honeycomb-technologies/krusty/internal/config"
	"github.com/honeycomb-technologies/krusty/internal/sessions"
	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command group for the session store
// schema, mirroring the schema-versioning pattern sessions.Migrator
// implements over database/sql.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage session store schema migrations",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.AddCommand(
		buildMigrateUpCmd(&configPath),
		buildMigrateDownCmd(&configPath),
		buildMigrateStatusCmd(&configPath),
	)
	return cmd
}

func openMigrator(configPath string) (*sessions.Migrator, func(), error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := openMigrationDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("new migrator: %w", err)
	}
	return migrator, func() { db.Close() }, nil
}

func buildMigrateUpCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Already up to date.")
				return nil
			}
			fmt.Fprintln(out, "Applied:")
			for _, id := range applied {
				fmt.Fprintf(out, "  - %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all pending)")
	return cmd
}

func buildMigrateDownCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			reverted, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(reverted) == 0 {
				fmt.Fprintln(out, "Nothing to revert.")
				return nil
			}
			fmt.Fprintln(out, "Reverted:")
			for _, id := range reverted {
				fmt.Fprintf(out, "  - %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")
	return cmd
}

func buildMigrateStatusCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Applied (%d):\n", len(applied))
			for _, a := range applied {
				fmt.Fprintf(out, "  - %s (%s)\n", a.ID, a.AppliedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			fmt.Fprintf(out, "Pending (%d):\n", len(pending))
			for _, p := range pending {
				fmt.Fprintf(out, "  - %s\n", p.ID)
			}
			return nil
		},
	}
	return cmd
}
