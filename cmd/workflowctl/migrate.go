package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-records-workflow/internal/app"
	"github.com/pesio-ai/be-records-workflow/internal/platform/database"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	Long: `Applies every embedded migration newer than the recorded schema version.

SQLite stores create their schema on open and need no migration.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Only report the current and latest schema versions")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "sqlite" {
		fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is created on open; nothing to migrate")
		return nil
	}

	ctx := cmd.Context()
	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateStatus {
		current, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		latest, err := database.LatestVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d, latest %d\n", current, latest)
		return nil
	}

	applied, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	log.Info().Ints("applied", applied).Msg("Migrations applied")
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
	return nil
}
