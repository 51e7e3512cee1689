package cmd

import (
	"database/sql"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/issm/issm/internal/ctxkeys"
	"github.com/issm/issm/internal/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, db.RunMigrations)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, db.MigrateDown)
		},
	})
	return cmd
}

func runMigration(cmd *cobra.Command, migrate func(*sql.DB, string) error) error {
	cfg := ctxkeys.Config(cmd.Context())
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	conn, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(conn)
		if closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	return migrate(conn.DB, cfg.DBDriver)
}
