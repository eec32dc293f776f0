package main

import (
	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/storage"
)

var migrateTarget int64

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		return m.Up(cmd.Context())
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		return m.Status(cmd.Context())
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations down to --to",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		return m.Down(cmd.Context(), migrateTarget)
	},
}

func init() {
	migrateDownCmd.Flags().Int64Var(&migrateTarget, "to", 0, "target schema version")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrator() (storage.Migrator, error) {
	cfg, err := loadConfig(config.RoleMigrate)
	if err != nil {
		return storage.Migrator{}, err
	}
	return storage.NewMigrator(cfg.Database.DSN)
}
