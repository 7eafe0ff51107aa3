package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradebot-core/pkg/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		if err := db.ApplyMigrations(database); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.WithField("path", cfg.DBPath).Info("database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
