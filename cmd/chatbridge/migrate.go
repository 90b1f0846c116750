package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply session store schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		switch cfg.Store.Driver {
		case "postgres":
			if err := db.MigratePostgres(cfg.Postgres); err != nil {
				return err
			}
		case "sqlite":
			conn, err := db.OpenSQLite(cfg.SQLite.Path)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.MigrateSQLite(conn); err != nil {
				return err
			}
		default:
			return fmt.Errorf("store driver %q has no schema", cfg.Store.Driver)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
		return nil
	},
}
