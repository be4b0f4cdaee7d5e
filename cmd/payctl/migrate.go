package main

import (
	"fmt"

	"github.com/localmarket/paycore/migrations"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <command> [args]",
		Short: "Run goose database migrations",
		Long: `Run goose database migrations embedded in the binary.

Commands:
  up                 Apply all pending migrations
  down               Roll back the last migration
  status             Show migration status
  version            Show current schema version
  redo               Roll back and re-apply the last migration
  up-to <version>    Migrate up to a specific version
  down-to <version>  Roll back down to a specific version`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			if err := goose.RunContext(cmd.Context(), args[0], db, ".", args[1:]...); err != nil {
				return fmt.Errorf("migration %s failed: %w", args[0], err)
			}
			return nil
		},
	}
}
