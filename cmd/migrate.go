package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jagc/internal/config"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/workspace"
	"github.com/nextlevelbuilder/jagc/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if _, err := workspace.Ensure(cfg.WorkspaceDir); err != nil {
				return err
			}
			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.Migrate(ctx, migrations.FS()); err != nil {
				return err
			}
			applied, err := st.AppliedMigrations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("database %s is up to date (%d migrations)\n", cfg.DatabasePath, len(applied))
			for _, name := range applied {
				fmt.Println("  " + name)
			}
			return nil
		},
	}
}
