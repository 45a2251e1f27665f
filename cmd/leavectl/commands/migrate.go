package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"careleave/internal/platform/postgres"
)

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runMigrate,
	}
	cmd.Flags().Bool("list", false, "List embedded migrations without connecting")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if list, _ := cmd.Flags().GetBool("list"); list {
		all, err := postgres.Migrations()
		if err != nil {
			return err
		}
		for _, m := range all {
			fmt.Fprintln(out, m)
		}
		return nil
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := postgres.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := postgres.Migrate(cmd.Context(), db)
	for _, m := range applied {
		fmt.Fprintf(out, "applied %s\n", m)
	}
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema is up to date")
	}
	return nil
}
