package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/repotrial/nedrexapi-v2d/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbURL, _ := cmd.Flags().GetString("database-url")
			dir, _ := cmd.Flags().GetString("dir")
			if dbURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}

			if only, _ := cmd.Flags().GetBool("version"); !only {
				if err := store.RunMigrations(dbURL, dir); err != nil {
					return err
				}
			}
			version, dirty, err := store.MigrationVersion(dbURL, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres URL (env DATABASE_URL)")
	cmd.Flags().String("dir", "migrations", "Migrations directory")
	cmd.Flags().Bool("version", false, "Only print the applied schema version")
	return cmd
}
