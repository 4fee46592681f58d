package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gurtd/gurtd/internal/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cmd.Context(), instance.DB()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return nil
		},
	}
}
