package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Force an authority recomputation and a segment merge pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := instance.Reindex(cmd.Context()); err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			return nil
		},
	}
}
