// Package cmd defines the gurtd CLI: serve, migrate, and reindex
// subcommands wired through a root command that loads configuration and
// builds the application container, the way the teacher's own root
// command loads config before handing off to subcommands.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gurtd/gurtd/internal/app"
	"github.com/gurtd/gurtd/internal/config"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory; a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.NewApp(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "gurtd",
		Short: "A crawl/index/query search engine for the gurt:// protocol web.",
		Long: `gurtd ingests submitted domains, crawls them politely within robots
and rate-limit constraints, builds an inverted index from the fetched
pages, and answers keyword queries over that index.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			instance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if instance, ok := cmd.Context().Value(appKey).(*app.App); ok && instance != nil {
				instance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("listen", "", "HTTP listen address")
	cmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	cmd.PersistentFlags().String("segment-dir", "", "directory holding index segment files")
	_ = v.BindPFlag("listen", cmd.PersistentFlags().Lookup("listen"))
	_ = v.BindPFlag("database_url", cmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("segment_dir", cmd.PersistentFlags().Lookup("segment-dir"))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReindexCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	instance, ok := ctx.Value(appKey).(*app.App)
	if !ok || instance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return instance, nil
}

// Execute is the CLI entry point. Exit codes follow the convention of 0
// for clean completion, 1 for a run-time failure surfaced here, and
// whatever cobra's own flag/usage errors already return.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		return 1
	}
	return 0
}
