package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docjobs/internal/app"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newDBCmd(g *globals) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	var timeout time.Duration
	health := &cobra.Command{
		Use:   "health",
		Short: "Ping the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			start := time.Now()
			if err := db.HealthCheck(cmd.Context(), timeout); err != nil {
				return fmt.Errorf("database unhealthy: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ok (%s, %dms)\n", db.Dialect(), time.Since(start).Milliseconds())
			return nil
		},
	}
	health.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Ping timeout")
	dbCmd.AddCommand(health)
	return dbCmd
}
