// Package cli implements the docjobs command-line tool.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docjobs/internal/app"
	"github.com/joseph-ayodele/docjobs/internal/common"
)

var version = "dev"

type globals struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "docjobs",
		Short:         "Submit documents for OCR and manage accounts",
		Long:          `docjobs uploads documents, tracks their extraction jobs and downloads the results.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a TOML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newMigrateCmd(g),
		newDBCmd(g),
		newAccountCmd(g),
		newSubmitCmd(g),
		newPollCmd(g),
		newHistoryCmd(g),
		newExportCmd(g),
		newWatchCmd(g),
		newOCRCmd(g),
		newAnalyzeCmd(g),
	)
	return root
}

// Execute runs the CLI with ctx as the root context.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (g *globals) load(cmd *cobra.Command) (*common.Config, *slog.Logger, error) {
	cfg, err := common.LoadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	return cfg, common.NewLoggerTo(cmd.ErrOrStderr(), level, cfg.Log.Format), nil
}

// build loads configuration and assembles the full application.
func (g *globals) build(cmd *cobra.Command) (*app.App, error) {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return nil, err
	}
	return app.Build(cmd.Context(), cfg, logger)
}
