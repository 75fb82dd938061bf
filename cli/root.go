// Package cli is the mangascraper command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mangascraper/config"
)

// Execute runs the command tree with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mangascraper",
		Short: "Crawl manga sites and assemble chapters into PDF or CBZ files",
		Long: `mangascraper discovers manga, chapters and pages on the sites described in
sites.json, downloads the page images and assembles every complete chapter
into one artifact under STORE_ROOT.

Settings come from the environment (STORE_ROOT, OUTPUT_FORMAT, STORAGE_DRIVER,
...); crawl flags override a few of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newCrawlCommand())
	root.AddCommand(newSitesCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.BuildInfo())
			return err
		},
	}
}

// newLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevelValue()}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// stderr is where logs go; tests replace it.
var stderr io.Writer = os.Stderr
