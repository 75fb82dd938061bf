package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mangascraper/config"
)

func newSitesCommand() *cobra.Command {
	var sitesFile string

	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List the sites configured in sites.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if sitesFile != "" {
				if cfg.SitesFile, err = config.ExpandPath(sitesFile); err != nil {
					return err
				}
			}
			configured, err := config.LoadSites(cfg.SitesFile)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBASE URL\tSEARCH\tBROWSER")
			for _, s := range configured {
				browser := s.Chapters.Render == config.RenderBrowser || s.Pages.Render == config.RenderBrowser
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.BaseURL, yesNo(s.CanSearch()), yesNo(browser))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sitesFile, "sites-file", "", "sites.json path (overrides SITES_FILE)")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
