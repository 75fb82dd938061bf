package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mangascraper/config"
	"mangascraper/crawl"
	"mangascraper/downloader"
	"mangascraper/identity"
	"mangascraper/models"
	"mangascraper/sites"
	"mangascraper/statusapi"
	"mangascraper/storage"
	"mangascraper/tracker"
	"mangascraper/validation"
)

const shutdownTimeout = 5 * time.Second

type crawlFlags struct {
	mode         string
	site         string
	keyword      string
	mangaURL     string
	chapters     []string
	selection    string
	maxManga     int
	format       string
	storeRoot    string
	sitesFile    string
	skipExisting bool
}

func newCrawlCommand() *cobra.Command {
	f := &crawlFlags{}

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discover, download and assemble chapters",
		Example: `  mangascraper crawl --site weebcentral --mode search_all --keyword "solo leveling" --max-manga 1
  mangascraper crawl --site mangakatana --mode chapters_only --manga-url https://mangakatana.com/manga/berserk.123
  mangascraper crawl --site mangakatana --mode chapters_select --manga-url https://mangakatana.com/manga/berserk.123 --select newest5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, f.request(), cmd.OutOrStdout(), newLogger(cfg, stderr))
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", string(sites.ModeChaptersOnly), "search_all, search_only, chapters_only or chapters_select")
	fl.StringVar(&f.site, "site", "", "site name from sites.json")
	fl.StringVar(&f.keyword, "keyword", "", "search keyword (search modes)")
	fl.StringVar(&f.mangaURL, "manga-url", "", "manga page URL (chapter modes)")
	fl.StringSliceVar(&f.chapters, "chapters", nil, "chapter ids or numbers to crawl (chapters_select)")
	fl.StringVar(&f.selection, "select", "", "chapter selection: all, newestN, x-y, x,y, .5, s:term (chapters_select)")
	fl.IntVar(&f.maxManga, "max-manga", 0, "crawl at most this many search results, 0 for all")
	fl.StringVar(&f.format, "format", "", "artifact format, pdf or cbz (overrides OUTPUT_FORMAT)")
	fl.StringVar(&f.storeRoot, "store-root", "", "output directory (overrides STORE_ROOT)")
	fl.StringVar(&f.sitesFile, "sites-file", "", "sites.json path (overrides SITES_FILE)")
	fl.BoolVar(&f.skipExisting, "skip-existing", true, "skip chapters whose artifact already exists (overrides SKIP_EXISTING)")
	_ = cmd.MarkFlagRequired("site")

	return cmd
}

// apply writes the flags that were set over cfg.
func (f *crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if f.format != "" {
		if err := validation.ValidateFormat(f.format); err != nil {
			return err
		}
		cfg.OutputFormat = models.Format(f.format)
	}
	if f.storeRoot != "" {
		cfg.StoreRoot = f.storeRoot
	}
	if f.sitesFile != "" {
		cfg.SitesFile = f.sitesFile
	}
	if cmd.Flags().Changed("skip-existing") {
		cfg.SkipExisting = f.skipExisting
	}
	return cfg.Normalize()
}

func (f *crawlFlags) request() sites.Request {
	return sites.Request{
		Mode:      sites.Mode(f.mode),
		Site:      f.site,
		Keyword:   f.keyword,
		MangaURL:  f.mangaURL,
		Chapters:  f.chapters,
		Selection: f.selection,
		MaxManga:  f.maxManga,
	}
}

// runCrawl wires every component for one crawl and prints the summary to out.
func runCrawl(ctx context.Context, cfg *config.Config, req sites.Request, out io.Writer, log *slog.Logger) error {
	configured, err := config.LoadSites(cfg.SitesFile)
	if err != nil {
		return err
	}

	var renderer sites.Renderer
	if sites.NeedsBrowser(configured) {
		browser := sites.NewBrowser(sites.BrowserOptions{
			ExecPath:  cfg.BrowserExecPath,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.DiscoveryTimeout,
		}, log)
		defer browser.Close()
		renderer = browser
	}

	registry, err := sites.BuildRegistry(configured, renderer, cfg.UserAgent, cfg.DiscoveryTimeout, log)
	if err != nil {
		return err
	}
	if err := validation.ValidateCrawl(req, registry.Names()); err != nil {
		return err
	}
	adapter, err := registry.Get(req.Site)
	if err != nil {
		return err
	}

	gateway, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	reporter := storage.NewReporter(gateway, log, 0, 0)
	defer func() {
		if err := reporter.Close(); err != nil {
			log.Warn("[Storage] close failed", slog.Any("error", err))
		}
	}()

	layout := identity.Layout{Root: cfg.StoreRoot, Format: cfg.OutputFormat}
	var skip sites.SkipFunc
	if cfg.SkipExisting {
		skip = artifactExists(layout)
	}

	discovery, err := sites.NewDiscovery(adapter, req, cfg.DiscoveryConcurrency, skip, log)
	if err != nil {
		return err
	}

	engine := crawl.New(crawl.Options{
		Layout: layout,
		Pool: downloader.Config{
			GlobalConcurrency: cfg.GlobalConcurrency,
			HostConcurrency:   cfg.HostConcurrency,
			HostRate:          cfg.HostRate,
			FetchTimeout:      cfg.FetchTimeout,
			Backoff: downloader.Backoff{
				MaxRetries: cfg.MaxRetries,
				BaseDelay:  cfg.RetryBaseDelay,
				MaxDelay:   cfg.RetryMaxDelay,
			},
		},
		AssemblyWorkers: cfg.AssemblyWorkers,
		JPEGQuality:     cfg.JPEGQuality,
		StatsInterval:   cfg.StatsInterval,
	}, downloader.NewHTTPClient(nil, cfg.UserAgent, cfg.MaxPageBytes), reporter, log)

	if cfg.StatusAddr != "" {
		status := statusapi.New(cfg.StatusAddr, engine.Tracker(), reporter, engine.RunID(), config.BuildInfo(), log)
		status.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := status.Shutdown(shutdownCtx); err != nil {
				log.Warn("[Status] shutdown failed", slog.Any("error", err))
			}
		}()
	}

	var found []models.MangaRef
	producer := crawl.ProducerFunc(func(ctx context.Context, emit func(models.Event)) error {
		return discovery.Produce(ctx, func(ev models.Event) {
			if m, ok := ev.(models.MangaDiscovered); ok {
				found = append(found, m.Manga)
			}
			emit(ev)
		})
	})

	summary, runErr := engine.Run(ctx, producer)
	printSummary(out, req, found, discovery, summary)

	if ctx.Err() != nil {
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	if runErr != nil {
		return fmt.Errorf("crawl finished with discovery errors: %w", runErr)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d chapter(s) failed", summary.Failed)
	}
	return nil
}

// openStores opens the configured gateway and the optional redis mirror.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Gateway, error) {
	var stores storage.Multi

	switch cfg.StorageDriver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		stores = append(stores, db)
	case config.DriverPostgres:
		db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		stores = append(stores, db)
	}

	if cfg.RedisURL != "" {
		mirror, err := storage.OpenRedis(ctx, cfg.RedisURL, log)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		stores = append(stores, mirror)
	}

	switch len(stores) {
	case 0:
		return storage.Nop{}, nil
	case 1:
		return stores[0], nil
	}
	return stores, nil
}

// artifactExists skips chapters already assembled under layout. The slugs
// match the ones the engine writes with.
func artifactExists(layout identity.Layout) sites.SkipFunc {
	return func(manga models.MangaRef, chapter sites.Chapter) bool {
		path := layout.ArtifactPath(
			identity.EntitySlug(manga.DisplayName, manga.MangaID),
			identity.EntitySlug(chapter.Name, chapter.ID),
		)
		_, err := os.Stat(path)
		return err == nil
	}
}

func printSummary(out io.Writer, req sites.Request, found []models.MangaRef, d *sites.Discovery, s tracker.Summary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if req.Mode == sites.ModeSearchOnly {
		fmt.Fprintln(tw, "TITLE\tURL")
		for _, m := range found {
			fmt.Fprintf(tw, "%s\t%s\n", m.DisplayName, m.SourceURL)
		}
		return
	}

	fmt.Fprintf(tw, "manga\t%d\n", d.Stats.Manga.Load())
	fmt.Fprintf(tw, "chapters discovered\t%d\n", d.Stats.Chapters.Load())
	fmt.Fprintf(tw, "chapters skipped\t%d\n", d.Stats.Skipped.Load())
	fmt.Fprintf(tw, "completed\t%d\n", s.Completed)
	fmt.Fprintf(tw, "completed degraded\t%d\n", s.Degraded)
	fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
	fmt.Fprintf(tw, "incomplete\t%d\n", s.Incomplete)
	fmt.Fprintf(tw, "cancelled\t%d\n", s.Cancelled)
}
