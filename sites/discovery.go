package sites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"mangascraper/models"
)

// Mode selects which part of a site a crawl walks.
type Mode string

const (
	// ModeSearchAll searches a keyword and crawls every chapter of every result.
	ModeSearchAll Mode = "search_all"
	// ModeSearchOnly searches a keyword and records the manga found.
	ModeSearchOnly Mode = "search_only"
	// ModeChaptersOnly crawls every chapter of one manga.
	ModeChaptersOnly Mode = "chapters_only"
	// ModeChaptersSelect crawls the chosen chapters of one manga.
	ModeChaptersSelect Mode = "chapters_select"
)

// Modes lists every crawl mode.
var Modes = []Mode{ModeSearchAll, ModeSearchOnly, ModeChaptersOnly, ModeChaptersSelect}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Request describes what to crawl.
type Request struct {
	Mode      Mode
	Site      string
	Keyword   string   // search modes
	MangaURL  string   // chapter modes
	Chapters  []string // chapters_select: chapter ids or numbers
	Selection string   // chapters_select: selection expression, used when Chapters is empty
	MaxManga  int      // search_all: crawl at most this many results, 0 for all
}

// SkipFunc reports whether a chapter is already available and needs no crawl.
type SkipFunc func(manga models.MangaRef, chapter Chapter) bool

// DiscoveryStats count what a discovery emitted.
type DiscoveryStats struct {
	Manga    atomic.Int64
	Chapters atomic.Int64
	Pages    atomic.Int64
	Skipped  atomic.Int64
	Errors   atomic.Int64
}

// Discovery walks one adapter for one request and emits crawl events.
type Discovery struct {
	adapter     SiteAdapter
	req         Request
	selection   Selection
	concurrency int
	skip        SkipFunc
	log         *slog.Logger

	Stats DiscoveryStats
}

// NewDiscovery prepares the walk of req over adapter. concurrency bounds
// how many chapter page lists are loaded at once; skip may be nil.
func NewDiscovery(adapter SiteAdapter, req Request, concurrency int, skip SkipFunc, log *slog.Logger) (*Discovery, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown crawl mode %q", req.Mode)
	}
	selection, err := ParseSelection(req.Selection)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Discovery{
		adapter:     adapter,
		req:         req,
		selection:   selection,
		concurrency: concurrency,
		skip:        skip,
		log:         log.With(slog.String("site", adapter.Name()), slog.String("mode", string(req.Mode))),
	}, nil
}

// Produce emits the events of the walk. A failing manga or chapter is
// logged and skipped; the joined errors are returned at the end. Only a
// failed search or manga lookup stops the walk early.
func (d *Discovery) Produce(ctx context.Context, emit func(models.Event)) error {
	switch d.req.Mode {
	case ModeSearchAll, ModeSearchOnly:
		found, err := d.adapter.Search(ctx, d.req.Keyword)
		if err != nil {
			d.Stats.Errors.Add(1)
			return fmt.Errorf("search %q: %w", d.req.Keyword, err)
		}
		if d.req.MaxManga > 0 && len(found) > d.req.MaxManga {
			found = found[:d.req.MaxManga]
		}
		for _, manga := range found {
			d.Stats.Manga.Add(1)
			emit(models.MangaDiscovered{Manga: manga, Keyword: d.req.Keyword})
		}
		if d.req.Mode == ModeSearchOnly {
			return nil
		}

		var errs []error
		for _, manga := range found {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			if err := d.crawlManga(ctx, manga, emit); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	default:
		manga, err := d.adapter.Manga(ctx, d.req.MangaURL)
		if err != nil {
			d.Stats.Errors.Add(1)
			return fmt.Errorf("manga %s: %w", d.req.MangaURL, err)
		}
		d.Stats.Manga.Add(1)
		emit(models.MangaDiscovered{Manga: manga})
		return d.crawlManga(ctx, manga, emit)
	}
}

func (d *Discovery) crawlManga(ctx context.Context, manga models.MangaRef, emit func(models.Event)) error {
	log := d.log.With(slog.String("manga_id", manga.MangaID))

	chapters, err := d.adapter.Chapters(ctx, manga)
	if err != nil {
		d.Stats.Errors.Add(1)
		log.Error("[Discovery] chapter list failed", slog.Any("error", err))
		return fmt.Errorf("manga %s: %w", manga.DisplayName, err)
	}

	SortChapters(chapters)
	listed := len(chapters)
	if d.req.Mode == ModeChaptersSelect {
		if len(d.req.Chapters) > 0 {
			chapters = SelectByKeys(chapters, d.req.Chapters)
		} else {
			chapters = d.selection.Apply(chapters)
		}
	}
	log.Info("[Discovery] chapters listed",
		slog.String("title", manga.DisplayName),
		slog.Int("listed", listed),
		slog.Int("selected", len(chapters)),
	)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(d.concurrency)

	for _, chapter := range chapters {
		if d.skip != nil && d.skip(manga, chapter) {
			d.Stats.Skipped.Add(1)
			log.Debug("[Discovery] chapter already assembled, skipped", slog.String("chapter", chapter.Name))
			continue
		}

		d.Stats.Chapters.Add(1)
		emit(models.ChapterDiscovered{
			MangaID:     manga.MangaID,
			ChapterID:   chapter.ID,
			DisplayName: chapter.Name,
			SourceURL:   chapter.URL,
			OrderingKey: chapter.Number,
		})

		g.Go(func() error {
			if err := d.crawlChapter(ctx, chapter, emit); err != nil {
				d.Stats.Errors.Add(1)
				log.Error("[Discovery] page list failed",
					slog.String("chapter_id", chapter.ID),
					slog.String("chapter", chapter.Name),
					slog.Any("error", err),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// crawlChapter emits every page of chapter followed by the page count.
func (d *Discovery) crawlChapter(ctx context.Context, chapter Chapter, emit func(models.Event)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pages, err := d.adapter.Pages(ctx, chapter)
	if err != nil {
		return fmt.Errorf("chapter %s: %w", chapter.Name, err)
	}

	for _, p := range pages {
		d.Stats.Pages.Add(1)
		emit(models.PageDiscovered{
			MangaID:    chapter.MangaID,
			ChapterID:  chapter.ID,
			PageNumber: p.Number,
			URL:        p.URL,
			Referer:    p.Referer,
		})
	}
	emit(models.ChapterPageCountKnown{ChapterID: chapter.ID, Count: len(pages)})
	return nil
}
