// Package crawl runs one crawl: it routes discovery events to the fetch pool,
// feeds fetch outcomes to the progress tracker and assembles chapters as they
// complete.
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mangascraper/assembler"
	"mangascraper/downloader"
	"mangascraper/identity"
	"mangascraper/models"
	"mangascraper/storage"
	"mangascraper/tracker"
)

// Producer emits discovery events until it is done or ctx is cancelled.
type Producer interface {
	Produce(ctx context.Context, emit func(models.Event)) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, emit func(models.Event)) error

func (f ProducerFunc) Produce(ctx context.Context, emit func(models.Event)) error {
	return f(ctx, emit)
}

// Options configure an Engine.
type Options struct {
	Layout          identity.Layout
	Pool            downloader.Config
	AssemblyWorkers int
	JPEGQuality     int
	StatsInterval   time.Duration // 0 disables the periodic stats line
}

// Stats are run wide counters reported by the stats monitor.
type Stats struct {
	MangaDiscovered    atomic.Int64
	ChaptersDiscovered atomic.Int64
	PagesDiscovered    atomic.Int64
	InvalidEvents      atomic.Int64
	DuplicatePages     atomic.Int64
	Assembled          atomic.Int64
	Degraded           atomic.Int64
	AssemblyFailed     atomic.Int64
}

type chapterEntry struct {
	ref         models.ChapterRef
	mangaSlug   string
	chapterSlug string
	ctx         context.Context
	cancel      context.CancelFunc
	downloading bool
	submitted   map[int]bool // page numbers handed to the pool
}

// Engine owns the components of one crawl run.
type Engine struct {
	opts     Options
	log      *slog.Logger
	runID    string
	reporter *storage.Reporter

	pool      *downloader.Pool
	tracker   *tracker.Tracker
	assembler *assembler.Assembler

	mu       sync.Mutex
	runCtx   context.Context
	mangas   map[string]models.MangaRef
	chapters map[string]*chapterEntry

	jobsMu     sync.RWMutex
	jobsClosed bool
	jobs       chan assembler.Job
	workers    sync.WaitGroup

	Stats Stats
}

// New wires an engine. fetcher performs page downloads; reporter receives
// every status change.
func New(opts Options, fetcher downloader.Fetcher, reporter *storage.Reporter, log *slog.Logger) *Engine {
	if opts.AssemblyWorkers < 1 {
		opts.AssemblyWorkers = 1
	}

	runID := newRunID()
	log = log.With(slog.String("run_id", runID))

	e := &Engine{
		opts:     opts,
		log:      log,
		runID:    runID,
		reporter: reporter,
		runCtx:   context.Background(),
		mangas:   make(map[string]models.MangaRef),
		chapters: make(map[string]*chapterEntry),
		jobs:     make(chan assembler.Job, 64),
	}
	e.tracker = tracker.New(e.enqueueAssembly, log)
	e.pool = downloader.NewPool(opts.Pool, fetcher, opts.Layout, e.onOutcome, log)
	e.assembler = assembler.New(opts.Layout, opts.JPEGQuality, log)
	return e
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunID identifies this run in logs and stored rows.
func (e *Engine) RunID() string { return e.runID }

// Tracker exposes chapter progress for the status surface.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Run consumes every event of producer, waits for all fetches and assemblies
// to finish and returns the run summary. The error is the producer's; a
// failing producer still yields a summary of what was crawled.
func (e *Engine) Run(ctx context.Context, producer Producer) (tracker.Summary, error) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	for i := 0; i < e.opts.AssemblyWorkers; i++ {
		e.workers.Add(1)
		go e.assemblyWorker(context.WithoutCancel(ctx))
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		e.runMonitor(monitorCtx)
	}()

	e.log.Info("[Engine] crawl started", slog.String("store_root", e.opts.Layout.Root))
	started := time.Now()

	err := producer.Produce(ctx, e.Handle)
	if err != nil {
		e.log.Error("[Engine] discovery failed", slog.Any("error", err))
	}

	// Outcomes are delivered from pool goroutines, so every trigger has fired once the pool drains.
	e.pool.Wait()
	e.jobsMu.Lock()
	e.jobsClosed = true
	close(e.jobs)
	e.jobsMu.Unlock()
	e.workers.Wait()

	e.mu.Lock()
	for _, entry := range e.chapters {
		entry.cancel()
	}
	e.mu.Unlock()

	stopMonitor()
	<-monitorDone

	summary := e.tracker.Summary()
	e.log.Info("[Engine] crawl finished",
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("chapters", summary.Total()),
		slog.Int("completed", summary.Completed),
		slog.Int("completed_degraded", summary.Degraded),
		slog.Int("failed", summary.Failed),
		slog.Int("incomplete", summary.Incomplete),
		slog.Int("cancelled", summary.Cancelled),
	)
	for _, c := range summary.Chapters {
		if c.Phase == tracker.PhaseCounting || c.Phase == tracker.PhaseUnknownCount {
			e.log.Warn("[Engine] chapter incomplete",
				slog.String("chapter_id", c.ChapterID),
				slog.Int("expected", c.Expected),
				slog.Int("terminal", c.Terminal),
			)
		}
	}

	return summary, err
}

// Handle routes one crawl event. It is safe for concurrent use.
func (e *Engine) Handle(ev models.Event) {
	switch ev := ev.(type) {
	case models.MangaDiscovered:
		e.handleManga(ev)
	case models.ChapterDiscovered:
		e.handleChapter(ev)
	case models.ChapterPageCountKnown:
		e.handlePageCount(ev)
	case models.PageDiscovered:
		e.handlePage(ev)
	case models.PageFetched:
		e.handleOutcome(ev.Outcome)
	default:
		e.log.Error("[Engine] unknown event type", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (e *Engine) handleManga(ev models.MangaDiscovered) {
	if ev.Manga.MangaID == "" {
		e.invalid("manga without id", slog.String("url", ev.Manga.SourceURL))
		return
	}

	e.mu.Lock()
	e.mangas[ev.Manga.MangaID] = ev.Manga
	e.mu.Unlock()

	e.Stats.MangaDiscovered.Add(1)
	e.reporter.MangaDiscovered(ev.Manga, ev.Keyword)
	e.log.Info("[Engine] manga discovered",
		slog.String("manga_id", ev.Manga.MangaID),
		slog.String("title", ev.Manga.DisplayName),
	)
}

func (e *Engine) handleChapter(ev models.ChapterDiscovered) {
	if ev.ChapterID == "" || ev.MangaID == "" {
		e.invalid("chapter without id", slog.String("url", ev.SourceURL))
		return
	}

	key := ev.OrderingKey
	if key == 0 && ev.DisplayName != "" {
		key = identity.OrderingKey(ev.DisplayName)
	}
	ref := models.ChapterRef{
		ChapterID:         ev.ChapterID,
		MangaID:           ev.MangaID,
		DisplayName:       ev.DisplayName,
		SourceURL:         ev.SourceURL,
		OrderingKey:       key,
		ExpectedPageCount: models.UnknownPageCount,
	}

	e.mu.Lock()
	entry, exists := e.chapters[ev.ChapterID]
	if exists {
		// A page may have created the entry first; discovery fills in the names.
		if entry.ref.DisplayName == "" {
			entry.ref.DisplayName = ev.DisplayName
		}
		entry.ref.MangaID = ev.MangaID
		entry.ref.SourceURL = ev.SourceURL
		entry.ref.OrderingKey = key
		ref = entry.ref
	} else {
		e.chapters[ev.ChapterID] = e.newEntryLocked(ref)
	}
	e.mu.Unlock()

	e.tracker.Track(ev.ChapterID)
	e.Stats.ChaptersDiscovered.Add(1)
	e.reporter.ChapterDiscovered(ref)
	e.log.Debug("[Engine] chapter discovered",
		slog.String("chapter_id", ev.ChapterID),
		slog.String("name", ev.DisplayName),
		slog.Float64("ordering_key", key),
	)
}

// newEntryLocked creates the entry of a chapter. Directory names are fixed
// here, so pages and the artifact of one chapter always share a location.
func (e *Engine) newEntryLocked(ref models.ChapterRef) *chapterEntry {
	mangaName := ""
	if m, ok := e.mangas[ref.MangaID]; ok {
		mangaName = m.DisplayName
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	return &chapterEntry{
		ref:         ref,
		mangaSlug:   identity.EntitySlug(mangaName, ref.MangaID),
		chapterSlug: identity.EntitySlug(ref.DisplayName, ref.ChapterID),
		ctx:         ctx,
		cancel:      cancel,
		submitted:   make(map[int]bool),
	}
}

func (e *Engine) handlePageCount(ev models.ChapterPageCountKnown) {
	if ev.ChapterID == "" {
		e.invalid("page count without chapter id")
		return
	}

	e.mu.Lock()
	if entry, ok := e.chapters[ev.ChapterID]; ok {
		entry.ref.ExpectedPageCount = ev.Count
	}
	e.mu.Unlock()

	e.reporter.PageCount(ev.ChapterID, ev.Count)
	e.tracker.RecordExpectedCount(ev.ChapterID, ev.Count)
}

func (e *Engine) handlePage(ev models.PageDiscovered) {
	if ev.ChapterID == "" {
		e.invalid("page without chapter id", slog.String("url", ev.URL))
		return
	}

	e.mu.Lock()
	entry, ok := e.chapters[ev.ChapterID]
	if !ok {
		entry = e.newEntryLocked(models.ChapterRef{
			ChapterID:         ev.ChapterID,
			MangaID:           ev.MangaID,
			ExpectedPageCount: models.UnknownPageCount,
		})
		e.chapters[ev.ChapterID] = entry
	}
	if entry.submitted[ev.PageNumber] {
		e.mu.Unlock()
		e.Stats.DuplicatePages.Add(1)
		e.log.Debug("[Engine] duplicate page discovery ignored",
			slog.String("chapter_id", ev.ChapterID),
			slog.Int("page", ev.PageNumber),
		)
		return
	}
	entry.submitted[ev.PageNumber] = true
	firstPage := !entry.downloading
	entry.downloading = true
	req := downloader.Request{
		MangaID:     entry.ref.MangaID,
		ChapterID:   ev.ChapterID,
		MangaSlug:   entry.mangaSlug,
		ChapterSlug: entry.chapterSlug,
		PageNumber:  ev.PageNumber,
		URL:         ev.URL,
		Referer:     ev.Referer,
	}
	chapterCtx := entry.ctx
	e.mu.Unlock()

	if chapterCtx.Err() != nil {
		e.log.Debug("[Engine] page of cancelled chapter skipped",
			slog.String("chapter_id", ev.ChapterID),
			slog.Int("page", ev.PageNumber),
		)
		return
	}

	if !ok {
		e.tracker.Track(ev.ChapterID)
	}
	if firstPage {
		e.reporter.ChapterStatus(storage.ChapterResult{
			ChapterID: ev.ChapterID,
			Status:    models.ChapterDownloading,
			RunID:     e.runID,
		})
	}

	e.Stats.PagesDiscovered.Add(1)
	e.reporter.Page(req.MangaID, models.PageOutcome{
		ChapterID:  ev.ChapterID,
		PageNumber: ev.PageNumber,
		URL:        ev.URL,
		Status:     models.PagePending,
	})
	e.pool.Submit(chapterCtx, req)
}

func (e *Engine) onOutcome(outcome models.PageOutcome) {
	e.Handle(models.PageFetched{Outcome: outcome})
}

func (e *Engine) handleOutcome(outcome models.PageOutcome) {
	e.mu.Lock()
	mangaID := ""
	if entry, ok := e.chapters[outcome.ChapterID]; ok {
		mangaID = entry.ref.MangaID
	}
	e.mu.Unlock()

	e.reporter.Page(mangaID, outcome)
	e.tracker.RecordOutcome(outcome)
}

// enqueueAssembly is the tracker's trigger. It runs once per chapter.
func (e *Engine) enqueueAssembly(c tracker.Completion) {
	e.mu.Lock()
	entry, ok := e.chapters[c.ChapterID]
	var job assembler.Job
	if ok {
		job = assembler.Job{
			MangaID:     entry.ref.MangaID,
			ChapterID:   c.ChapterID,
			MangaSlug:   entry.mangaSlug,
			ChapterSlug: entry.chapterSlug,
			DisplayName: entry.ref.DisplayName,
		}
	} else {
		job = assembler.Job{ChapterID: c.ChapterID}
	}
	e.mu.Unlock()

	job.Expected = c.Expected
	job.Outcomes = c.Outcomes

	e.jobsMu.RLock()
	defer e.jobsMu.RUnlock()
	if e.jobsClosed {
		e.log.Warn("[Engine] chapter completed after the run ended, not assembled",
			slog.String("chapter_id", c.ChapterID),
		)
		return
	}
	e.jobs <- job
}

func (e *Engine) assemblyWorker(ctx context.Context) {
	defer e.workers.Done()
	for job := range e.jobs {
		result := e.assembler.Assemble(ctx, job)

		switch result.Status {
		case models.ChapterCompleted:
			e.Stats.Assembled.Add(1)
		case models.ChapterCompletedDegraded:
			e.Stats.Assembled.Add(1)
			e.Stats.Degraded.Add(1)
		default:
			e.Stats.AssemblyFailed.Add(1)
		}

		errText := ""
		if result.Err != nil {
			errText = result.Err.Error()
		}
		e.tracker.MarkResult(job.ChapterID, result.Status)
		e.reporter.ChapterStatus(storage.ChapterResult{
			ChapterID:    job.ChapterID,
			Status:       result.Status,
			ArtifactPath: result.ArtifactPath,
			Pages:        result.Pages,
			Missing:      result.Missing,
			Error:        errText,
			RunID:        e.runID,
		})

		e.mu.Lock()
		if entry, ok := e.chapters[job.ChapterID]; ok {
			entry.cancel()
		}
		e.mu.Unlock()
	}
}

// CancelChapter stops a chapter: its queued and in-flight fetches stop
// without reporting and it can no longer be assembled. It reports whether
// the chapter was cancelled; chapters already handed to the assembler are not.
func (e *Engine) CancelChapter(chapterID string) bool {
	e.mu.Lock()
	entry, ok := e.chapters[chapterID]
	e.mu.Unlock()

	if !e.tracker.Cancel(chapterID) {
		return false
	}
	if ok {
		entry.cancel()
	}

	e.log.Info("[Engine] chapter cancelled", slog.String("chapter_id", chapterID))
	return true
}

// ForceFinalize completes a stalled chapter with the pages it has. Fetches
// still in flight are cancelled so nothing lands in the chapter directory
// after assembly has cleaned it up.
func (e *Engine) ForceFinalize(chapterID string) bool {
	if !e.tracker.ForceFinalize(chapterID) {
		return false
	}

	e.mu.Lock()
	entry, ok := e.chapters[chapterID]
	e.mu.Unlock()
	if ok {
		entry.cancel()
	}

	e.log.Info("[Engine] chapter force finalized", slog.String("chapter_id", chapterID))
	return true
}

func (e *Engine) invalid(msg string, attrs ...any) {
	e.Stats.InvalidEvents.Add(1)
	e.log.Warn("[Engine] invalid event: "+msg, attrs...)
}
