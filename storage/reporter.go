package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mangascraper/models"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 5 * time.Second
)

type write struct {
	op        string
	chapterID string
	apply     func(ctx context.Context) error
}

// Reporter applies gateway writes on a background goroutine, in submission
// order. Callers never see store errors and never block on the store beyond
// a bounded wait for status writes: a full queue drops the write, a failed
// write is logged.
type Reporter struct {
	gw      Gateway
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan write
	done   chan struct{}

	Written atomic.Int64
	Failed  atomic.Int64
	Dropped atomic.Int64
}

// NewReporter starts a reporter in front of gw. queueSize <= 0 and
// timeout <= 0 select defaults.
func NewReporter(gw Gateway, log *slog.Logger, queueSize int, timeout time.Duration) *Reporter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Reporter{
		gw:      gw,
		log:     log,
		timeout: timeout,
		queue:   make(chan write, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for w := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := w.apply(ctx)
		cancel()

		if err != nil {
			r.Failed.Add(1)
			r.log.Error("[Storage] write failed",
				slog.String("op", w.op),
				slog.String("chapter_id", w.chapterID),
				slog.Any("error", fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)),
			)
			continue
		}
		r.Written.Add(1)
	}
}

func (r *Reporter) submit(w write) {
	r.enqueue(w, 0)
}

// enqueue hands w to the writer. With wait > 0 a full queue is waited on for
// at most wait before the write is dropped.
func (r *Reporter) enqueue(w write, wait time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.Dropped.Add(1)
		return
	}

	select {
	case r.queue <- w:
		return
	default:
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case r.queue <- w:
			return
		case <-timer.C:
		}
	}

	r.Dropped.Add(1)
	r.log.Warn("[Storage] queue full, write dropped",
		slog.String("op", w.op),
		slog.String("chapter_id", w.chapterID),
	)
}

// MangaDiscovered upserts a manga row and links it to the search keyword.
func (r *Reporter) MangaDiscovered(manga models.MangaRef, keyword string) {
	r.submit(write{op: "upsert_manga", apply: func(ctx context.Context) error {
		return r.gw.UpsertManga(ctx, manga, keyword)
	}})
}

// ChapterDiscovered upserts a chapter row with status pending.
func (r *Reporter) ChapterDiscovered(chapter models.ChapterRef) {
	r.submit(write{op: "upsert_chapter", chapterID: chapter.ChapterID, apply: func(ctx context.Context) error {
		return r.gw.UpsertChapter(ctx, chapter)
	}})
}

// PageCount records the expected page count of a chapter.
func (r *Reporter) PageCount(chapterID string, count int) {
	r.submit(write{op: "set_page_count", chapterID: chapterID, apply: func(ctx context.Context) error {
		return r.gw.SetChapterPageCount(ctx, chapterID, count)
	}})
}

// ChapterStatus records a chapter status change. Status writes carry the
// final state of a chapter, so a full queue is waited on for up to one write
// timeout instead of dropping them at once.
func (r *Reporter) ChapterStatus(result ChapterResult) {
	r.enqueue(write{op: "set_chapter_status", chapterID: result.ChapterID, apply: func(ctx context.Context) error {
		return r.gw.SetChapterStatus(ctx, result)
	}}, r.timeout)
}

// Page upserts a page row, pending on discovery and terminal after the fetch.
func (r *Reporter) Page(mangaID string, outcome models.PageOutcome) {
	r.submit(write{op: "upsert_page", chapterID: outcome.ChapterID, apply: func(ctx context.Context) error {
		return r.gw.UpsertPage(ctx, mangaID, outcome)
	}})
}

// Ping checks the underlying store.
func (r *Reporter) Ping(ctx context.Context) error {
	return r.gw.Ping(ctx)
}

// Close stops accepting writes, waits for the queue to drain and closes the gateway.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done

	r.log.Info("[Storage] reporter closed",
		slog.Int64("written", r.Written.Load()),
		slog.Int64("failed", r.Failed.Load()),
		slog.Int64("dropped", r.Dropped.Load()),
	)
	return r.gw.Close()
}
