// Package storage persists crawl progress for observability.
//
// The crawl never depends on storage to make progress: every write goes
// through a Reporter, which queues it, applies it in the background and logs
// failures instead of returning them.
package storage

import (
	"context"
	"errors"

	"mangascraper/models"
)

// ChapterResult is the status written for a chapter.
type ChapterResult struct {
	ChapterID    string
	Status       models.ChapterStatus
	ArtifactPath string
	Pages        int // Pages in the artifact
	Missing      int // Expected pages absent from the artifact
	Error        string
	RunID        string
}

// Gateway is a store of manga, chapter and page rows. Every write is an
// upsert keyed by the content-addressed ids, so repeated crawls converge on
// the same rows.
type Gateway interface {
	UpsertManga(ctx context.Context, manga models.MangaRef, keyword string) error
	UpsertChapter(ctx context.Context, chapter models.ChapterRef) error
	SetChapterPageCount(ctx context.Context, chapterID string, count int) error
	SetChapterStatus(ctx context.Context, result ChapterResult) error
	UpsertPage(ctx context.Context, mangaID string, outcome models.PageOutcome) error
	Ping(ctx context.Context) error
	Close() error
}

// Nop discards every write. It is used when no store is configured.
type Nop struct{}

func (Nop) UpsertManga(context.Context, models.MangaRef, string) error { return nil }
func (Nop) UpsertChapter(context.Context, models.ChapterRef) error { return nil }
func (Nop) SetChapterPageCount(context.Context, string, int) error { return nil }
func (Nop) SetChapterStatus(context.Context, ChapterResult) error { return nil }
func (Nop) UpsertPage(context.Context, string, models.PageOutcome) error { return nil }
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Close() error { return nil }

// Multi writes to several gateways. Every gateway receives every write; the
// errors are joined.
type Multi []Gateway

func (m Multi) UpsertManga(ctx context.Context, manga models.MangaRef, keyword string) error {
	return m.each(func(g Gateway) error { return g.UpsertManga(ctx, manga, keyword) })
}

func (m Multi) UpsertChapter(ctx context.Context, chapter models.ChapterRef) error {
	return m.each(func(g Gateway) error { return g.UpsertChapter(ctx, chapter) })
}

func (m Multi) SetChapterPageCount(ctx context.Context, chapterID string, count int) error {
	return m.each(func(g Gateway) error { return g.SetChapterPageCount(ctx, chapterID, count) })
}

func (m Multi) SetChapterStatus(ctx context.Context, result ChapterResult) error {
	return m.each(func(g Gateway) error { return g.SetChapterStatus(ctx, result) })
}

func (m Multi) UpsertPage(ctx context.Context, mangaID string, outcome models.PageOutcome) error {
	return m.each(func(g Gateway) error { return g.UpsertPage(ctx, mangaID, outcome) })
}

func (m Multi) Ping(ctx context.Context) error {
	return m.each(func(g Gateway) error { return g.Ping(ctx) })
}

func (m Multi) Close() error {
	return m.each(func(g Gateway) error { return g.Close() })
}

func (m Multi) each(fn func(Gateway) error) error {
	var errs []error
	for _, g := range m {
		if err := fn(g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pageStatus is the stored form of a page status.
func pageStatus(s models.PageStatus) string {
	return s.String()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
