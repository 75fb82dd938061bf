// Package assembler merges the downloaded pages of a completed chapter into a
// single artifact (PDF or CBZ) and removes the intermediate page files.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"mangascraper/identity"
	"mangascraper/models"
)

// Job is a chapter whose pages have all reached a terminal state.
type Job struct {
	MangaID     string
	ChapterID   string
	MangaSlug   string
	ChapterSlug string
	DisplayName string
	Expected    int
	Outcomes    []models.PageOutcome
}

// Result is the final state of an assembled (or abandoned) chapter.
type Result struct {
	ChapterID    string
	Status       models.ChapterStatus
	ArtifactPath string // Empty unless an artifact was written
	Pages        int    // Pages in the artifact
	Missing      int    // Expected pages absent from the artifact
	Err          error
}

// Assembler writes chapter artifacts under a Layout.
type Assembler struct {
	layout  identity.Layout
	quality int
	log     *slog.Logger
}

// New creates an assembler. quality is the JPEG quality used when a page has
// to be re-encoded.
func New(layout identity.Layout, quality int, log *slog.Logger) *Assembler {
	if layout.Format == "" {
		layout.Format = models.FormatPDF
	}
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return &Assembler{layout: layout, quality: quality, log: log}
}

// Assemble builds the chapter artifact from the Success outcomes of job.
// It never produces an empty artifact and never retries. On failure the
// intermediate pages are left on disk.
func (a *Assembler) Assemble(ctx context.Context, job Job) Result {
	result := Result{ChapterID: job.ChapterID}
	log := a.log.With(slog.String("chapter_id", job.ChapterID))

	succeeded := make([]models.PageOutcome, 0, len(job.Outcomes))
	failed := 0
	for _, o := range job.Outcomes {
		switch {
		case o.Status == models.PageSuccess && o.LocalPath != "":
			succeeded = append(succeeded, o)
		case o.Status == models.PageFailed:
			failed++
		}
	}
	sort.SliceStable(succeeded, func(i, j int) bool {
		return succeeded[i].PageNumber < succeeded[j].PageNumber
	})

	if len(succeeded) == 0 {
		result.Status = models.ChapterFailed
		result.Missing = job.Expected
		result.Err = fmt.Errorf("%w: chapter %s", models.ErrNoPages, job.ChapterID)
		log.Error("[Assembler] no pages to assemble", slog.Int("failed", failed))
		return result
	}

	pages, err := a.loadPages(ctx, succeeded)
	if err != nil {
		return a.fail(log, result, err)
	}

	mangaDir, chapterDir := a.dirs(job)
	artifact := a.layout.ArtifactPath(mangaDir, chapterDir)
	if err := a.writeArtifact(artifact, job, pages); err != nil {
		return a.fail(log, result, err)
	}

	result.ArtifactPath = artifact
	result.Pages = len(pages)
	result.Missing = failed
	if missing := job.Expected - len(pages); missing > result.Missing {
		result.Missing = missing
	}

	result.Status = models.ChapterCompleted
	if result.Missing > 0 {
		result.Status = models.ChapterCompletedDegraded
		log.Warn("[Assembler] chapter assembled with missing pages",
			slog.String("artifact", artifact),
			slog.Int("pages", result.Pages),
			slog.Int("missing", result.Missing),
		)
	} else {
		log.Info("[Assembler] chapter assembled",
			slog.String("artifact", artifact),
			slog.Int("pages", result.Pages),
		)
	}

	a.cleanup(log, succeeded)
	return result
}

func (a *Assembler) fail(log *slog.Logger, result Result, err error) Result {
	result.Status = models.ChapterFailed
	result.Err = fmt.Errorf("%w: %v", models.ErrAssemblyFailed, err)
	log.Error("[Assembler] assembly failed, intermediate pages kept", slog.Any("error", err))
	return result
}

func (a *Assembler) dirs(job Job) (string, string) {
	mangaDir := job.MangaSlug
	if mangaDir == "" {
		mangaDir = job.MangaID
	}
	chapterDir := job.ChapterSlug
	if chapterDir == "" {
		chapterDir = job.ChapterID
	}
	return mangaDir, chapterDir
}

// loadPages reads and normalizes every page in order.
func (a *Assembler) loadPages(ctx context.Context, outcomes []models.PageOutcome) ([]page, error) {
	pages := make([]page, 0, len(outcomes))
	for _, o := range outcomes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(o.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", o.PageNumber, err)
		}

		jpegData, cfg, err := normalizePage(data, a.quality)
		if err != nil {
			return nil, fmt.Errorf("page %d (%s): %w", o.PageNumber, o.LocalPath, err)
		}

		pages = append(pages, page{
			Number: o.PageNumber,
			JPEG:   jpegData,
			Width:  cfg.Width,
			Height: cfg.Height,
		})
	}
	return pages, nil
}

// writeArtifact writes to a temporary file next to the final path and renames
// it into place, so a failed merge never leaves a partial artifact behind.
func (a *Assembler) writeArtifact(path string, job Job, pages []page) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manga directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".assemble-*.part")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = a.encode(tmp, job, pages); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}

func (a *Assembler) encode(w io.Writer, job Job, pages []page) error {
	switch a.layout.Format {
	case models.FormatPDF:
		title := job.DisplayName
		if title == "" {
			title = job.ChapterID
		}
		return writePDF(w, title, pages)
	case models.FormatCBZ:
		return writeCBZ(w, pages)
	default:
		return errors.New("unsupported output format: " + string(a.layout.Format))
	}
}

// cleanup removes the page files and then any directory they leave empty.
// Failures are logged; the artifact is already in place.
func (a *Assembler) cleanup(log *slog.Logger, outcomes []models.PageOutcome) {
	dirs := make(map[string]struct{})
	for _, o := range outcomes {
		if err := os.Remove(o.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("[Assembler] failed to remove page", slog.String("path", o.LocalPath), slog.Any("error", err))
			continue
		}
		dirs[filepath.Dir(o.LocalPath)] = struct{}{}
	}

	for dir := range dirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("[Assembler] failed to remove chapter directory", slog.String("dir", dir), slog.Any("error", err))
		}
	}
}
