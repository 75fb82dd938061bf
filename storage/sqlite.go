package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"mangascraper/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS manga (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS manga_keywords (
	manga_id  TEXT NOT NULL,
	keyword   TEXT NOT NULL,
	PRIMARY KEY (manga_id, keyword)
);

CREATE INDEX IF NOT EXISTS idx_manga_keywords_keyword ON manga_keywords (keyword);

CREATE TABLE IF NOT EXISTS chapters (
	id               TEXT PRIMARY KEY,
	manga_id         TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	number           REAL NOT NULL DEFAULT 0,
	url              TEXT NOT NULL DEFAULT '',
	total_pages      INTEGER,
	status           TEXT NOT NULL DEFAULT 'pending',
	artifact_path    TEXT NOT NULL DEFAULT '',
	pages_assembled  INTEGER NOT NULL DEFAULT 0,
	pages_missing    INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	run_id           TEXT NOT NULL DEFAULT '',
	updated_at       TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chapters_manga ON chapters (manga_id);

CREATE TABLE IF NOT EXISTS pages (
	chapter_id   TEXT NOT NULL,
	number       INTEGER NOT NULL,
	manga_id     TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	path         TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (chapter_id, number)
);
`

// SQLite is a Gateway backed by a local sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string, log *slog.Logger) (*SQLite, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma journal_mode: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	log.Info("[Storage] sqlite opened", slog.String("path", path))
	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertManga(ctx context.Context, manga models.MangaRef, keyword string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manga (id, title, url)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			updated_at = CURRENT_TIMESTAMP`,
		manga.MangaID, manga.DisplayName, manga.SourceURL,
	)
	if err != nil {
		return fmt.Errorf("upsert manga %s: %w", manga.MangaID, err)
	}

	if keyword != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO manga_keywords (manga_id, keyword) VALUES (?, ?)`,
			manga.MangaID, keyword,
		)
		if err != nil {
			return fmt.Errorf("link manga %s to keyword: %w", manga.MangaID, err)
		}
	}

	return tx.Commit()
}

// UpsertChapter inserts a pending chapter. A known chapter keeps its status,
// so a late discovery never moves it back to pending.
func (s *SQLite) UpsertChapter(ctx context.Context, chapter models.ChapterRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, manga_id, name, number, url, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			manga_id = excluded.manga_id,
			name = excluded.name,
			number = excluded.number,
			url = excluded.url,
			updated_at = CURRENT_TIMESTAMP`,
		chapter.ChapterID, chapter.MangaID, chapter.DisplayName, chapter.OrderingKey, chapter.SourceURL,
		string(models.ChapterPending),
	)
	if err != nil {
		return fmt.Errorf("upsert chapter %s: %w", chapter.ChapterID, err)
	}
	return nil
}

func (s *SQLite) SetChapterPageCount(ctx context.Context, chapterID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, total_pages)
		VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_pages = excluded.total_pages,
			updated_at = CURRENT_TIMESTAMP`,
		chapterID, count,
	)
	if err != nil {
		return fmt.Errorf("set page count of %s: %w", chapterID, err)
	}
	return nil
}

func (s *SQLite) SetChapterStatus(ctx context.Context, result ChapterResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, status, artifact_path, pages_assembled, pages_missing, error, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			artifact_path = excluded.artifact_path,
			pages_assembled = excluded.pages_assembled,
			pages_missing = excluded.pages_missing,
			error = excluded.error,
			run_id = excluded.run_id,
			updated_at = CURRENT_TIMESTAMP`,
		result.ChapterID, string(result.Status), result.ArtifactPath, result.Pages, result.Missing,
		result.Error, result.RunID,
	)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", result.ChapterID, err)
	}
	return nil
}

// UpsertPage never moves a terminal page back to pending.
func (s *SQLite) UpsertPage(ctx context.Context, mangaID string, outcome models.PageOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (chapter_id, number, manga_id, url, status, path, retry_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id, number) DO UPDATE SET
			manga_id = excluded.manga_id,
			url = excluded.url,
			status = excluded.status,
			path = excluded.path,
			retry_count = excluded.retry_count,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.status <> 'pending' OR pages.status = 'pending'`,
		outcome.ChapterID, outcome.PageNumber, mangaID, outcome.URL, pageStatus(outcome.Status),
		outcome.LocalPath, outcome.RetryCount, errorText(outcome.Err),
	)
	if err != nil {
		return fmt.Errorf("upsert page %s/%d: %w", outcome.ChapterID, outcome.PageNumber, err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// ChapterRow is a chapter as stored.
type ChapterRow struct {
	ID           string
	MangaID      string
	Name         string
	Number       float64
	TotalPages   sql.NullInt64
	Status       string
	ArtifactPath string
	Missing      int
}

// Chapter reads one chapter row.
func (s *SQLite) Chapter(ctx context.Context, id string) (ChapterRow, error) {
	var row ChapterRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manga_id, name, number, total_pages, status, artifact_path, pages_missing
		FROM chapters WHERE id = ?`, id,
	).Scan(&row.ID, &row.MangaID, &row.Name, &row.Number, &row.TotalPages, &row.Status, &row.ArtifactPath, &row.Missing)
	if err != nil {
		return ChapterRow{}, fmt.Errorf("read chapter %s: %w", id, err)
	}
	return row, nil
}

// PageStatuses returns the stored status of each page of a chapter keyed by page number.
func (s *SQLite) PageStatuses(ctx context.Context, chapterID string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number, status FROM pages WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("read pages of %s: %w", chapterID, err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			number int
			status string
		)
		if err := rows.Scan(&number, &status); err != nil {
			return nil, err
		}
		out[number] = status
	}
	return out, rows.Err()
}
