package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5 scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"mangascraper/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	pgMaxConns        = 8
	pgMinConns        = 1
	pgConnectTimeout  = 5 * time.Second
	pgPingTimeout     = 2 * time.Second
	pgMaxConnIdleTime = 10 * time.Minute
)

// Postgres is a Gateway backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres applies pending migrations and connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	if err := migratePostgres(dsn, log); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}
	poolConfig.MaxConns = pgMaxConns
	poolConfig.MinConns = pgMinConns
	poolConfig.MaxConnIdleTime = pgMaxConnIdleTime
	poolConfig.ConnConfig.ConnectTimeout = pgConnectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	pg := &Postgres{pool: pool, log: log}
	if err := pg.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("[Storage] postgres connected", slog.Int("max_conns", int(pool.Stat().MaxConns())))
	return pg, nil
}

func migratePostgres(dsn string, log *slog.Logger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration: failed to open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, pgx5DSN(dsn))
	if err != nil {
		return fmt.Errorf("migration: failed to initialize: %w", err)
	}
	defer func() {
		sourceErr, dbErr := migrator.Close()
		if sourceErr != nil {
			log.Error("[Storage] migration source close failed", slog.Any("error", sourceErr))
		}
		if dbErr != nil {
			log.Error("[Storage] migration database close failed", slog.Any("error", dbErr))
		}
	}()
	migrator.Log = &migrateLogger{log: log}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration: failed to read version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration: database is dirty at version %d", version)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("[Storage] schema up to date", slog.Uint64("version", uint64(version)))
			return nil
		}
		return fmt.Errorf("migration: up failed: %w", err)
	}

	newVersion, _, _ := migrator.Version()
	log.Info("[Storage] schema migrated",
		slog.Uint64("from", uint64(version)),
		slog.Uint64("to", uint64(newVersion)),
	)
	return nil
}

// pgx5DSN rewrites postgres:// URLs to the pgx5:// scheme golang-migrate expects.
func pgx5DSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.log.Debug("[Storage] " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *migrateLogger) Verbose() bool { return false }

func (p *Postgres) UpsertManga(ctx context.Context, manga models.MangaRef, keyword string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO manga (id, title, url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			updated_at = now()`,
		manga.MangaID, manga.DisplayName, manga.SourceURL,
	)
	if err != nil {
		return fmt.Errorf("upsert manga %s: %w", manga.MangaID, err)
	}

	if keyword == "" {
		return nil
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO manga_keywords (manga_id, keyword)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		manga.MangaID, keyword,
	)
	if err != nil {
		return fmt.Errorf("link manga %s to keyword: %w", manga.MangaID, err)
	}
	return nil
}

// UpsertChapter inserts a pending chapter. A known chapter keeps its status,
// so a late discovery never moves it back to pending.
func (p *Postgres) UpsertChapter(ctx context.Context, chapter models.ChapterRef) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chapters (id, manga_id, name, number, url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			manga_id = EXCLUDED.manga_id,
			name = EXCLUDED.name,
			number = EXCLUDED.number,
			url = EXCLUDED.url,
			updated_at = now()`,
		chapter.ChapterID, chapter.MangaID, chapter.DisplayName, chapter.OrderingKey, chapter.SourceURL,
		string(models.ChapterPending),
	)
	if err != nil {
		return fmt.Errorf("upsert chapter %s: %w", chapter.ChapterID, err)
	}
	return nil
}

func (p *Postgres) SetChapterPageCount(ctx context.Context, chapterID string, count int) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chapters (id, total_pages)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			total_pages = EXCLUDED.total_pages,
			updated_at = now()`,
		chapterID, count,
	)
	if err != nil {
		return fmt.Errorf("set page count of %s: %w", chapterID, err)
	}
	return nil
}

func (p *Postgres) SetChapterStatus(ctx context.Context, result ChapterResult) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chapters (id, status, artifact_path, pages_assembled, pages_missing, error, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			artifact_path = EXCLUDED.artifact_path,
			pages_assembled = EXCLUDED.pages_assembled,
			pages_missing = EXCLUDED.pages_missing,
			error = EXCLUDED.error,
			run_id = EXCLUDED.run_id,
			updated_at = now()`,
		result.ChapterID, string(result.Status), result.ArtifactPath, result.Pages, result.Missing,
		result.Error, result.RunID,
	)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", result.ChapterID, err)
	}
	return nil
}

// UpsertPage never moves a terminal page back to pending.
func (p *Postgres) UpsertPage(ctx context.Context, mangaID string, outcome models.PageOutcome) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pages (chapter_id, number, manga_id, url, status, path, retry_count, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chapter_id, number) DO UPDATE SET
			manga_id = EXCLUDED.manga_id,
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			path = EXCLUDED.path,
			retry_count = EXCLUDED.retry_count,
			error = EXCLUDED.error,
			updated_at = now()
		WHERE EXCLUDED.status <> 'pending' OR pages.status = 'pending'`,
		outcome.ChapterID, outcome.PageNumber, mangaID, outcome.URL, pageStatus(outcome.Status),
		outcome.LocalPath, outcome.RetryCount, errorText(outcome.Err),
	)
	if err != nil {
		return fmt.Errorf("upsert page %s/%d: %w", outcome.ChapterID, outcome.PageNumber, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
	defer cancel()

	if err := p.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
