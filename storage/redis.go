package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mangascraper/models"
)

const (
	redisKeyPrefix   = "mangascraper:"
	redisEvents      = redisKeyPrefix + "events"
	redisDialTimeout = 3 * time.Second
	redisIOTimeout   = 2 * time.Second
	redisPingTimeout = 2 * time.Second
	// Status hashes expire so abandoned runs do not accumulate.
	redisStatusTTL = 7 * 24 * time.Hour
)

// StatusEvent is published on the events channel for every chapter status change.
type StatusEvent struct {
	ChapterID    string `json:"chapter_id"`
	Status       string `json:"status"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Pages        int    `json:"pages"`
	Missing      int    `json:"missing"`
	Error        string `json:"error,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

// RedisMirror mirrors chapter and page status into redis hashes and publishes
// chapter status changes, so dashboards can follow a crawl live.
type RedisMirror struct {
	client *redis.Client
}

// OpenRedis connects to redisURL and verifies the connection.
func OpenRedis(ctx context.Context, redisURL string, log *slog.Logger) (*RedisMirror, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	options.PoolSize = 4
	options.DialTimeout = redisDialTimeout
	options.ReadTimeout = redisIOTimeout
	options.WriteTimeout = redisIOTimeout

	m := NewRedisMirror(redis.NewClient(options))
	if err := m.Ping(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	log.Info("[Storage] redis connected", slog.String("addr", options.Addr))
	return m, nil
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func chapterKey(chapterID string) string { return redisKeyPrefix + "chapter:" + chapterID }
func pagesKey(chapterID string) string   { return redisKeyPrefix + "chapter:" + chapterID + ":pages" }
func mangaKey(mangaID string) string     { return redisKeyPrefix + "manga:" + mangaID }

func (m *RedisMirror) UpsertManga(ctx context.Context, manga models.MangaRef, keyword string) error {
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, mangaKey(manga.MangaID),
			"title", manga.DisplayName,
			"url", manga.SourceURL,
		)
		pipe.Expire(ctx, mangaKey(manga.MangaID), redisStatusTTL)
		if keyword != "" {
			pipe.SAdd(ctx, redisKeyPrefix+"keyword:"+keyword, manga.MangaID)
		}
		return nil
	})
	return err
}

func (m *RedisMirror) UpsertChapter(ctx context.Context, chapter models.ChapterRef) error {
	key := chapterKey(chapter.ChapterID)
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"manga_id", chapter.MangaID,
			"name", chapter.DisplayName,
			"number", strconv.FormatFloat(chapter.OrderingKey, 'f', -1, 64),
			"url", chapter.SourceURL,
		)
		// A chapter already past discovery keeps its status.
		pipe.HSetNX(ctx, key, "status", string(models.ChapterPending))
		pipe.Expire(ctx, key, redisStatusTTL)
		return nil
	})
	return err
}

func (m *RedisMirror) SetChapterPageCount(ctx context.Context, chapterID string, count int) error {
	return m.client.HSet(ctx, chapterKey(chapterID), "total_pages", count).Err()
}

func (m *RedisMirror) SetChapterStatus(ctx context.Context, result ChapterResult) error {
	event, err := json.Marshal(StatusEvent{
		ChapterID:    result.ChapterID,
		Status:       string(result.Status),
		ArtifactPath: result.ArtifactPath,
		Pages:        result.Pages,
		Missing:      result.Missing,
		Error:        result.Error,
		RunID:        result.RunID,
	})
	if err != nil {
		return err
	}

	key := chapterKey(result.ChapterID)
	_, err = m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(result.Status),
			"artifact_path", result.ArtifactPath,
			"pages_assembled", result.Pages,
			"pages_missing", result.Missing,
			"error", result.Error,
			"run_id", result.RunID,
		)
		pipe.Expire(ctx, key, redisStatusTTL)
		pipe.Publish(ctx, redisEvents, event)
		return nil
	})
	return err
}

// UpsertPage stores the page status in the chapter's page hash. A terminal
// status is never overwritten by pending.
func (m *RedisMirror) UpsertPage(ctx context.Context, _ string, outcome models.PageOutcome) error {
	key := pagesKey(outcome.ChapterID)
	field := strconv.Itoa(outcome.PageNumber)

	if outcome.Status == models.PagePending {
		if err := m.client.HSetNX(ctx, key, field, pageStatus(outcome.Status)).Err(); err != nil {
			return err
		}
		return m.client.Expire(ctx, key, redisStatusTTL).Err()
	}

	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, pageStatus(outcome.Status))
		pipe.Expire(ctx, key, redisStatusTTL)
		return nil
	})
	return err
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := m.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
