package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangascraper/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var (
	testMangaRef = models.MangaRef{MangaID: "m1", DisplayName: "Solo Leveling", SourceURL: "https://example.com/manga/solo-leveling"}
	testChapter  = models.ChapterRef{
		ChapterID:         "c1",
		MangaID:           "m1",
		DisplayName:       "Chapter 12.5",
		SourceURL:         "https://example.com/manga/solo-leveling/chapter-12-5",
		OrderingKey:       12.5,
		ExpectedPageCount: models.UnknownPageCount,
	}
)

func TestSQLite_ChapterLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	require.NoError(t, db.UpsertManga(ctx, testMangaRef, "solo"))
	require.NoError(t, db.UpsertManga(ctx, testMangaRef, "solo"), "upserts are idempotent")
	require.NoError(t, db.UpsertChapter(ctx, testChapter))

	row, err := db.Chapter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "m1", row.MangaID)
	assert.Equal(t, 12.5, row.Number)
	assert.Equal(t, string(models.ChapterPending), row.Status)
	assert.False(t, row.TotalPages.Valid)

	require.NoError(t, db.SetChapterPageCount(ctx, "c1", 20))
	require.NoError(t, db.SetChapterStatus(ctx, ChapterResult{
		ChapterID:    "c1",
		Status:       models.ChapterCompletedDegraded,
		ArtifactPath: "/store/solo/c1.pdf",
		Pages:        19,
		Missing:      1,
		RunID:        "run-1",
	}))

	row, err = db.Chapter(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, row.TotalPages.Int64)
	assert.Equal(t, string(models.ChapterCompletedDegraded), row.Status)
	assert.Equal(t, "/store/solo/c1.pdf", row.ArtifactPath)
	assert.Equal(t, 1, row.Missing)
	assert.Equal(t, "Chapter 12.5", row.Name, "status updates keep discovery fields")
}

func TestSQLite_StatusBeforeDiscovery(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	require.NoError(t, db.SetChapterPageCount(ctx, "late", 3))
	require.NoError(t, db.UpsertChapter(ctx, models.ChapterRef{ChapterID: "late", MangaID: "m1", DisplayName: "Late"}))

	row, err := db.Chapter(ctx, "late")
	require.NoError(t, err)
	assert.EqualValues(t, 3, row.TotalPages.Int64)
	assert.Equal(t, "m1", row.MangaID)
}

func TestSQLite_PageNeverRegressesToPending(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	pending := models.PageOutcome{ChapterID: "c1", PageNumber: 1, URL: "https://cdn.example.com/1.jpg", Status: models.PagePending}
	done := pending
	done.Status = models.PageSuccess
	done.LocalPath = "/store/001.jpg"
	failed := models.PageOutcome{ChapterID: "c1", PageNumber: 2, Status: models.PageFailed, RetryCount: 3, Err: errors.New("gone")}

	require.NoError(t, db.UpsertPage(ctx, "m1", pending))
	require.NoError(t, db.UpsertPage(ctx, "m1", done))
	require.NoError(t, db.UpsertPage(ctx, "m1", pending))
	require.NoError(t, db.UpsertPage(ctx, "m1", failed))

	statuses, err := db.PageStatuses(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "completed", 2: "failed"}, statuses)
}

func TestSQLite_ChapterNeverRegressesToPending(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t)

	require.NoError(t, db.UpsertChapter(ctx, testChapter))
	require.NoError(t, db.SetChapterStatus(ctx, ChapterResult{ChapterID: "c1", Status: models.ChapterDownloading, RunID: "run-1"}))

	renamed := testChapter
	renamed.DisplayName = "Chapter 12.5 (Side Story)"
	require.NoError(t, db.UpsertChapter(ctx, renamed))

	row, err := db.Chapter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, string(models.ChapterDownloading), row.Status)
	assert.Equal(t, "Chapter 12.5 (Side Story)", row.Name, "discovery fields are still refreshed")

	require.NoError(t, db.SetChapterStatus(ctx, ChapterResult{ChapterID: "c1", Status: models.ChapterCompleted, RunID: "run-1"}))
	require.NoError(t, db.UpsertChapter(ctx, testChapter))
	row, err = db.Chapter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, string(models.ChapterCompleted), row.Status)
}

func TestRedisMirror(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewRedisMirror(client)
	defer mirror.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, redisEvents)
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, mirror.Ping(ctx))
	require.NoError(t, mirror.UpsertManga(ctx, testMangaRef, "solo"))
	require.NoError(t, mirror.UpsertChapter(ctx, testChapter))
	require.NoError(t, mirror.SetChapterPageCount(ctx, "c1", 2))

	page := models.PageOutcome{ChapterID: "c1", PageNumber: 1, Status: models.PageSuccess}
	require.NoError(t, mirror.UpsertPage(ctx, "m1", page))
	page.Status = models.PagePending
	require.NoError(t, mirror.UpsertPage(ctx, "m1", page))

	require.NoError(t, mirror.SetChapterStatus(ctx, ChapterResult{ChapterID: "c1", Status: models.ChapterCompleted, Pages: 2, RunID: "run-1"}))
	require.NoError(t, mirror.UpsertChapter(ctx, testChapter), "a late discovery does not reset the status")

	assert.Equal(t, "Solo Leveling", mr.HGet(mangaKey("m1"), "title"))
	isMember, err := mr.IsMember(redisKeyPrefix+"keyword:solo", "m1")
	require.NoError(t, err)
	assert.True(t, isMember)

	assert.Equal(t, "12.5", mr.HGet(chapterKey("c1"), "number"))
	assert.Equal(t, "2", mr.HGet(chapterKey("c1"), "total_pages"))
	assert.Equal(t, "completed", mr.HGet(chapterKey("c1"), "status"))
	assert.Equal(t, "completed", mr.HGet(pagesKey("c1"), "1"), "pending never overwrites a terminal page")
	assert.Greater(t, mr.TTL(chapterKey("c1")), time.Duration(0))

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(msgCtx)
	require.NoError(t, err)

	var event StatusEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, "c1", event.ChapterID)
	assert.Equal(t, "completed", event.Status)
	assert.Equal(t, "run-1", event.RunID)
}

func TestRedisMirror_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror := NewRedisMirror(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer mirror.Close()

	mr.SetError("LOADING server is loading")
	assert.Error(t, mirror.Ping(context.Background()))
	assert.Error(t, mirror.SetChapterPageCount(context.Background(), "c1", 3))
}

// recordingGateway records writes and fails on demand.
type recordingGateway struct {
	Nop
	mu       sync.Mutex
	statuses []ChapterResult
	fail     bool
	block    chan struct{}
	closed   bool
}

func (g *recordingGateway) SetChapterStatus(ctx context.Context, result ChapterResult) error {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("connection refused")
	}
	g.statuses = append(g.statuses, result)
	return nil
}

func (g *recordingGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func TestReporter_AppliesWritesInOrder(t *testing.T) {
	gw := &recordingGateway{}
	r := NewReporter(gw, discardLogger(), 16, time.Second)

	for _, s := range []models.ChapterStatus{models.ChapterPending, models.ChapterDownloading, models.ChapterCompleted} {
		r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: s})
	}
	require.NoError(t, r.Close())

	require.Len(t, gw.statuses, 3)
	assert.Equal(t, models.ChapterCompleted, gw.statuses[2].Status)
	assert.True(t, gw.closed)
	assert.EqualValues(t, 3, r.Written.Load())
}

func TestReporter_SwallowsGatewayErrors(t *testing.T) {
	gw := &recordingGateway{fail: true}
	r := NewReporter(gw, discardLogger(), 16, time.Second)

	assert.NotPanics(t, func() {
		r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterFailed})
	})
	require.NoError(t, r.Close())
	assert.EqualValues(t, 1, r.Failed.Load())
}

func TestReporter_DropsWhenFullOrClosed(t *testing.T) {
	gw := &recordingGateway{block: make(chan struct{})}
	r := NewReporter(gw, discardLogger(), 1, time.Second)

	// The worker holds one write while blocked; the queue holds one more.
	r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterDownloading})
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	for i := 1; i <= 10; i++ {
		r.Page("m1", models.PageOutcome{ChapterID: "c1", PageNumber: i, Status: models.PagePending})
	}
	assert.EqualValues(t, 9, r.Dropped.Load())

	close(gw.block)
	require.NoError(t, r.Close())

	dropped := r.Dropped.Load()
	r.ChapterStatus(ChapterResult{ChapterID: "c1"})
	assert.Equal(t, dropped+1, r.Dropped.Load())
	assert.NoError(t, r.Close(), "closing twice is a no-op")
}

func TestReporter_StatusWaitsForQueueSpace(t *testing.T) {
	gw := &recordingGateway{block: make(chan struct{})}
	r := NewReporter(gw, discardLogger(), 1, 2*time.Second)

	r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterDownloading})
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond,
		"the worker picks up the first write and blocks on it")

	page := models.PageOutcome{ChapterID: "c1", PageNumber: 1, Status: models.PageSuccess}
	r.Page("m1", page)
	r.Page("m1", page)
	assert.EqualValues(t, 1, r.Dropped.Load(), "page writes are dropped on a full queue")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gw.block)
	}()
	r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterCompleted})
	require.NoError(t, r.Close())

	assert.EqualValues(t, 1, r.Dropped.Load(), "the final status is not dropped")
	require.Len(t, gw.statuses, 2)
	assert.Equal(t, models.ChapterCompleted, gw.statuses[1].Status)
}

func TestReporter_StatusDroppedAfterWaiting(t *testing.T) {
	gw := &recordingGateway{block: make(chan struct{})}
	r := NewReporter(gw, discardLogger(), 1, 20*time.Millisecond)

	r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterDownloading})
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	r.Page("m1", models.PageOutcome{ChapterID: "c1", PageNumber: 1, Status: models.PageSuccess})

	start := time.Now()
	r.ChapterStatus(ChapterResult{ChapterID: "c1", Status: models.ChapterCompleted})
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "a full queue is waited on")
	assert.EqualValues(t, 1, r.Dropped.Load())

	close(gw.block)
	require.NoError(t, r.Close())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingGateway{}
	bad := &recordingGateway{fail: true}
	m := Multi{ok, bad}

	err := m.SetChapterStatus(context.Background(), ChapterResult{ChapterID: "c1", Status: models.ChapterCompleted})
	assert.Error(t, err)
	assert.Len(t, ok.statuses, 1, "a failing gateway does not starve the others")
	assert.NoError(t, m.Close())
}
