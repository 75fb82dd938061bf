package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangascraper/tracker"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, stores Pinger) (*httptest.Server, *tracker.Tracker) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := tracker.New(func(tracker.Completion) {}, log)
	tr.Track("c1")
	tr.RecordExpectedCount("c2", 3)

	srv := httptest.NewServer(New(":0", tr, stores, "run-1", "mangascraper dev", log).Handler())
	t.Cleanup(srv.Close)
	return srv, tr
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
}

func TestReady(t *testing.T) {
	srv, _ := newTestServer(t, pingFunc(func(context.Context) error { return nil }))
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ready", &body))

	down, _ := newTestServer(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, down.URL+"/ready", &body))
	assert.Equal(t, "connection refused", body["error"])
}

func TestChapters(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var list []tracker.ChapterSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/chapters", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ChapterID)
	assert.Equal(t, 3, list[1].Expected)

	var one tracker.ChapterSnapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/chapters/c2", &one))
	assert.Equal(t, "c2", one.ChapterID)

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/chapters/nope", &missing))
}

func TestSummary(t *testing.T) {
	srv, tr := newTestServer(t, nil)
	tr.Cancel("c1")

	var body struct {
		RunID      string                    `json:"run_id"`
		Total      int                       `json:"total"`
		Incomplete int                       `json:"incomplete"`
		Cancelled  int                       `json:"cancelled"`
		Chapters   []tracker.ChapterSnapshot `json:"chapters"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/summary", &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 1, body.Incomplete)
	assert.Equal(t, 1, body.Cancelled)
	assert.Empty(t, body.Chapters)
}
