// Package statusapi serves a read-only view of a running crawl over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mangascraper/tracker"
)

// Progress is the tracker view the server reports.
type Progress interface {
	Snapshot() []tracker.ChapterSnapshot
	Chapter(chapterID string) (tracker.ChapterSnapshot, bool)
	Summary() tracker.Summary
}

// Pinger checks the configured stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	pingTimeout  = 2 * time.Second
)

// Server exposes /health, /ready, /chapters and /summary.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	progress   Progress
	stores     Pinger
	runID      string
	build      string
	log        *slog.Logger
}

// New builds the router. stores may be nil when no store is configured.
func New(addr string, progress Progress, stores Pinger, runID, build string, log *slog.Logger) *Server {
	s := &Server{
		progress: progress,
		stores:   stores,
		runID:    runID,
		build:    build,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/summary", s.summary)
	r.Route("/chapters", func(r chi.Router) {
		r.Get("/", s.chapters)
		r.Get("/{chapterID}", s.chapter)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("[Status] server starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("[Status] server stopped", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"run_id": s.runID,
		"build":  s.build,
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.stores == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.stores.Ping(ctx); err != nil {
		s.log.Warn("[Status] store ping failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) chapters(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.progress.Snapshot()
	if snapshot == nil {
		snapshot = []tracker.ChapterSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) chapter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chapterID")
	snap, ok := s.progress.Chapter(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chapter " + id})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	sum := s.progress.Summary()
	sum.Chapters = nil
	writeJSON(w, http.StatusOK, struct {
		RunID string `json:"run_id"`
		Total int    `json:"total"`
		tracker.Summary
	}{RunID: s.runID, Total: sum.Total(), Summary: sum})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestLogger logs one line per request at Debug, Warn for 4xx and Error for 5xx.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			log.Log(r.Context(), level, "[Status] request",
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("latency", time.Since(start)),
			)
		})
	}
}
