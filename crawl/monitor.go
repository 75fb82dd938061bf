package crawl

import (
	"context"
	"log/slog"
	"time"
)

// runMonitor logs pool, tracker and engine counters every StatsInterval
// until ctx is done.
func (e *Engine) runMonitor(ctx context.Context) {
	if e.opts.StatsInterval <= 0 {
		return
	}

	ticker := time.NewTicker(e.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logStats()
		}
	}
}

func (e *Engine) logStats() {
	pool := &e.pool.Stats
	e.log.Info("[Engine] stats",
		slog.Int64("manga", e.Stats.MangaDiscovered.Load()),
		slog.Int64("chapters", e.Stats.ChaptersDiscovered.Load()),
		slog.Int64("pages_discovered", e.Stats.PagesDiscovered.Load()),
		slog.Int64("pages_in_flight", pool.InFlight.Load()),
		slog.Int64("pages_fetched", pool.Succeeded.Load()),
		slog.Int64("pages_failed", pool.Failed.Load()),
		slog.Int64("retries", pool.Retries.Load()),
		slog.Int64("outcome_duplicates", e.tracker.Stats.Duplicates.Load()),
		slog.Int64("chapters_assembled", e.Stats.Assembled.Load()),
		slog.Int64("chapters_degraded", e.Stats.Degraded.Load()),
		slog.Int64("chapters_failed", e.Stats.AssemblyFailed.Load()),
		slog.Int64("invalid_events", e.Stats.InvalidEvents.Load()),
		slog.Int64("duplicate_pages", e.Stats.DuplicatePages.Load()),
		slog.Int64("store_writes_dropped", e.reporter.Dropped.Load()),
	)
}
