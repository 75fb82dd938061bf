// Package tracker decides when a chapter has finished downloading.
//
// Page outcomes and page counts arrive from independent goroutines in any
// order. Each chapter has its own lock; the completion check and the
// assembled flag flip happen in one critical section, so a chapter triggers
// assembly at most once no matter how many workers race to finish it.
package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"mangascraper/models"
)

// Phase is the lifecycle position of a chapter inside the tracker.
type Phase string

const (
	PhaseUnknownCount Phase = "unknown_count"
	PhaseCounting     Phase = "counting"
	PhaseAssembled    Phase = "assembled"
	PhaseCancelled    Phase = "cancelled"
)

// Completion is handed to the trigger exactly once per chapter.
type Completion struct {
	ChapterID string
	Expected  int
	Outcomes  []models.PageOutcome // Terminal outcomes ordered by page number
	Succeeded int
	Failed    int
}

// Degraded reports whether at least one page failed permanently.
func (c Completion) Degraded() bool { return c.Failed > 0 }

// TriggerFunc receives a completed chapter. It runs on the goroutine that
// completed the chapter, outside any tracker lock.
type TriggerFunc func(Completion)

// Stats are tracker wide counters.
type Stats struct {
	Outcomes   atomic.Int64
	Duplicates atomic.Int64
	Triggered  atomic.Int64
}

type chapterProgress struct {
	mu        sync.Mutex
	expected  int
	outcomes  map[int]models.PageOutcome
	terminal  int
	failed    int
	assembled bool
	cancelled bool
	status    models.ChapterStatus // Final status reported after assembly, empty until then
}

// Tracker holds the progress of every chapter in a crawl run.
type Tracker struct {
	mu       sync.RWMutex
	chapters map[string]*chapterProgress

	onComplete TriggerFunc
	log        *slog.Logger
	Stats      Stats
}

// New creates a tracker that calls onComplete once per completed chapter.
func New(onComplete TriggerFunc, log *slog.Logger) *Tracker {
	return &Tracker{
		chapters:   make(map[string]*chapterProgress),
		onComplete: onComplete,
		log:        log,
	}
}

// chapter returns the progress record of chapterID, creating it on first reference.
func (t *Tracker) chapter(chapterID string) *chapterProgress {
	t.mu.RLock()
	c, ok := t.chapters[chapterID]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.chapters[chapterID]; ok {
		return c
	}
	c = &chapterProgress{
		expected: models.UnknownPageCount,
		outcomes: make(map[int]models.PageOutcome),
	}
	t.chapters[chapterID] = c
	return c
}

func (t *Tracker) lookup(chapterID string) (*chapterProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chapters[chapterID]
	return c, ok
}

// Track registers chapterID without changing its state. Discovery calls it so
// chapters that never receive a count or a page still show up in the summary.
func (t *Tracker) Track(chapterID string) {
	t.chapter(chapterID)
}

// RecordExpectedCount sets the number of pages chapterID is expected to have.
// A later count replaces an earlier one and the completion check runs again.
// It reports whether this call triggered assembly.
func (t *Tracker) RecordExpectedCount(chapterID string, count int) bool {
	if count < 0 {
		t.log.Warn("[Tracker] ignoring negative page count",
			slog.String("chapter_id", chapterID),
			slog.Int("count", count),
		)
		return false
	}

	c := t.chapter(chapterID)

	c.mu.Lock()
	previous := c.expected
	c.expected = count
	completion, ok := t.tryComplete(chapterID, c)
	c.mu.Unlock()

	if previous != models.UnknownPageCount && previous != count {
		t.log.Warn("[Tracker] page count changed",
			slog.String("chapter_id", chapterID),
			slog.Int("previous", previous),
			slog.Int("count", count),
		)
	}

	return t.fire(completion, ok)
}

// RecordOutcome stores a terminal page outcome. The first terminal outcome
// for a page number wins; later deliveries for the same page are ignored.
// It reports whether this call triggered assembly.
func (t *Tracker) RecordOutcome(outcome models.PageOutcome) bool {
	if !outcome.Status.Terminal() {
		return false
	}

	c := t.chapter(outcome.ChapterID)

	c.mu.Lock()
	// Cancelled chapters take no more outcomes; released chapters have already been assembled.
	if c.cancelled || c.outcomes == nil {
		c.mu.Unlock()
		return false
	}
	if _, seen := c.outcomes[outcome.PageNumber]; seen {
		c.mu.Unlock()
		t.Stats.Duplicates.Add(1)
		t.log.Debug("[Tracker] duplicate page outcome ignored",
			slog.String("chapter_id", outcome.ChapterID),
			slog.Int("page", outcome.PageNumber),
		)
		return false
	}

	c.outcomes[outcome.PageNumber] = outcome
	c.terminal++
	if outcome.Status == models.PageFailed {
		c.failed++
	}
	t.Stats.Outcomes.Add(1)

	completion, ok := t.tryComplete(outcome.ChapterID, c)
	c.mu.Unlock()

	return t.fire(completion, ok)
}

// ForceFinalize completes a stalled chapter with whatever outcomes it has:
// the expected count becomes the number of terminal outcomes recorded so far.
// Chapters without outcomes, cancelled chapters and already assembled
// chapters are left alone.
func (t *Tracker) ForceFinalize(chapterID string) bool {
	c, ok := t.lookup(chapterID)
	if !ok {
		return false
	}

	c.mu.Lock()
	if c.cancelled || c.assembled || c.terminal == 0 {
		c.mu.Unlock()
		return false
	}
	previous := c.expected
	c.expected = c.terminal
	completion, fired := t.tryComplete(chapterID, c)
	c.mu.Unlock()

	t.log.Warn("[Tracker] chapter force finalized",
		slog.String("chapter_id", chapterID),
		slog.Int("expected", previous),
		slog.Int("terminal", completion.Expected),
	)

	return t.fire(completion, fired)
}

// Cancel stops chapterID from ever triggering assembly. It has no effect on a
// chapter that already triggered or was already cancelled. It reports whether
// this call cancelled the chapter.
func (t *Tracker) Cancel(chapterID string) bool {
	c := t.chapter(chapterID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assembled || c.cancelled {
		return false
	}
	c.cancelled = true
	return true
}

// MarkResult records the final chapter status after assembly and drops the
// page outcomes, which are no longer needed.
func (t *Tracker) MarkResult(chapterID string, status models.ChapterStatus) {
	c, ok := t.lookup(chapterID)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.outcomes = nil
}

// tryComplete is the completion predicate plus the flag flip. Callers hold c.mu.
func (t *Tracker) tryComplete(chapterID string, c *chapterProgress) (Completion, bool) {
	if c.assembled || c.cancelled || c.expected == models.UnknownPageCount {
		return Completion{}, false
	}
	if c.terminal < c.expected {
		return Completion{}, false
	}

	c.assembled = true

	outcomes := make([]models.PageOutcome, 0, len(c.outcomes))
	for _, o := range c.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].PageNumber < outcomes[j].PageNumber
	})

	return Completion{
		ChapterID: chapterID,
		Expected:  c.expected,
		Outcomes:  outcomes,
		Succeeded: c.terminal - c.failed,
		Failed:    c.failed,
	}, true
}

func (t *Tracker) fire(completion Completion, ok bool) bool {
	if !ok {
		return false
	}
	t.Stats.Triggered.Add(1)
	t.log.Info("[Tracker] chapter complete",
		slog.String("chapter_id", completion.ChapterID),
		slog.Int("pages", completion.Expected),
		slog.Int("failed", completion.Failed),
	)
	if t.onComplete != nil {
		t.onComplete(completion)
	}
	return true
}
