package tracker

import (
	"sort"

	"mangascraper/models"
)

// ChapterSnapshot is a point-in-time copy of one chapter's progress.
type ChapterSnapshot struct {
	ChapterID string               `json:"chapter_id"`
	Phase     Phase                `json:"phase"`
	Expected  int                  `json:"expected_page_count"`
	Terminal  int                  `json:"terminal_count"`
	Failed    int                  `json:"failed_count"`
	Degraded  bool                 `json:"degraded"`
	Status    models.ChapterStatus `json:"status,omitempty"`
}

// Summary is the run-level outcome: how many chapters ended in each state.
// Incomplete counts chapters whose page count never arrived, whose pages never
// all terminated, or whose assembly had not reported back.
type Summary struct {
	Completed  int               `json:"completed"`
	Degraded   int               `json:"completed_degraded"`
	Failed     int               `json:"failed"`
	Incomplete int               `json:"incomplete"`
	Cancelled  int               `json:"cancelled"`
	Chapters   []ChapterSnapshot `json:"chapters,omitempty"`
}

// Total is the number of chapters the run touched.
func (s Summary) Total() int {
	return s.Completed + s.Degraded + s.Failed + s.Incomplete + s.Cancelled
}

// Snapshot returns the progress of every known chapter ordered by chapter id.
func (t *Tracker) Snapshot() []ChapterSnapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.chapters))
	records := make(map[string]*chapterProgress, len(t.chapters))
	for id, c := range t.chapters {
		ids = append(ids, id)
		records[id] = c
	}
	t.mu.RUnlock()

	sort.Strings(ids)

	out := make([]ChapterSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, records[id].snapshot(id))
	}
	return out
}

// Chapter returns the snapshot of a single chapter.
func (t *Tracker) Chapter(chapterID string) (ChapterSnapshot, bool) {
	c, ok := t.lookup(chapterID)
	if !ok {
		return ChapterSnapshot{}, false
	}
	return c.snapshot(chapterID), true
}

// Summary tallies every chapter by its final state.
func (t *Tracker) Summary() Summary {
	var s Summary
	s.Chapters = t.Snapshot()

	for _, c := range s.Chapters {
		switch {
		case c.Phase == PhaseCancelled:
			s.Cancelled++
		case c.Status == models.ChapterCompleted:
			s.Completed++
		case c.Status == models.ChapterCompletedDegraded:
			s.Degraded++
		case c.Status == models.ChapterFailed:
			s.Failed++
		default:
			s.Incomplete++
		}
	}
	return s
}

func (c *chapterProgress) snapshot(chapterID string) ChapterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase := PhaseCounting
	switch {
	case c.cancelled:
		phase = PhaseCancelled
	case c.assembled:
		phase = PhaseAssembled
	case c.expected == models.UnknownPageCount:
		phase = PhaseUnknownCount
	}

	return ChapterSnapshot{
		ChapterID: chapterID,
		Phase:     phase,
		Expected:  c.expected,
		Terminal:  c.terminal,
		Failed:    c.failed,
		Degraded:  c.failed > 0,
		Status:    c.status,
	}
}
