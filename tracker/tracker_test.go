package tracker

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangascraper/models"
)

type triggers struct {
	mu    sync.Mutex
	calls []Completion
}

func (r *triggers) record(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *triggers) all() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.calls...)
}

func newTracker() (*Tracker, *triggers) {
	r := &triggers{}
	return New(r.record, slog.New(slog.NewTextHandler(io.Discard, nil))), r
}

func success(chapterID string, page int) models.PageOutcome {
	return models.PageOutcome{
		ChapterID:  chapterID,
		PageNumber: page,
		Status:     models.PageSuccess,
		LocalPath:  "/tmp/page",
	}
}

func failure(chapterID string, page int) models.PageOutcome {
	return models.PageOutcome{
		ChapterID:  chapterID,
		PageNumber: page,
		Status:     models.PageFailed,
		Err:        errors.New("gone"),
	}
}

func pageNumbers(outcomes []models.PageOutcome) []int {
	out := make([]int, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.PageNumber)
	}
	return out
}

func TestTracker_EndToEndOrdering(t *testing.T) {
	tr, r := newTracker()

	tr.Track("c1")
	assert.False(t, tr.RecordExpectedCount("c1", 3))
	assert.False(t, tr.RecordOutcome(success("c1", 2)))
	assert.False(t, tr.RecordOutcome(success("c1", 1)))
	assert.True(t, tr.RecordOutcome(success("c1", 3)))

	calls := r.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ChapterID)
	assert.Equal(t, []int{1, 2, 3}, pageNumbers(calls[0].Outcomes))
	assert.False(t, calls[0].Degraded())

	snap, ok := tr.Chapter("c1")
	require.True(t, ok)
	assert.Equal(t, PhaseAssembled, snap.Phase)
	assert.Equal(t, 3, snap.Terminal)
}

func TestTracker_AtMostOnceUnderConcurrency(t *testing.T) {
	for round := 0; round < 50; round++ {
		tr, r := newTracker()
		const pages = 40

		var wg sync.WaitGroup
		start := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tr.RecordExpectedCount("c1", pages)
		}()

		for p := 1; p <= pages; p++ {
			wg.Add(2)
			go func(p int) {
				defer wg.Done()
				<-start
				tr.RecordOutcome(success("c1", p))
			}(p)
			// Duplicate delivery of every page races with the first one.
			go func(p int) {
				defer wg.Done()
				<-start
				tr.RecordOutcome(success("c1", p))
			}(p)
		}

		close(start)
		wg.Wait()

		calls := r.all()
		require.Len(t, calls, 1, "round %d", round)
		assert.Len(t, calls[0].Outcomes, pages)
		assert.EqualValues(t, pages, tr.Stats.Outcomes.Load())
		assert.EqualValues(t, pages, tr.Stats.Duplicates.Load())
	}
}

func TestTracker_OrderIndependence(t *testing.T) {
	perm := rand.New(rand.NewSource(7)).Perm(12)

	countFirst, r1 := newTracker()
	countFirst.RecordExpectedCount("c1", 12)
	for _, i := range perm {
		countFirst.RecordOutcome(success("c1", i+1))
	}

	countLast, r2 := newTracker()
	for _, i := range perm {
		countLast.RecordOutcome(success("c1", i+1))
	}
	assert.Empty(t, r2.all(), "no trigger before the count is known")
	countLast.RecordExpectedCount("c1", 12)

	first, last := r1.all(), r2.all()
	require.Len(t, first, 1)
	require.Len(t, last, 1)
	assert.Equal(t, pageNumbers(first[0].Outcomes), pageNumbers(last[0].Outcomes))

	a, _ := countFirst.Chapter("c1")
	b, _ := countLast.Chapter("c1")
	assert.Equal(t, a, b)
}

func TestTracker_IdempotentOutcome(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 2)

	tr.RecordOutcome(success("c1", 1))
	tr.RecordOutcome(success("c1", 1))
	tr.RecordOutcome(failure("c1", 1))

	snap, _ := tr.Chapter("c1")
	assert.Equal(t, 1, snap.Terminal)
	assert.Equal(t, 0, snap.Failed, "first terminal write wins")
	assert.Empty(t, r.all())

	tr.RecordOutcome(success("c1", 2))
	require.Len(t, r.all(), 1)
}

func TestTracker_PendingOutcomeIgnored(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 1)

	assert.False(t, tr.RecordOutcome(models.PageOutcome{ChapterID: "c1", PageNumber: 1, Status: models.PagePending}))
	snap, _ := tr.Chapter("c1")
	assert.Equal(t, 0, snap.Terminal)
	assert.Empty(t, r.all())
}

func TestTracker_DegradedCompletion(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 5)
	for p := 1; p <= 4; p++ {
		tr.RecordOutcome(success("c1", p))
	}
	tr.RecordOutcome(failure("c1", 5))

	calls := r.all()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Degraded())
	assert.Equal(t, 4, calls[0].Succeeded)
	assert.Equal(t, 1, calls[0].Failed)

	snap, _ := tr.Chapter("c1")
	assert.True(t, snap.Degraded)
}

func TestTracker_AllFailedStillCompletes(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 3)
	for p := 1; p <= 3; p++ {
		tr.RecordOutcome(failure("c1", p))
	}

	calls := r.all()
	require.Len(t, calls, 1)
	assert.Equal(t, 0, calls[0].Succeeded)
	assert.Equal(t, 3, calls[0].Failed)
}

func TestTracker_CountChanges(t *testing.T) {
	t.Run("raised_count_waits_for_more_pages", func(t *testing.T) {
		tr, r := newTracker()
		tr.RecordExpectedCount("c1", 3)
		tr.RecordOutcome(success("c1", 1))
		tr.RecordOutcome(success("c1", 2))
		tr.RecordExpectedCount("c1", 4)
		tr.RecordOutcome(success("c1", 3))
		assert.Empty(t, r.all())

		tr.RecordOutcome(success("c1", 4))
		require.Len(t, r.all(), 1)
		assert.Equal(t, 4, r.all()[0].Expected)
	})

	t.Run("lowered_count_completes_immediately", func(t *testing.T) {
		tr, r := newTracker()
		tr.RecordExpectedCount("c1", 5)
		tr.RecordOutcome(success("c1", 1))
		tr.RecordOutcome(success("c1", 2))
		tr.RecordOutcome(success("c1", 3))

		assert.True(t, tr.RecordExpectedCount("c1", 2))
		calls := r.all()
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Outcomes, 3)
	})

	t.Run("zero_count_completes_empty", func(t *testing.T) {
		tr, r := newTracker()
		assert.True(t, tr.RecordExpectedCount("c1", 0))
		calls := r.all()
		require.Len(t, calls, 1)
		assert.Empty(t, calls[0].Outcomes)
	})

	t.Run("negative_count_ignored", func(t *testing.T) {
		tr, r := newTracker()
		assert.False(t, tr.RecordExpectedCount("c1", -5))
		_, ok := tr.Chapter("c1")
		assert.False(t, ok)
		assert.Empty(t, r.all())
	})
}

func TestTracker_PageBeyondExpectedIsRecorded(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 2)
	tr.RecordOutcome(success("c1", 9))
	tr.RecordOutcome(success("c1", 1))

	calls := r.all()
	require.Len(t, calls, 1)
	assert.Equal(t, []int{1, 9}, pageNumbers(calls[0].Outcomes))
}

func TestTracker_CancelPreventsAssembly(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 2)
	tr.RecordOutcome(success("c1", 1))

	assert.True(t, tr.Cancel("c1"))
	assert.False(t, tr.Cancel("c1"), "cancelling twice is a no-op")
	assert.False(t, tr.RecordOutcome(success("c1", 2)))
	assert.False(t, tr.ForceFinalize("c1"))
	assert.False(t, tr.RecordExpectedCount("c1", 1))
	assert.Empty(t, r.all())

	snap, _ := tr.Chapter("c1")
	assert.Equal(t, PhaseCancelled, snap.Phase)
}

func TestTracker_CancelAfterTriggerHasNoEffect(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 1)
	tr.RecordOutcome(success("c1", 1))

	assert.False(t, tr.Cancel("c1"))
	require.Len(t, r.all(), 1)
	snap, _ := tr.Chapter("c1")
	assert.Equal(t, PhaseAssembled, snap.Phase)
}

func TestTracker_ForceFinalize(t *testing.T) {
	tr, r := newTracker()

	assert.False(t, tr.ForceFinalize("missing"))

	tr.RecordExpectedCount("c1", 10)
	assert.False(t, tr.ForceFinalize("c1"), "nothing to finalize without outcomes")

	tr.RecordOutcome(success("c1", 1))
	tr.RecordOutcome(failure("c1", 2))
	assert.True(t, tr.ForceFinalize("c1"))
	assert.False(t, tr.ForceFinalize("c1"))

	calls := r.all()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].Expected)
	assert.True(t, calls[0].Degraded())
}

func TestTracker_OutcomeAfterReleaseIgnored(t *testing.T) {
	tr, r := newTracker()
	tr.RecordExpectedCount("c1", 1)
	tr.RecordOutcome(success("c1", 1))
	tr.MarkResult("c1", models.ChapterCompleted)

	assert.False(t, tr.RecordOutcome(success("c1", 2)))
	assert.Len(t, r.all(), 1)

	snap, _ := tr.Chapter("c1")
	assert.Equal(t, models.ChapterCompleted, snap.Status)
}

func TestTracker_Summary(t *testing.T) {
	tr, _ := newTracker()

	tr.RecordExpectedCount("done", 1)
	tr.RecordOutcome(success("done", 1))
	tr.MarkResult("done", models.ChapterCompleted)

	tr.RecordExpectedCount("partial", 2)
	tr.RecordOutcome(success("partial", 1))
	tr.RecordOutcome(failure("partial", 2))
	tr.MarkResult("partial", models.ChapterCompletedDegraded)

	tr.RecordExpectedCount("broken", 1)
	tr.RecordOutcome(failure("broken", 1))
	tr.MarkResult("broken", models.ChapterFailed)

	tr.Track("no-count")
	tr.RecordOutcome(success("no-count", 1))

	tr.RecordExpectedCount("stalled", 3)

	tr.Track("stopped")
	tr.Cancel("stopped")

	s := tr.Summary()
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Degraded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Incomplete)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 6, s.Total())

	ids := make([]string, 0, len(s.Chapters))
	for _, c := range s.Chapters {
		ids = append(ids, c.ChapterID)
	}
	assert.Equal(t, []string{"broken", "done", "no-count", "partial", "stalled", "stopped"}, ids)
}

func TestTracker_IndependentChapters(t *testing.T) {
	tr, r := newTracker()
	const chapters = 30

	var wg sync.WaitGroup
	var fired atomic.Int32
	for c := 0; c < chapters; c++ {
		id := string(rune('A' + c))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 3; p >= 1; p-- {
				if tr.RecordOutcome(success(id, p)) {
					fired.Add(1)
				}
			}
			if tr.RecordExpectedCount(id, 3) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, chapters, fired.Load())
	assert.Len(t, r.all(), chapters)
}
