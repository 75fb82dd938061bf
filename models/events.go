package models

// Event is a crawl event produced by discovery or by the fetch pool.
// The set of variants is closed: only types in this package implement it.
type Event interface {
	event()
	// Chapter returns the chapter the event belongs to, or "" for manga-level events.
	Chapter() string
}

// MangaDiscovered announces a manga found by search or by a direct manga URL.
type MangaDiscovered struct {
	Manga   MangaRef
	Keyword string // Search keyword that produced the manga, empty for direct crawls
}

// ChapterDiscovered announces a chapter of an already discovered manga.
type ChapterDiscovered struct {
	MangaID     string
	ChapterID   string
	DisplayName string
	SourceURL   string
	OrderingKey float64
}

// ChapterPageCountKnown carries the number of pages a chapter is expected to have.
type ChapterPageCountKnown struct {
	ChapterID string
	Count     int
}

// PageDiscovered asks for one page image to be fetched.
type PageDiscovered struct {
	MangaID    string
	ChapterID  string
	PageNumber int
	URL        string
	Referer    string // Optional Referer header some hosts require for images
}

// PageFetched carries a terminal fetch outcome back to the progress tracker.
type PageFetched struct {
	Outcome PageOutcome
}

func (MangaDiscovered) event()       {}
func (ChapterDiscovered) event()     {}
func (ChapterPageCountKnown) event() {}
func (PageDiscovered) event()        {}
func (PageFetched) event()           {}

func (MangaDiscovered) Chapter() string         { return "" }
func (e ChapterDiscovered) Chapter() string     { return e.ChapterID }
func (e ChapterPageCountKnown) Chapter() string { return e.ChapterID }
func (e PageDiscovered) Chapter() string        { return e.ChapterID }
func (e PageFetched) Chapter() string           { return e.Outcome.ChapterID }
