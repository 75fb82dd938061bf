package models

// UnknownPageCount is the expected page count of a chapter whose page list has not been counted yet.
const UnknownPageCount = -1

// MangaRef identifies one manga discovered during a crawl run.
// It is immutable once discovered.
type MangaRef struct {
	MangaID     string `json:"manga_id"`     // Stable hash of the normalized manga URL (or a site slug)
	DisplayName string `json:"display_name"` // Title as shown by the site
	SourceURL   string `json:"source_url"`   // Normalized manga URL
}

// ChapterRef identifies one chapter of a manga.
// ExpectedPageCount stays UnknownPageCount until a page count event arrives.
type ChapterRef struct {
	ChapterID         string  `json:"chapter_id"`
	MangaID           string  `json:"manga_id"`
	DisplayName       string  `json:"display_name"`
	SourceURL         string  `json:"source_url"`
	OrderingKey       float64 `json:"ordering_key"` // Numeric chapter number used for natural sort (e.g. 12.5)
	ExpectedPageCount int     `json:"expected_page_count"`
}

// PageStatus is the fetch state of a single page.
type PageStatus int

const (
	PagePending PageStatus = iota
	PageSuccess
	PageFailed
)

func (s PageStatus) String() string {
	switch s {
	case PagePending:
		return "pending"
	case PageSuccess:
		return "completed"
	case PageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status will never change again.
func (s PageStatus) Terminal() bool {
	return s == PageSuccess || s == PageFailed
}

// PageOutcome is the result of fetching one page.
// It is created Pending and moved to a terminal state exactly once.
type PageOutcome struct {
	ChapterID  string     `json:"chapter_id"`
	PageNumber int        `json:"page_number"` // 1-based
	URL        string     `json:"url"`
	Status     PageStatus `json:"status"`
	LocalPath  string     `json:"local_path,omitempty"` // Set only on Success
	RetryCount int        `json:"retry_count"`
	Err        error      `json:"-"` // Set only on Failed
}

// ChapterStatus is the status reported to the storage gateway for a chapter.
type ChapterStatus string

const (
	ChapterPending           ChapterStatus = "pending"
	ChapterDownloading       ChapterStatus = "downloading"
	ChapterCompleted         ChapterStatus = "completed"
	ChapterFailed            ChapterStatus = "failed"
	ChapterCompletedDegraded ChapterStatus = "completed_degraded"
)

// Terminal reports whether the status is a final assembly result.
func (s ChapterStatus) Terminal() bool {
	return s == ChapterCompleted || s == ChapterFailed || s == ChapterCompletedDegraded
}

// Format is the output artifact format of an assembled chapter.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatCBZ Format = "cbz"
)

// Valid reports whether f is a supported artifact format.
func (f Format) Valid() bool {
	return f == FormatPDF || f == FormatCBZ
}
