package identity

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"mangascraper/models"
)

var (
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9-]+`)
	multiHyphen     = regexp.MustCompile(`-{2,}`)
)

// shortIDLen is how much of an id is appended to a slug to keep directory names unique.
const shortIDLen = 8

// Slug converts an arbitrary Unicode string into a lowercase ASCII slug.
// Accents are stripped ("Bocchi the Rock!" -> "bocchi-the-rock").
func Slug(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn))
	result, _, _ := transform.String(t, s)

	result = strings.ToLower(result)
	result = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '-'
	}, result)

	result = nonAlphanumeric.ReplaceAllString(result, "-")
	result = multiHyphen.ReplaceAllString(result, "-")
	return strings.Trim(result, "-")
}

// EntitySlug builds the directory name of a manga or chapter: the slugged
// display name followed by a short id, or just the id when the name slugs to nothing.
// Two chapters sharing a display name therefore never share a directory.
func EntitySlug(displayName, id string) string {
	short := id
	if len(short) > shortIDLen {
		short = short[:shortIDLen]
	}
	s := Slug(displayName)
	if s == "" {
		return id
	}
	return s + "-" + short
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

// Layout maps entities to paths under the store root:
//
//	<root>/<manga_slug>/<chapter_slug>/<page:03d>.<ext>   intermediate pages
//	<root>/<manga_slug>/<chapter_slug>.<format>           final artifact
type Layout struct {
	Root   string
	Format models.Format
}

// MangaDir is the directory holding every chapter of a manga.
func (l Layout) MangaDir(mangaSlug string) string {
	return filepath.Join(l.Root, mangaSlug)
}

// ChapterDir is the directory holding a chapter's intermediate pages.
func (l Layout) ChapterDir(mangaSlug, chapterSlug string) string {
	return filepath.Join(l.Root, mangaSlug, chapterSlug)
}

// PagePath is the intermediate file of one page. ext is given without the dot.
func (l Layout) PagePath(mangaSlug, chapterSlug string, pageNumber int, ext string) string {
	return filepath.Join(l.ChapterDir(mangaSlug, chapterSlug), PageFileName(pageNumber, ext))
}

// ArtifactPath is the assembled chapter document.
func (l Layout) ArtifactPath(mangaSlug, chapterSlug string) string {
	format := l.Format
	if format == "" {
		format = models.FormatPDF
	}
	return filepath.Join(l.Root, mangaSlug, chapterSlug+"."+string(format))
}

// PageFileName zero-pads the page number to at least three digits.
func PageFileName(pageNumber int, ext string) string {
	return fmt.Sprintf("%03d.%s", pageNumber, strings.TrimPrefix(ext, "."))
}
