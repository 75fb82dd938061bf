// Package sites turns manga sites into crawl events. Each site is a SiteAdapter;
// a Discovery walks an adapter according to the crawl mode and emits the
// events the crawl engine consumes.
package sites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mangascraper/models"
)

// ErrUnknownSite is returned for site names missing from the registry.
var ErrUnknownSite = errors.New("unknown site")

// ErrSearchUnsupported is returned by adapters without search rules.
var ErrSearchUnsupported = errors.New("site does not support search")

// Chapter is one entry of a manga's chapter list.
type Chapter struct {
	ID      string
	MangaID string
	Name    string
	URL     string
	Number  float64
}

// Page is one page image of a chapter.
type Page struct {
	Number  int
	URL     string
	Referer string
}

// SiteAdapter is the capability set the discovery layer needs from a site.
type SiteAdapter interface {
	Name() string
	// Search returns the manga matching keyword.
	Search(ctx context.Context, keyword string) ([]models.MangaRef, error)
	// Manga resolves a manga URL to its reference.
	Manga(ctx context.Context, mangaURL string) (models.MangaRef, error)
	// Chapters lists the chapters of manga.
	Chapters(ctx context.Context, manga models.MangaRef) ([]Chapter, error)
	// Pages lists the page images of chapter, numbered from 1.
	Pages(ctx context.Context, chapter Chapter) ([]Page, error)
}

// Registry maps site names to adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[string]SiteAdapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...SiteAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]SiteAdapter, len(adapters))}
	for _, a := range adapters {
		name := strings.ToLower(a.Name())
		if _, dup := r.adapters[name]; dup {
			return nil, fmt.Errorf("site %s registered twice", name)
		}
		r.adapters[name] = a
	}
	return r, nil
}

// Get returns the adapter registered as name.
func (r *Registry) Get(name string) (SiteAdapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}
	return a, nil
}

// Names lists the registered sites in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
