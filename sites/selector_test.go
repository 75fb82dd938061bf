package sites

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangascraper/config"
	"mangascraper/identity"
	"mangascraper/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const mangaHTML = `<html><head>
<meta property="og:title" content="  Solo   Leveling ">
<title>Solo Leveling - Read Online</title>
</head><body>
<ul>
	<li class="ch"><a href="/manga/solo-leveling/chapter-2"><span class="n">Chapter 2</span> <i>new</i></a></li>
	<li class="ch"><a href="/manga/solo-leveling/chapter-1.5?utm_source=x#top"><span class="n">Chapter 1.5</span></a></li>
	<li class="ch"><a href="/manga/solo-leveling/chapter-2"><span class="n">Chapter 2</span></a></li>
	<li class="ch"><a href="/manga/solo-leveling/extra-7"><span class="n">Side story</span></a></li>
</ul>
</body></html>`

const chapterHTML = `<html><body><section>
<img class="p" data-src="/img/1.png">
<img class="p" src="data:image/gif;base64,R0lGOD" data-src="img/2.png">
<img class="p" src="/img/1.png">
<img class="p">
</section></body></html>`

const searchHTML = `<html><body>
<div class="result"><a href="/manga/solo-leveling?ref=home"><span class="t">Solo Leveling</span></a></div>
<div class="result"><a href="/manga/solo-leveling"><span class="t">Solo Leveling</span></a></div>
<div class="result"><a href="/manga/omniscient-reader"><span class="t">Omniscient Reader</span></a></div>
</body></html>`

func testSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.FormValue("text") != "solo" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodGet && r.URL.Query().Get("q") != "solo leveling" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, searchHTML)
	})
	mux.HandleFunc("/manga/solo-leveling", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mangaHTML)
	})
	mux.HandleFunc("/manga/solo-leveling/chapter-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chapterHTML)
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<html><title>Just a moment...</title><form id="challenge-form"></form></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSite(base string) config.Site {
	return config.Site{
		Name:    "testsite",
		BaseURL: base,
		Search: config.SearchRule{
			URL:           base + "/search?q={query}",
			ItemSelector:  "div.result a",
			TitleSelector: "span.t",
		},
		Chapters: config.ChapterRule{ItemSelector: "li.ch a", NameSelector: "span.n"},
		Pages:    config.PageRule{ItemSelector: "section img", Attributes: []string{"data-src", "src"}, SendReferer: true},
	}
}

func newTestSite(t *testing.T, site config.Site, renderer Renderer) *SelectorSite {
	t.Helper()
	s, err := NewSelectorSite(site, renderer, "", 5*time.Second, discardLogger())
	require.NoError(t, err)
	return s
}

func TestSelectorSite_Search(t *testing.T) {
	srv := testSiteServer(t)
	s := newTestSite(t, testSite(srv.URL), nil)

	found, err := s.Search(context.Background(), "solo leveling")
	require.NoError(t, err)
	require.Len(t, found, 2, "tracking parameters do not create duplicates")

	assert.Equal(t, "Solo Leveling", found[0].DisplayName)
	assert.Equal(t, srv.URL+"/manga/solo-leveling", found[0].SourceURL)
	assert.Equal(t, identity.MustDeriveID(srv.URL+"/manga/solo-leveling"), found[0].MangaID)
	assert.Equal(t, "Omniscient Reader", found[1].DisplayName)
}

func TestSelectorSite_SearchPost(t *testing.T) {
	srv := testSiteServer(t)
	site := testSite(srv.URL)
	site.Search.URL = srv.URL + "/search"
	site.Search.Method = "POST"
	site.Search.FormField = "text"
	s := newTestSite(t, site, nil)

	found, err := s.Search(context.Background(), "solo")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestSelectorSite_SearchUnsupported(t *testing.T) {
	site := testSite("https://example.com")
	site.Search = config.SearchRule{}
	s := newTestSite(t, site, nil)

	_, err := s.Search(context.Background(), "x")
	assert.ErrorIs(t, err, ErrSearchUnsupported)
}

func TestSelectorSite_MangaAndChapters(t *testing.T) {
	srv := testSiteServer(t)
	s := newTestSite(t, testSite(srv.URL), nil)
	ctx := context.Background()

	manga, err := s.Manga(ctx, "/manga/solo-leveling")
	require.NoError(t, err)
	assert.Equal(t, "Solo Leveling", manga.DisplayName)
	assert.Equal(t, srv.URL+"/manga/solo-leveling", manga.SourceURL)

	chapters, err := s.Chapters(ctx, manga)
	require.NoError(t, err)
	require.Len(t, chapters, 3)

	assert.Equal(t, "Chapter 2", chapters[0].Name)
	assert.Equal(t, 2.0, chapters[0].Number)
	assert.Equal(t, manga.MangaID, chapters[0].MangaID)
	assert.Equal(t, srv.URL+"/manga/solo-leveling/chapter-1.5", chapters[1].URL, "query and fragment are normalized away")
	assert.Equal(t, 1.5, chapters[1].Number)
	assert.Equal(t, 7.0, chapters[2].Number, "number falls back to the url")
}

func TestSelectorSite_Pages(t *testing.T) {
	srv := testSiteServer(t)
	s := newTestSite(t, testSite(srv.URL), nil)
	chapterURL := srv.URL + "/manga/solo-leveling/chapter-2"

	pages, err := s.Pages(context.Background(), Chapter{ID: "c2", URL: chapterURL})
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, Page{Number: 1, URL: srv.URL + "/img/1.png", Referer: chapterURL}, pages[0])
	assert.Equal(t, Page{Number: 2, URL: srv.URL + "/manga/solo-leveling/img/2.png", Referer: chapterURL}, pages[1])
}

func TestSelectorSite_BlockedPage(t *testing.T) {
	srv := testSiteServer(t)
	s := newTestSite(t, testSite(srv.URL), nil)

	_, err := s.Manga(context.Background(), srv.URL+"/blocked")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestSelectorSite_HTTPError(t *testing.T) {
	srv := testSiteServer(t)
	s := newTestSite(t, testSite(srv.URL), nil)

	_, err := s.Pages(context.Background(), Chapter{URL: srv.URL + "/missing"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBlocked)
}

type fakeRenderer struct {
	html   string
	err    error
	called []string
}

func (f *fakeRenderer) RenderHTML(_ context.Context, pageURL, waitSelector string, _ map[string]string) (string, error) {
	f.called = append(f.called, pageURL+"|"+waitSelector)
	return f.html, f.err
}

func TestSelectorSite_BrowserRenderedPages(t *testing.T) {
	site := testSite("https://example.com")
	site.Pages.Render = config.RenderBrowser
	site.Pages.WaitSelector = "section img"
	renderer := &fakeRenderer{html: chapterHTML}
	s := newTestSite(t, site, renderer)

	pages, err := s.Pages(context.Background(), Chapter{URL: "https://example.com/manga/x/chapter-2"})
	require.NoError(t, err)
	assert.Len(t, pages, 2)
	assert.Equal(t, []string{"https://example.com/manga/x/chapter-2|section img"}, renderer.called)

	renderer.err = &BlockInfo{URL: "https://example.com", Indicators: []string{"challenge form"}}
	_, err = s.Pages(context.Background(), Chapter{URL: "https://example.com/manga/x/chapter-2"})
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestNewSelectorSite_BrowserRequired(t *testing.T) {
	site := testSite("https://example.com")
	site.Chapters.Render = config.RenderBrowser
	_, err := NewSelectorSite(site, nil, "", time.Second, discardLogger())
	assert.Error(t, err)
}

func TestExpandTemplate(t *testing.T) {
	got, err := expandTemplate("https://weebcentral.com/series/{segment:1}/full-chapter-list", "https://weebcentral.com/series/01J76XY/Solo-Leveling")
	require.NoError(t, err)
	assert.Equal(t, "https://weebcentral.com/series/01J76XY/full-chapter-list", got)

	got, err = expandTemplate("{manga_url}/chapters", "https://example.com/manga/x/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/manga/x/chapters", got)

	_, err = expandTemplate("{segment:5}", "https://example.com/manga/x")
	assert.ErrorIs(t, err, models.ErrInvalidURL)
}

func TestBuildRegistry(t *testing.T) {
	a := testSite("https://a.example")
	a.Name = "alpha"
	b := testSite("https://b.example")
	b.Name = "beta"

	reg, err := BuildRegistry([]config.Site{b, a}, nil, "", time.Second, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())

	adapter, err := reg.Get(" Alpha ")
	require.NoError(t, err)
	assert.Equal(t, "alpha", adapter.Name())

	_, err = reg.Get("gamma")
	assert.ErrorIs(t, err, ErrUnknownSite)

	_, err = BuildRegistry([]config.Site{a, a}, nil, "", time.Second, discardLogger())
	assert.Error(t, err)

	assert.False(t, NeedsBrowser([]config.Site{a}))
	a.Pages.Render = config.RenderBrowser
	assert.True(t, NeedsBrowser([]config.Site{a, b}))
}
