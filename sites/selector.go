package sites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"mangascraper/config"
	"mangascraper/downloader"
	"mangascraper/identity"
	"mangascraper/models"
)

// SelectorSite is a SiteAdapter driven by the CSS selector rules of a
// config.Site. Listing pages are fetched with colly, or rendered in the
// browser when the rule asks for it, and parsed with goquery.
type SelectorSite struct {
	site      config.Site
	renderer  Renderer
	userAgent string
	timeout   time.Duration
	log       *slog.Logger
}

// NewSelectorSite builds the adapter of site. renderer may be nil when no rule
// of the site renders in the browser.
func NewSelectorSite(site config.Site, renderer Renderer, userAgent string, timeout time.Duration, log *slog.Logger) (*SelectorSite, error) {
	needsBrowser := site.Chapters.Render == config.RenderBrowser || site.Pages.Render == config.RenderBrowser
	if needsBrowser && renderer == nil {
		return nil, fmt.Errorf("site %s renders in the browser but no browser is available", site.Name)
	}
	if userAgent == "" {
		userAgent = downloader.DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SelectorSite{
		site:      site,
		renderer:  renderer,
		userAgent: userAgent,
		timeout:   timeout,
		log:       log.With(slog.String("site", site.Name)),
	}, nil
}

func (s *SelectorSite) Name() string { return s.site.Name }

func (s *SelectorSite) Search(ctx context.Context, keyword string) ([]models.MangaRef, error) {
	rule := s.site.Search
	if !s.site.CanSearch() {
		return nil, fmt.Errorf("%w: %s", ErrSearchUnsupported, s.site.Name)
	}

	req := listing{url: strings.ReplaceAll(rule.URL, "{query}", url.QueryEscape(keyword))}
	if strings.EqualFold(rule.Method, "POST") {
		req.form = map[string]string{rule.FormField: keyword}
	}
	doc, err := s.load(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	var results []models.MangaRef
	seen := make(map[string]bool)
	doc.Find(rule.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		href := linkOf(item)
		mangaURL, err := identity.NormalizeURL(req.url, href)
		if err != nil {
			s.log.Debug("[Sites] search result without usable link", slog.String("href", href))
			return
		}
		id, err := identity.DeriveID(mangaURL)
		if err != nil || seen[id] {
			return
		}
		seen[id] = true

		title := cleanText(item.Text())
		if rule.TitleSelector != "" {
			title = cleanText(item.Find(rule.TitleSelector).First().Text())
		}
		results = append(results, models.MangaRef{MangaID: id, DisplayName: title, SourceURL: mangaURL})
	})

	s.log.Info("[Sites] search finished", slog.String("keyword", keyword), slog.Int("results", len(results)))
	return results, nil
}

func (s *SelectorSite) Manga(ctx context.Context, mangaURL string) (models.MangaRef, error) {
	normalized, err := identity.NormalizeURL(s.site.BaseURL, mangaURL)
	if err != nil {
		return models.MangaRef{}, err
	}
	id, err := identity.DeriveID(normalized)
	if err != nil {
		return models.MangaRef{}, err
	}

	doc, err := s.load(ctx, listing{url: normalized})
	if err != nil {
		return models.MangaRef{}, fmt.Errorf("load manga page: %w", err)
	}
	return models.MangaRef{MangaID: id, DisplayName: pageTitle(doc), SourceURL: normalized}, nil
}

func (s *SelectorSite) Chapters(ctx context.Context, manga models.MangaRef) ([]Chapter, error) {
	rule := s.site.Chapters

	listURL := manga.SourceURL
	if rule.ListURL != "" {
		expanded, err := expandTemplate(rule.ListURL, manga.SourceURL)
		if err != nil {
			return nil, err
		}
		listURL = expanded
	}

	doc, err := s.load(ctx, listing{url: listURL, render: rule.Render, wait: rule.WaitSelector})
	if err != nil {
		return nil, fmt.Errorf("load chapter list: %w", err)
	}

	var chapters []Chapter
	seen := make(map[string]bool)
	doc.Find(rule.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		chapterURL, err := identity.NormalizeURL(listURL, linkOf(item))
		if err != nil {
			return
		}
		id, err := identity.DeriveID(chapterURL)
		if err != nil || seen[id] {
			return
		}
		seen[id] = true

		name := cleanText(item.Text())
		if rule.NameSelector != "" {
			name = cleanText(item.Find(rule.NameSelector).First().Text())
		}
		number := identity.OrderingKey(name)
		if number == 0 {
			number = identity.OrderingKey(lastSegment(chapterURL))
		}
		chapters = append(chapters, Chapter{ID: id, MangaID: manga.MangaID, Name: name, URL: chapterURL, Number: number})
	})

	s.log.Debug("[Sites] chapters listed", slog.String("manga_id", manga.MangaID), slog.Int("chapters", len(chapters)))
	return chapters, nil
}

func (s *SelectorSite) Pages(ctx context.Context, chapter Chapter) ([]Page, error) {
	rule := s.site.Pages

	doc, err := s.load(ctx, listing{url: chapter.URL, render: rule.Render, wait: rule.WaitSelector})
	if err != nil {
		return nil, fmt.Errorf("load chapter page: %w", err)
	}

	referer := ""
	if rule.SendReferer {
		referer = chapter.URL
	}

	var pages []Page
	seen := make(map[string]bool)
	doc.Find(rule.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		src := ""
		for _, attr := range rule.Attributes {
			if v := strings.TrimSpace(item.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
				src = v
				break
			}
		}
		if src == "" {
			return
		}
		// Unresolvable sources are kept as-is: the fetch fails them and the page count stays honest.
		pageURL, err := identity.NormalizeURL(chapter.URL, src)
		if err != nil {
			pageURL = src
		}
		if seen[pageURL] {
			return
		}
		seen[pageURL] = true
		pages = append(pages, Page{Number: len(pages) + 1, URL: pageURL, Referer: referer})
	})

	return pages, nil
}

type listing struct {
	url    string
	form   map[string]string // POST body; nil for GET
	render string
	wait   string
}

// load fetches and parses one listing page.
func (s *SelectorSite) load(ctx context.Context, req listing) (*goquery.Document, error) {
	if req.render == config.RenderBrowser {
		html, err := s.renderer.RenderHTML(ctx, req.url, req.wait, map[string]string{"Referer": s.site.BaseURL})
		if err != nil {
			return nil, err
		}
		return goquery.NewDocumentFromReader(strings.NewReader(html))
	}

	body, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.url, err)
	}
	return doc, nil
}

func (s *SelectorSite) fetch(ctx context.Context, req listing) ([]byte, error) {
	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", s.site.BaseURL)
		s.log.Debug("[Sites] fetching listing", slog.String("url", r.URL.String()))
	})
	c.OnResponse(func(r *colly.Response) {
		body, status = r.Body, r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		body, status, fetchErr = r.Body, r.StatusCode, err
	})

	var err error
	if req.form != nil {
		err = c.Post(req.url, req.form)
	} else {
		err = c.Visit(req.url)
	}

	if block := DetectBlockPage(req.url, status, body); block != nil {
		s.log.Warn("[Sites] challenge page detected",
			slog.String("url", req.url),
			slog.Any("indicators", block.Indicators),
		)
		return nil, block
	}
	if fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("fetch %s (status %d): %w", req.url, status, fetchErr)
	}
	if len(body) == 0 {
		return nil, errors.New("fetch " + req.url + ": empty body")
	}
	return body, nil
}

// linkOf returns the href of item, or of the first link inside it.
func linkOf(item *goquery.Selection) string {
	if href, ok := item.Attr("href"); ok {
		return href
	}
	return item.Find("a[href]").First().AttrOr("href", "")
}

func pageTitle(doc *goquery.Document) string {
	if t := cleanText(doc.Find(`meta[property="og:title"]`).AttrOr("content", "")); t != "" {
		return t
	}
	if t := cleanText(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return cleanText(doc.Find("title").First().Text())
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func lastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

var segmentPlaceholder = regexp.MustCompile(`\{segment:(\d+)\}`)

// expandTemplate fills {manga_url} and {segment:N} (0-based path segment of
// the manga URL) in tmpl.
func expandTemplate(tmpl, mangaURL string) (string, error) {
	u, err := url.Parse(mangaURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidURL, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	var missing error
	out := segmentPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		n, _ := strconv.Atoi(segmentPlaceholder.FindStringSubmatch(m)[1])
		if n >= len(segments) || segments[n] == "" {
			missing = fmt.Errorf("%w: %s has no path segment %d", models.ErrInvalidURL, mangaURL, n)
			return ""
		}
		return segments[n]
	})
	if missing != nil {
		return "", missing
	}
	return strings.ReplaceAll(out, "{manga_url}", strings.TrimSuffix(mangaURL, "/")), nil
}
