package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Render modes of a listing page.
const (
	RenderHTTP    = "http"
	RenderBrowser = "browser"
)

// SitesFile is the layout of sites.json.
type SitesFile struct {
	Sites []Site `json:"sites"`
}

// Site holds the selector rules of one manga site.
type Site struct {
	Name     string      `json:"name"`
	BaseURL  string      `json:"base_url"`
	Search   SearchRule  `json:"search"`
	Chapters ChapterRule `json:"chapters"`
	Pages    PageRule    `json:"pages"`
}

// SearchRule finds manga for a keyword.
// URL is a template: {query} is replaced by the escaped keyword.
// With Method POST the keyword is sent as the form field FormField instead.
type SearchRule struct {
	URL           string `json:"url"`
	Method        string `json:"method,omitempty"`
	FormField     string `json:"form_field,omitempty"`
	ItemSelector  string `json:"item_selector"`
	TitleSelector string `json:"title_selector,omitempty"`
}

// ChapterRule lists the chapters of a manga.
// ListURL is optional; when set it is a template over the manga URL
// ({manga_url}, {segment:N} for the Nth path segment).
type ChapterRule struct {
	ListURL      string `json:"list_url,omitempty"`
	ItemSelector string `json:"item_selector"`
	NameSelector string `json:"name_selector,omitempty"`
	Render       string `json:"render,omitempty"`
	WaitSelector string `json:"wait_selector,omitempty"`
}

// PageRule lists the page images of a chapter. Attributes are tried in
// order, so lazy-loading attributes can come before src.
type PageRule struct {
	ItemSelector string   `json:"item_selector"`
	Attributes   []string `json:"attributes,omitempty"`
	Render       string   `json:"render,omitempty"`
	WaitSelector string   `json:"wait_selector,omitempty"`
	SendReferer  bool     `json:"send_referer,omitempty"`
}

// CanSearch reports whether the site has search rules.
func (s Site) CanSearch() bool {
	return s.Search.URL != "" && s.Search.ItemSelector != ""
}

// LoadSites reads and checks the site rules at path.
func LoadSites(path string) ([]Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites config: %w", err)
	}

	var file SitesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sites config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Sites))
	var errs []error
	for i := range file.Sites {
		site := &file.Sites[i]
		site.Name = strings.ToLower(strings.TrimSpace(site.Name))
		if err := site.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[site.Name] {
			errs = append(errs, fmt.Errorf("site %s: defined twice", site.Name))
		}
		seen[site.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid sites config %s: %w", path, err)
	}

	return file.Sites, nil
}

func (s *Site) validate() error {
	if s.Name == "" {
		return errors.New("site without name")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("site %s: base_url is required", s.Name)
	}
	if s.Chapters.ItemSelector == "" {
		return fmt.Errorf("site %s: chapters.item_selector is required", s.Name)
	}
	if s.Pages.ItemSelector == "" {
		return fmt.Errorf("site %s: pages.item_selector is required", s.Name)
	}
	for _, render := range []string{s.Chapters.Render, s.Pages.Render} {
		if render != "" && render != RenderHTTP && render != RenderBrowser {
			return fmt.Errorf("site %s: unknown render mode %q", s.Name, render)
		}
	}
	if m := strings.ToUpper(s.Search.Method); m != "" && m != "GET" && m != "POST" {
		return fmt.Errorf("site %s: unknown search method %q", s.Name, s.Search.Method)
	}
	if strings.EqualFold(s.Search.Method, "POST") && s.Search.FormField == "" {
		return fmt.Errorf("site %s: search.form_field is required for POST searches", s.Name)
	}
	if len(s.Pages.Attributes) == 0 {
		s.Pages.Attributes = []string{"data-src", "src"}
	}
	return nil
}
