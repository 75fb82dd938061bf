package sites

import (
	"log/slog"
	"time"

	"mangascraper/config"
)

// BuildRegistry creates a SelectorSite for every configured site and
// registers them. renderer may be nil; sites that render in the browser then
// fail to build.
func BuildRegistry(configured []config.Site, renderer Renderer, userAgent string, timeout time.Duration, log *slog.Logger) (*Registry, error) {
	adapters := make([]SiteAdapter, 0, len(configured))
	for _, site := range configured {
		adapter, err := NewSelectorSite(site, renderer, userAgent, timeout, log)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return NewRegistry(adapters...)
}

// NeedsBrowser reports whether any configured site renders listings in the browser.
func NeedsBrowser(configured []config.Site) bool {
	for _, site := range configured {
		if site.Chapters.Render == config.RenderBrowser || site.Pages.Render == config.RenderBrowser {
			return true
		}
	}
	return false
}
