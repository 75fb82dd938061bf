package sites

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrBlocked is returned when a listing page is an anti-bot challenge instead
// of content. Discovery skips the affected manga or chapter.
var ErrBlocked = errors.New("blocked by anti-bot challenge")

// BlockInfo describes why a response was classified as a block page.
type BlockInfo struct {
	URL        string
	StatusCode int
	Indicators []string
}

func (b *BlockInfo) Error() string {
	return fmt.Sprintf("%s: %s (status %d: %s)", ErrBlocked, b.URL, b.StatusCode, strings.Join(b.Indicators, ", "))
}

func (b *BlockInfo) Unwrap() error { return ErrBlocked }

var blockMarkers = []struct {
	substr string
	reason string
}{
	{"cf-browser-verification", "browser verification challenge"},
	{"challenge-form", "challenge form"},
	{"/cdn-cgi/challenge-platform/", "challenge script"},
	{"cf-chl-", "challenge token"},
	{"<title>just a moment...</title>", "interstitial title"},
	{"ddos-guard", "ddos-guard page"},
}

var metaRefresh = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh[^>]+url=`)

// DetectBlockPage inspects a listing response and returns a *BlockInfo when it
// is a challenge page. Status codes alone never classify a page: 403 and 503
// need a body marker too, so plain errors stay plain errors.
func DetectBlockPage(pageURL string, status int, body []byte) *BlockInfo {
	lower := bytes.ToLower(body)

	var indicators []string
	for _, m := range blockMarkers {
		if bytes.Contains(lower, []byte(m.substr)) {
			indicators = append(indicators, m.reason)
		}
	}
	if len(indicators) == 0 {
		return nil
	}

	if status == http.StatusForbidden || status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		indicators = append(indicators, fmt.Sprintf("%d %s", status, http.StatusText(status)))
	}
	if metaRefresh.Match(body) {
		indicators = append(indicators, "meta refresh")
	}

	return &BlockInfo{URL: pageURL, StatusCode: status, Indicators: indicators}
}
