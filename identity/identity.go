// Package identity derives stable identifiers and filesystem locations for
// manga, chapters and pages from their source URLs.
//
// Every function here is pure: the same input yields the same output within
// and across crawl runs, which is what lets storage upserts and re-crawls be
// idempotent.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"mangascraper/models"
)

// trackingParams are query parameters that never change the resource a URL points to.
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"_ga":     {},
	"igshid":  {},
}

// NormalizeURL resolves ref against base and strips tracking query parameters
// and the fragment. base may be empty when ref is already absolute.
func NormalizeURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", models.ErrInvalidURL)
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidURL, err)
	}

	resolved := refURL
	if base != "" {
		baseURL, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return "", fmt.Errorf("%w: base %q: %v", models.ErrInvalidURL, base, err)
		}
		resolved = baseURL.ResolveReference(refURL)
	}

	if err := checkAbsolute(resolved); err != nil {
		return "", err
	}

	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = strings.ToLower(resolved.Host)
	resolved.Fragment = ""
	resolved.RawFragment = ""

	if resolved.RawQuery != "" {
		query := resolved.Query()
		for key := range query {
			if isTrackingParam(key) {
				query.Del(key)
			}
		}
		resolved.RawQuery = query.Encode()
	}

	return resolved.String(), nil
}

// DeriveID returns the content-addressed id of a URL.
// The id covers scheme, host and path only; query and fragment are ignored.
func DeriveID(rawURL string) (string, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16]), nil
}

// MustDeriveID is DeriveID for URLs already known to be valid (e.g. test fixtures).
func MustDeriveID(rawURL string) string {
	id, err := DeriveID(rawURL)
	if err != nil {
		panic(err)
	}
	return id
}

// CanonicalURL reduces a URL to lowercase scheme and host plus a cleaned path.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidURL, err)
	}
	if err := checkAbsolute(u); err != nil {
		return "", err
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + p, nil
}

// Host returns the lowercase host (without port) of rawURL.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", models.ErrInvalidURL, rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func checkAbsolute(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", models.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", models.ErrInvalidURL)
	}
	return nil
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}
