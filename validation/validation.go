// Package validation checks crawl requests before any site is contacted.
//
// A Validator collects every field problem instead of stopping at the first,
// so the CLI can report them all at once.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mangascraper/models"
	"mangascraper/sites"
)

// ErrInvalidRequest is matched by every error ValidateCrawl returns.
var ErrInvalidRequest = errors.New("invalid crawl request")

// FieldError is one failed rule.
type FieldError struct {
	Field   string
	Message string
}

// Error lists the failed rules of a request.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalidRequest }

// Validator collects field errors. It is not safe for concurrent use.
type Validator struct {
	errs []FieldError
}

// Required fails if the trimmed value is empty.
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
	return v
}

// OneOf fails if value is not one of allowed.
func (v *Validator) OneOf(field, value string, allowed ...string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.add(field, "must be one of: "+strings.Join(allowed, ", "))
	return v
}

// HTTPURL fails if value is set and is not an absolute http(s) URL.
func (v *Validator) HTTPURL(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v
	}
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.add(field, "must be an absolute http or https URL")
	}
	return v
}

// Custom adds message when failed is true.
func (v *Validator) Custom(field string, failed bool, message string) *Validator {
	if failed {
		v.add(field, message)
	}
	return v
}

// Err returns an *Error if any rule failed.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return &Error{Fields: v.errs}
}

func (v *Validator) add(field, message string) {
	v.errs = append(v.errs, FieldError{Field: field, Message: message})
}

// ValidateCrawl checks req against the rules of its mode. knownSites are
// the registered adapter names.
func ValidateCrawl(req sites.Request, knownSites []string) error {
	v := &Validator{}

	modes := make([]string, 0, len(sites.Modes))
	for _, m := range sites.Modes {
		modes = append(modes, string(m))
	}
	v.OneOf("mode", string(req.Mode), modes...)

	v.Required("site", req.Site)
	if strings.TrimSpace(req.Site) != "" {
		v.OneOf("site", strings.ToLower(strings.TrimSpace(req.Site)), knownSites...)
	}

	switch req.Mode {
	case sites.ModeSearchAll, sites.ModeSearchOnly:
		v.Required("keyword", req.Keyword)
		v.Custom("manga_url", req.MangaURL != "", "is only used by chapter modes")
	case sites.ModeChaptersOnly, sites.ModeChaptersSelect:
		v.Required("manga_url", req.MangaURL).HTTPURL("manga_url", req.MangaURL)
	}

	if req.Mode == sites.ModeChaptersSelect {
		v.Custom("chapters", len(req.Chapters) == 0 && strings.TrimSpace(req.Selection) == "",
			"chapters_select needs chapter ids or a selection")
	} else {
		v.Custom("chapters", len(req.Chapters) > 0, "is only used by chapters_select")
	}
	if _, err := sites.ParseSelection(req.Selection); err != nil {
		v.add("selection", err.Error())
	}

	v.Custom("max_manga", req.MaxManga < 0, "must not be negative")

	return v.Err()
}

// ValidateFormat checks an artifact format name.
func ValidateFormat(format string) error {
	if models.Format(strings.ToLower(strings.TrimSpace(format))).Valid() {
		return nil
	}
	return (&Validator{}).Custom("format", true, fmt.Sprintf("unknown format %q, want pdf or cbz", format)).Err()
}
