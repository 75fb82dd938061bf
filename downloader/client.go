package downloader

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"mangascraper/models"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"

// Fetcher performs a single page fetch attempt. Retries are the pool's job.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL, referer string) ([]byte, error)
}

// HTTPClient fetches page images over HTTP and classifies failures.
type HTTPClient struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
}

// NewHTTPClient creates a page fetcher. A nil client gets a plain http.Client;
// per-attempt timeouts come from the caller's context.
func NewHTTPClient(client *http.Client, userAgent string, maxBytes int64) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPClient{
		httpClient: client,
		userAgent:  userAgent,
		maxBytes:   maxBytes,
	}
}

// Fetch downloads pageURL once. Every error returned is a *models.FetchError.
func (c *HTTPClient) Fetch(ctx context.Context, pageURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &models.FetchError{URL: pageURL, Err: fmt.Errorf("%w: %v", models.ErrInvalidURL, err)}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are always worth another attempt.
		return nil, &models.FetchError{URL: pageURL, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &models.FetchError{
			URL:        pageURL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("bad response status: %s", resp.Status),
		}
	}

	body, err := c.readBody(resp.Body)
	if err != nil {
		var tooLarge *bodyTooLargeError
		return nil, &models.FetchError{
			URL:        pageURL,
			StatusCode: resp.StatusCode,
			Retryable:  !errors.As(err, &tooLarge),
			Err:        err,
		}
	}

	body, err = decompressBody(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &models.FetchError{URL: pageURL, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	if len(body) == 0 {
		return nil, &models.FetchError{URL: pageURL, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New("empty response body")}
	}

	return body, nil
}

type bodyTooLargeError struct{ limit int64 }

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.limit)
}

func (c *HTTPClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, &bodyTooLargeError{limit: c.maxBytes}
	}
	return data, nil
}

// retryableStatus: 408, 425, 429 and every 5xx are transient; other statuses are final.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// parseRetryAfter understands the delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// decompressBody undoes gzip or brotli content encoding. Because Accept-Encoding is
// set explicitly the transport leaves decoding to us.
func decompressBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch {
	case encoding == "gzip" || (encoding == "" && len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b):
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip: %w", err)
		}
		return decoded, nil
	case encoding == "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress brotli: %w", err)
		}
		return decoded, nil
	default:
		return body, nil
	}
}
