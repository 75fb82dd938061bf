package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"mangascraper/identity"
	"mangascraper/models"
)

// Request is one page image to fetch.
type Request struct {
	MangaID     string
	ChapterID   string
	MangaSlug   string // Directory name of the manga under the store root
	ChapterSlug string // Directory name of the chapter under the manga directory
	PageNumber  int
	URL         string
	Referer     string
}

// Config bounds the pool.
type Config struct {
	GlobalConcurrency int           // Max requests in flight across all hosts
	HostConcurrency   int           // Max requests in flight per registrable domain
	HostRate          float64       // Requests per second per registrable domain; <= 0 disables the limiter
	FetchTimeout      time.Duration // Timeout of a single attempt
	Backoff           Backoff
}

// OutcomeFunc receives the single terminal outcome of each request.
type OutcomeFunc func(models.PageOutcome)

// Stats holds live pool counters. All fields are safe for concurrent use.
type Stats struct {
	Submitted atomic.Int64
	InFlight  atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Retries   atomic.Int64
	Cancelled atomic.Int64
}

// Pool fetches pages with bounded global and per-host concurrency.
//
// Each submitted request produces exactly one call to the outcome function
// (Success or Failed), unless its context is cancelled first, in which case it
// produces none.
type Pool struct {
	cfg       Config
	fetcher   Fetcher
	layout    identity.Layout
	onOutcome OutcomeFunc
	log       *slog.Logger

	global *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string]*hostSlot

	wg    sync.WaitGroup
	Stats Stats
}

type hostSlot struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewPool creates a pool writing pages under layout and reporting to onOutcome.
func NewPool(cfg Config, fetcher Fetcher, layout identity.Layout, onOutcome OutcomeFunc, log *slog.Logger) *Pool {
	if cfg.GlobalConcurrency < 1 {
		cfg.GlobalConcurrency = 1
	}
	if cfg.HostConcurrency < 1 {
		cfg.HostConcurrency = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Backoff.MaxRetries < 0 {
		cfg.Backoff.MaxRetries = 0
	}

	return &Pool{
		cfg:       cfg,
		fetcher:   fetcher,
		layout:    layout,
		onOutcome: onOutcome,
		log:       log,
		global:    semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		hosts:     make(map[string]*hostSlot),
	}
}

// Submit schedules req and returns immediately. Cancelling ctx stops retries
// for this request and suppresses its outcome.
func (p *Pool) Submit(ctx context.Context, req Request) {
	p.Stats.Submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		outcome, ok := p.fetchWithRetry(ctx, req)
		if !ok {
			p.Stats.Cancelled.Add(1)
			p.log.Debug("[Pool] fetch cancelled",
				slog.String("chapter_id", req.ChapterID),
				slog.Int("page", req.PageNumber),
			)
			return
		}

		if outcome.Status == models.PageSuccess {
			p.Stats.Succeeded.Add(1)
		} else {
			p.Stats.Failed.Add(1)
		}
		p.onOutcome(outcome)
	}()
}

// Wait blocks until every submitted request has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// fetchWithRetry returns the terminal outcome of req, or false when ctx was cancelled first.
func (p *Pool) fetchWithRetry(ctx context.Context, req Request) (models.PageOutcome, bool) {
	outcome := models.PageOutcome{
		ChapterID:  req.ChapterID,
		PageNumber: req.PageNumber,
		URL:        req.URL,
		Status:     models.PagePending,
	}

	if req.PageNumber < 1 {
		return failed(outcome, 0, &models.FetchError{URL: req.URL, Err: fmt.Errorf("invalid page number %d", req.PageNumber)}), ctx.Err() == nil
	}

	slot, err := p.host(req.URL)
	if err != nil {
		return failed(outcome, 0, &models.FetchError{URL: req.URL, Err: err}), ctx.Err() == nil
	}

	maxAttempts := p.cfg.Backoff.MaxRetries + 1
	attempts := 0
	var lastErr error

	for attempts < maxAttempts {
		if attempts > 0 {
			delay := p.cfg.Backoff.Delay(attempts, retryAfter(lastErr))
			p.Stats.Retries.Add(1)
			p.log.Debug("[Pool] retrying page",
				slog.String("chapter_id", req.ChapterID),
				slog.Int("page", req.PageNumber),
				slog.Int("retry", attempts),
				slog.Duration("backoff", delay),
				slog.Any("error", lastErr),
			)
			if !sleep(ctx, delay) {
				return outcome, false
			}
		}
		attempts++

		data, err := p.attempt(ctx, slot, req)
		if ctx.Err() != nil {
			return outcome, false
		}
		if err != nil {
			lastErr = err
			if !models.IsRetryable(err) {
				break
			}
			continue
		}

		path, err := p.persist(req, data)
		if err != nil {
			lastErr = err
			break
		}
		if ctx.Err() != nil {
			// The chapter was cancelled or finalized while the page was written.
			_ = os.Remove(path)
			return outcome, false
		}

		outcome.Status = models.PageSuccess
		outcome.LocalPath = path
		outcome.RetryCount = attempts - 1
		return outcome, true
	}

	p.log.Warn("[Pool] page failed",
		slog.String("chapter_id", req.ChapterID),
		slog.Int("page", req.PageNumber),
		slog.Int("attempts", attempts),
		slog.Any("error", lastErr),
	)
	return failed(outcome, attempts, lastErr), true
}

// attempt performs one fetch while holding a host slot and a global slot.
// The host slot is taken first so requests queued behind a busy host never
// hold global capacity.
func (p *Pool) attempt(ctx context.Context, slot *hostSlot, req Request) ([]byte, error) {
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer slot.sem.Release(1)

	if err := slot.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.global.Release(1)

	p.Stats.InFlight.Add(1)
	defer p.Stats.InFlight.Add(-1)

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	return p.fetcher.Fetch(attemptCtx, req.URL, req.Referer)
}

// persist writes the page at its deterministic path and returns that path.
func (p *Pool) persist(req Request, data []byte) (string, error) {
	_, ext, err := DetectImageFormat(data)
	if err != nil {
		return "", &models.FetchError{URL: req.URL, Err: err}
	}

	mangaDir := req.MangaSlug
	if mangaDir == "" {
		mangaDir = req.MangaID
	}
	chapterDir := req.ChapterSlug
	if chapterDir == "" {
		chapterDir = req.ChapterID
	}

	path := p.layout.PagePath(mangaDir, chapterDir, req.PageNumber, ext)
	if err := writePage(path, data); err != nil {
		return "", &models.FetchError{URL: req.URL, Err: err}
	}
	return path, nil
}

// host returns the concurrency slot shared by every URL of the same registrable domain.
func (p *Pool) host(rawURL string) (*hostSlot, error) {
	key, err := HostKey(rawURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.hosts[key]
	if !ok {
		limit := rate.Inf
		if p.cfg.HostRate > 0 {
			limit = rate.Limit(p.cfg.HostRate)
		}
		slot = &hostSlot{
			sem:     semaphore.NewWeighted(int64(p.cfg.HostConcurrency)),
			limiter: rate.NewLimiter(limit, 1),
		}
		p.hosts[key] = slot
	}
	return slot, nil
}

// HostKey reduces a URL to its registrable domain (eTLD+1), so image CDN shards
// like s1.example.com and s2.example.com share one politeness budget.
// IP addresses and single-label hosts are used as is.
func HostKey(rawURL string) (string, error) {
	host, err := identity.Host(rawURL)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	key, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return key, nil
}

func failed(outcome models.PageOutcome, attempts int, err error) models.PageOutcome {
	outcome.Status = models.PageFailed
	if attempts > 0 {
		outcome.RetryCount = attempts - 1
	}
	outcome.Err = terminalError(outcome.URL, attempts, err)
	return outcome
}

// terminalError turns the last attempt's error into a non-retryable FetchError.
func terminalError(url string, attempts int, err error) error {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		final := *fe
		final.Retryable = false
		final.Attempts = attempts
		return &final
	}
	return &models.FetchError{URL: url, Attempts: attempts, Err: err}
}

func retryAfter(err error) time.Duration {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
