package sites

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"mangascraper/downloader"
)

// Renderer returns the HTML of a page after its scripts ran.
type Renderer interface {
	RenderHTML(ctx context.Context, pageURL, waitSelector string, headers map[string]string) (string, error)
}

// BrowserOptions configure the headless browser.
type BrowserOptions struct {
	ExecPath  string        // Chrome binary; empty lets chromedp find one
	UserAgent string        // Empty uses the fetcher's default user agent
	Timeout   time.Duration // Upper bound for one page render
}

// Browser renders JavaScript-driven listing pages in headless Chrome. Every
// render gets its own browser page which is released on every exit path.
type Browser struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	timeout     time.Duration
	log         *slog.Logger
}

// NewBrowser prepares the browser allocator. Chrome itself starts on the first render.
func NewBrowser(opts BrowserOptions, log *slog.Logger) *Browser {
	if opts.UserAgent == "" {
		opts.UserAgent = downloader.DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(opts.UserAgent),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	return &Browser{
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
		timeout:     opts.Timeout,
		log:         log,
	}
}

// WithPage runs fn with a fresh browser page. The page is closed when fn
// returns, when ctx is cancelled or when the render timeout expires,
// whichever comes first.
func (b *Browser) WithPage(ctx context.Context, fn func(pageCtx context.Context) error) error {
	pageCtx, cancelPage := chromedp.NewContext(b.allocCtx)
	defer cancelPage()

	stop := context.AfterFunc(ctx, cancelPage)
	defer stop()

	timeoutCtx, cancel := context.WithTimeout(pageCtx, b.timeout)
	defer cancel()

	if err := fn(timeoutCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// RenderHTML navigates to pageURL, waits for waitSelector (or the body) and
// returns the rendered document. A challenge page is reported as *BlockInfo.
func (b *Browser) RenderHTML(ctx context.Context, pageURL, waitSelector string, headers map[string]string) (string, error) {
	var html string

	err := b.WithPage(ctx, func(pageCtx context.Context) error {
		var tasks chromedp.Tasks
		if len(headers) > 0 {
			h := make(network.Headers, len(headers))
			for k, v := range headers {
				h[k] = v
			}
			tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(h))
		}
		tasks = append(tasks, chromedp.Navigate(pageURL))
		if waitSelector != "" {
			tasks = append(tasks, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
		} else {
			tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
		}
		tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

		if err := chromedp.Run(pageCtx, tasks); err != nil {
			return fmt.Errorf("render %s: %w", pageURL, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if block := DetectBlockPage(pageURL, 200, []byte(html)); block != nil {
		b.log.Warn("[Browser] challenge page detected",
			slog.String("url", pageURL),
			slog.Any("indicators", block.Indicators),
		)
		return "", block
	}

	b.log.Debug("[Browser] page rendered", slog.String("url", pageURL), slog.Int("bytes", len(html)))
	return html, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.cancelAlloc()
}
