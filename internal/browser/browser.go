// Package browser provides the page-fetching capability the scraper worker
// consumes: a rod-backed headless browser for full renders and a plain HTTP
// client for fast collection.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// PageResult is the raw outcome of rendering one URL.
type PageResult struct {
	HTML       string
	Text       string
	Title      string
	HTTPStatus int
	FinalURL   string
	Duration   time.Duration
}

// PageOptions tune a single page fetch.
type PageOptions struct {
	Timeout              time.Duration
	BlockedResourceTypes []string
	UserAgent            string
}

// PageFetcher is the headless-browser capability.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, opts PageOptions) (*PageResult, error)
	Close() error
}

// RodFetcher implements PageFetcher using a headless Chromium via rod.
type RodFetcher struct {
	browser  *rod.Browser
	stealth  bool
	logger   *slog.Logger
	pagePool chan *rod.Page
	maxPages int
}

// RodOption configures the RodFetcher.
type RodOption func(*RodFetcher)

// WithStealth enables stealth-patched pages.
func WithStealth() RodOption {
	return func(f *RodFetcher) { f.stealth = true }
}

// WithMaxPages caps the number of pooled browser pages.
func WithMaxPages(n int) RodOption {
	return func(f *RodFetcher) { f.maxPages = n }
}

// NewRodFetcher launches a headless Chromium and connects to it.
func NewRodFetcher(logger *slog.Logger, opts ...RodOption) (*RodFetcher, error) {
	f := &RodFetcher{
		logger:   logger.With("component", "rod_fetcher"),
		maxPages: 5,
	}
	for _, opt := range opts {
		opt(f)
	}

	launchURL, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	f.browser = browser
	f.pagePool = make(chan *rod.Page, f.maxPages)
	f.logger.Info("browser fetcher ready", "max_pages", f.maxPages, "stealth", f.stealth)
	return f, nil
}

// FetchPage navigates to a URL and returns the rendered page content.
func (f *RodFetcher) FetchPage(ctx context.Context, url string, opts PageOptions) (*PageResult, error) {
	start := time.Now()

	page, err := f.getPage()
	if err != nil {
		return nil, fmt.Errorf("acquire page: %w", err)
	}
	defer f.putPage(page)

	page = page.Context(ctx)

	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			f.logger.Warn("failed to set user agent", "error", err)
		}
	}

	var stopBlocking func()
	if len(opts.BlockedResourceTypes) > 0 {
		stopBlocking = f.blockResources(page, opts.BlockedResourceTypes)
		defer stopBlocking()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var status int
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Timeout(timeout).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	wait()

	if err := page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
		f.logger.Warn("page stability timeout, continuing", "url", url, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}

	finalURL := url
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}
	if status == 0 {
		status = 200
	}

	text, title := ExtractTextAndTitle(html)
	duration := time.Since(start)
	f.logger.Debug("browser fetch complete",
		"url", url, "final_url", finalURL, "status", status,
		"size", len(html), "duration", duration,
	)

	return &PageResult{
		HTML:       html,
		Text:       text,
		Title:      title,
		HTTPStatus: status,
		FinalURL:   finalURL,
		Duration:   duration,
	}, nil
}

// blockResources hijacks requests for the given resource types and aborts
// them. Returns a stop function that must run before the page is pooled.
func (f *RodFetcher) blockResources(page *rod.Page, blocked []string) func() {
	blockedSet := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		blockedSet[strings.ToLower(b)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(hj *rod.Hijack) {
		resType := strings.ToLower(string(hj.Request.Type()))
		if blockedSet[resType] {
			hj.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		hj.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return func() { _ = router.Stop() }
}

// Close shuts down the browser and releases pooled pages.
func (f *RodFetcher) Close() error {
	close(f.pagePool)
	for page := range f.pagePool {
		_ = page.Close()
	}
	if f.browser != nil {
		return f.browser.Close()
	}
	return nil
}

// getPage retrieves a page from the pool or creates a new one.
func (f *RodFetcher) getPage() (*rod.Page, error) {
	select {
	case page := <-f.pagePool:
		return page, nil
	default:
		if f.stealth {
			return stealth.Page(f.browser)
		}
		return f.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
}

// putPage returns a page to the pool, or closes it when the pool is full.
func (f *RodFetcher) putPage(page *rod.Page) {
	_ = page.Navigate("about:blank")
	select {
	case f.pagePool <- page:
	default:
		_ = page.Close()
	}
}

// ExtractTextAndTitle pulls visible text and the document title out of HTML.
func ExtractTextAndTitle(html string) (text, title string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript").Remove()
	text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return text, title
}
