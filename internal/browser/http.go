package browser

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// HTTPFetcher implements PageFetcher with a plain HTTP client. It cannot
// execute JavaScript, so it serves the fast-collection path and environments
// without a browser.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates the fast HTTP page fetcher.
func NewHTTPFetcher(userAgent string, logger *slog.Logger) *HTTPFetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // We handle decompression ourselves (including brotli)
	}
	return &HTTPFetcher{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
		logger:    logger.With("component", "http_fetcher"),
	}
}

// FetchPage performs a GET and returns the raw document.
func (f *HTTPFetcher) FetchPage(ctx context.Context, url string, opts PageOptions) (*PageResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = f.userAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	duration := time.Since(start)

	html := string(body)
	text, title := ExtractTextAndTitle(html)

	f.logger.Debug("http fetch complete",
		"url", url, "status", resp.StatusCode,
		"size", len(body), "duration", duration,
	)

	return &PageResult{
		HTML:       html,
		Text:       text,
		Title:      title,
		HTTPStatus: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Duration:   duration,
	}, nil
}

// Close is a no-op; the transport pools its own connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// decodeBody decompresses the response body based on Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	const maxBody = 10 * 1024 * 1024
	return io.ReadAll(io.LimitReader(reader, maxBody))
}
