// Package scraper captures single pages and records the outcome as a
// snapshot, success or failure.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/marketlens/marketlens/internal/browser"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// CaptureRecorder counts capture outcomes.
type CaptureRecorder interface {
	RecordCapture(success bool)
}

// Worker fetches one URL with timeout and retry and writes one snapshot per
// call via the snapshot store.
type Worker struct {
	fetcher   browser.PageFetcher
	snapshots store.SnapshotStore
	recorder  CaptureRecorder
	cfg       config.CaptureConfig
	logger    *slog.Logger
}

// NewWorker creates a scraper worker.
func NewWorker(fetcher browser.PageFetcher, snapshots store.SnapshotStore, cfg config.CaptureConfig, logger *slog.Logger) *Worker {
	return &Worker{
		fetcher:   fetcher,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger.With("component", "scraper"),
	}
}

// SetRecorder attaches a capture outcome counter. nil disables counting.
func (w *Worker) SetRecorder(r CaptureRecorder) { w.recorder = r }

// Capture fetches the URL and records a snapshot for the owner. Transient
// failures (timeout, dns, connection, http_5xx) are retried with exponential
// backoff; http_4xx, blocked and parse failures fail fast. Only the final
// attempt yields the returned capture.
func (w *Worker) Capture(ctx context.Context, owner types.OwnerRef, rawURL string, opts types.CaptureOptions) (*types.Capture, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	cap := &types.Capture{}

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		cap.ErrorKind = types.KindParse
		cap.ErrorMessage = fmt.Sprintf("invalid URL %q", rawURL)
		cap.DurationMs = time.Since(start).Milliseconds()
		return w.record(ctx, owner, cap)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.cfg.Timeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = w.cfg.MaxRetryAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = w.cfg.RetryBackoffBase
	}
	blocked := opts.BlockedResourceTypes
	if blocked == nil {
		blocked = w.cfg.BlockedResourceTypes
	}

	logger := w.logger.With("url", rawURL, "owner", owner.Key())

	var lastErr *types.CaptureError
	for attempt := 1; attempt <= retries; attempt++ {
		cap.Attempts = attempt

		result, fetchErr := w.fetcher.FetchPage(ctx, rawURL, browser.PageOptions{
			Timeout:              timeout,
			BlockedResourceTypes: blocked,
			UserAgent:            w.cfg.UserAgent,
		})
		lastErr = w.classify(rawURL, result, fetchErr)
		if lastErr == nil {
			cap.Success = true
			cap.HTTPStatus = result.HTTPStatus
			cap.HTML = result.HTML
			cap.Text = result.Text
			cap.Title = result.Title
			cap.ContentLength = int64(len(result.HTML))
			cap.FinalURL = result.FinalURL
			cap.DurationMs = time.Since(start).Milliseconds()
			logger.Debug("capture succeeded", "attempt", attempt, "status", result.HTTPStatus, "size", cap.ContentLength)
			return w.record(ctx, owner, cap)
		}

		logger.Warn("capture attempt failed",
			"attempt", attempt, "max_attempts", retries,
			"kind", lastErr.Kind, "error", lastErr,
		)

		if !lastErr.IsRetryable() || attempt == retries {
			break
		}

		delay := backoffDelay(backoff, attempt, w.cfg.RetryBackoffCap)
		select {
		case <-ctx.Done():
			lastErr = &types.CaptureError{URL: rawURL, Kind: types.KindCancelled, Err: ctx.Err()}
			attempt = retries
		case <-time.After(delay):
		}
		if lastErr.Kind == types.KindCancelled {
			break
		}
	}

	cap.Success = false
	cap.ErrorKind = lastErr.Kind
	cap.ErrorMessage = lastErr.Error()
	cap.HTTPStatus = lastErr.StatusCode
	cap.DurationMs = time.Since(start).Milliseconds()
	return w.record(ctx, owner, cap)
}

// record writes one snapshot per capture call, success or failure, then
// returns the capture.
func (w *Worker) record(ctx context.Context, owner types.OwnerRef, cap *types.Capture) (*types.Capture, error) {
	if w.recorder != nil {
		w.recorder.RecordCapture(cap.Success)
	}

	errMsg := ""
	if !cap.Success {
		errMsg = string(cap.ErrorKind)
		if cap.ErrorMessage != "" {
			errMsg = string(cap.ErrorKind) + ": " + cap.ErrorMessage
		}
	}
	// Snapshot writes outlive request cancellation so abandoned captures
	// still leave a failure record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := store.WithRetry(writeCtx, w.cfg.MaxRetryAttempts, w.cfg.RetryBackoffBase, func() error {
		_, perr := w.snapshots.PutSnapshot(writeCtx, owner, cap.Metadata(), cap.Success, errMsg)
		return perr
	})
	if err != nil {
		w.logger.Error("snapshot write failed", "owner", owner.Key(), "error", err)
		return cap, err
	}
	return cap, nil
}

// classify maps a fetch outcome onto the capture error taxonomy. A nil
// return means the capture succeeded.
func (w *Worker) classify(url string, result *browser.PageResult, err error) *types.CaptureError {
	if err != nil {
		kind := types.KindUnknown
		switch {
		case errors.Is(err, context.Canceled):
			kind = types.KindCancelled
		case errors.Is(err, context.DeadlineExceeded):
			kind = types.KindTimeout
		default:
			var dnsErr *net.DNSError
			var netErr net.Error
			if errors.As(err, &dnsErr) {
				kind = types.KindDNS
			} else if errors.As(err, &netErr) && netErr.Timeout() {
				kind = types.KindTimeout
			} else if isConnectionError(err) {
				kind = types.KindConnection
			}
		}
		return &types.CaptureError{URL: url, Kind: kind, Err: err}
	}

	status := result.HTTPStatus
	switch {
	case status >= 400 && status < 500:
		return &types.CaptureError{URL: url, Kind: types.KindHTTP4xx, StatusCode: status,
			Err: fmt.Errorf("http status %d", status)}
	case status >= 500:
		return &types.CaptureError{URL: url, Kind: types.KindHTTP5xx, StatusCode: status,
			Err: fmt.Errorf("http status %d", status)}
	case status < 200:
		return &types.CaptureError{URL: url, Kind: types.KindUnknown, StatusCode: status,
			Err: fmt.Errorf("unexpected http status %d", status)}
	}
	if len(result.HTML) == 0 {
		return &types.CaptureError{URL: url, Kind: types.KindParse,
			Err: errors.New("empty document")}
	}
	return nil
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no route to host")
}

// backoffDelay is base doubled per attempt, capped.
func backoffDelay(base time.Duration, attempt int, cap time.Duration) time.Duration {
	delay := base << uint(attempt-1)
	if cap > 0 && delay > cap {
		delay = cap
	}
	return delay
}
