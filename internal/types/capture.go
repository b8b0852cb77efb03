package types

import "time"

// Capture is the result of a single capture call. On success HTML is
// non-empty and HTTPStatus is in [200,399]; on failure ErrorKind holds the
// short code recorded on the snapshot.
type Capture struct {
	Success       bool
	HTTPStatus    int
	HTML          string
	Text          string
	Title         string
	ContentLength int64
	FinalURL      string
	ErrorKind     ErrorKind
	ErrorMessage  string
	Attempts      int
	DurationMs    int64
}

// Metadata converts the capture into snapshot metadata.
func (c *Capture) Metadata() SnapshotMetadata {
	return SnapshotMetadata{
		HTML:          c.HTML,
		Text:          c.Text,
		Title:         c.Title,
		HTTPStatus:    c.HTTPStatus,
		ContentLength: c.ContentLength,
		FinalURL:      c.FinalURL,
		DurationMs:    c.DurationMs,
	}
}

// CaptureOptions tune a single capture call.
type CaptureOptions struct {
	// Timeout bounds each attempt. Zero means the configured default.
	Timeout time.Duration

	// Retries is the maximum number of attempts for transient failures.
	Retries int

	// BackoffBase is the first retry delay; doubled per attempt, capped.
	BackoffBase time.Duration

	// BlockedResourceTypes are passed through to the page fetcher
	// (e.g. "image", "font", "media").
	BlockedResourceTypes []string
}
