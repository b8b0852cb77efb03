package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrNoOwner            = errors.New("snapshot owner not set")
	ErrAmbiguousOwner     = errors.New("snapshot owner set to both product and competitor")
	ErrOwnerNotFound      = errors.New("owner not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrReportNotFound     = errors.New("report not found")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDuplicateProject   = errors.New("duplicate project name")
	ErrNoReportVersions   = errors.New("no report versions with content")
	ErrNoProducts         = errors.New("project has no products")
	ErrCongested          = errors.New("governor congested")
	ErrBudgetExceeded     = errors.New("capture budget exceeded")
	ErrDomainBlocked      = errors.New("domain circuit open")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrLockHeld           = errors.New("lock already held")
)

// ErrorKind classifies a failure for retry and reporting policy. Capture
// kinds double as the short error codes recorded on failed snapshots.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindDNS        ErrorKind = "dns"
	KindConnection ErrorKind = "connection"
	KindHTTP4xx    ErrorKind = "http_4xx"
	KindHTTP5xx    ErrorKind = "http_5xx"
	KindParse      ErrorKind = "parse"
	KindBlocked    ErrorKind = "blocked"
	KindCancelled  ErrorKind = "cancelled"
	KindCongested  ErrorKind = "congested"
	KindValidation ErrorKind = "validation_error"
	KindLLM        ErrorKind = "llm_unavailable"
	KindStorage    ErrorKind = "storage_unavailable"
	KindUnknown    ErrorKind = "unknown"
)

// retryableKinds are the transient capture categories.
var retryableKinds = map[ErrorKind]bool{
	KindTimeout:    true,
	KindDNS:        true,
	KindConnection: true,
	KindHTTP5xx:    true,
}

// Retryable reports whether the kind is a transient capture category.
func (k ErrorKind) Retryable() bool { return retryableKinds[k] }

// CaptureError wraps errors that occur while capturing a page.
type CaptureError struct {
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
	RetryAfter time.Duration
}

func (e *CaptureError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("capture error for %s (%s, status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("capture error for %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) IsRetryable() bool { return e.Kind.Retryable() }

// PipelineError wraps errors that occur inside the report pipeline. The
// coordinator branches on Kind; it never catches-all.
type PipelineError struct {
	Phase         string
	Kind          ErrorKind
	CorrelationID string
	Err           error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at phase %q (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error chain, defaulting to unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	case errors.Is(err, ErrCongested), errors.Is(err, ErrBudgetExceeded):
		return KindCongested
	case errors.Is(err, ErrDomainBlocked):
		return KindBlocked
	case errors.Is(err, ErrNoReportVersions), errors.Is(err, ErrNoOwner), errors.Is(err, ErrAmbiguousOwner):
		return KindValidation
	}
	return KindUnknown
}
