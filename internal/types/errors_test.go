package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableKinds(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindDNS, KindConnection, KindHTTP5xx}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	failFast := []ErrorKind{KindHTTP4xx, KindParse, KindBlocked, KindCancelled, KindValidation, KindUnknown}
	for _, k := range failFast {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestCaptureErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	ce := &CaptureError{URL: "https://example.com", Kind: KindHTTP5xx, StatusCode: 502, Err: inner}
	if !errors.Is(ce, inner) {
		t.Error("CaptureError should unwrap to the inner error")
	}
	if !ce.IsRetryable() {
		t.Error("http_5xx capture error should be retryable")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&CaptureError{Kind: KindTimeout}, KindTimeout},
		{fmt.Errorf("wrapped: %w", &PipelineError{Kind: KindLLM}), KindLLM},
		{ErrStorageUnavailable, KindStorage},
		{fmt.Errorf("no lease: %w", ErrCongested), KindCongested},
		{ErrBudgetExceeded, KindCongested},
		{ErrDomainBlocked, KindBlocked},
		{ErrNoReportVersions, KindValidation},
		{errors.New("mystery"), KindUnknown},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
