package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusErr int

func (e statusErr) Error() string   { return "status error" }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 2 {
			return statusErr(503)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("got err=%v calls=%d, want nil after 2 calls", err, calls)
	}
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return statusErr(429)
	})
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	var se statusErr
	if !errors.As(err, &se) || int(se) != 429 {
		t.Errorf("err: got %v, want last status error", err)
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	_ = Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return statusErr(400)
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_ = Retry(ctx, 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return statusErr(503)
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err       error
		retryable bool
		kind      string
	}{
		{nil, false, ""},
		{context.Canceled, false, "context_canceled"},
		{context.DeadlineExceeded, true, "timeout"},
		{statusErr(429), true, "rate_limited"},
		{statusErr(500), true, "server_error"},
		{statusErr(404), false, "client_error"},
		{errors.New("dial tcp: connection refused"), true, "network_error"},
		{errors.New("UNIQUE constraint failed"), false, "duplicate_key"},
		{errors.New("boom"), false, "unknown_error"},
	}
	for _, tt := range tests {
		retryable, kind := IsRetryableError(tt.err)
		if retryable != tt.retryable || kind != tt.kind {
			t.Errorf("IsRetryableError(%v): got (%v, %q), want (%v, %q)", tt.err, retryable, kind, tt.retryable, tt.kind)
		}
	}
}
