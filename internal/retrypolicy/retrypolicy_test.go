package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

type fakeStatusErr struct {
	code       int
	retryAfter time.Duration
	hasRetry   bool
}

func (e *fakeStatusErr) Error() string      { return fmt.Sprintf("status %d", e.code) }
func (e *fakeStatusErr) StatusCode() int    { return e.code }
func (e *fakeStatusErr) RetryAfter() (time.Duration, bool) {
	return e.retryAfter, e.hasRetry
}

func TestRetryable(t *testing.T) {
	must.False(t, Retryable(nil))
	must.True(t, Retryable(&fakeStatusErr{code: 429}))
	must.True(t, Retryable(&fakeStatusErr{code: 409}))
	must.True(t, Retryable(&fakeStatusErr{code: 500}))
	must.False(t, Retryable(&fakeStatusErr{code: 404}))
	must.True(t, Retryable(&net.DNSError{IsTemporary: true}))
	must.False(t, Retryable(errors.New("boring terminal error")))
}

func TestBackoffDuration(t *testing.T) {
	must.Eq(t, time.Duration(0), BackoffDuration(0))

	d1 := BackoffDuration(1)
	must.True(t, d1 >= time.Second && d1 < 2*time.Second)

	d10 := BackoffDuration(10)
	must.True(t, d10 >= MaxBackoffSeconds*time.Second && d10 < (MaxBackoffSeconds+1)*time.Second)
}

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), 3, func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "ok", nil
	})
	must.NoError(t, err)
	must.Eq(t, "ok", result)
	must.Eq(t, 1, calls)
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 3, func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "", &fakeStatusErr{code: 404}
	})
	must.Error(t, err)
	must.Eq(t, 1, calls)
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 2, func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "", &fakeStatusErr{code: 429}
	})
	must.Error(t, err)
	must.Eq(t, 3, calls)
}

func TestWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := WithRetry(ctx, 3, func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt == 0 {
			cancel()
		}
		return "", &fakeStatusErr{code: 500}
	})
	must.Error(t, err)
	must.Eq(t, context.Canceled, err)
	must.Eq(t, 1, calls)
}
