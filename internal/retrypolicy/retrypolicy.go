// Package retrypolicy implements the retry/backoff classifier shared by
// every Azure Resource Manager call the cluster manager makes. It mirrors
// the shape of the teacher's rate_limiter transport wrapper: a small,
// dependency-light helper that every higher-level client wraps its calls
// in, rather than a framework each caller has to learn.
package retrypolicy

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"time"
)

// MaxBackoffSeconds bounds the exponential backoff component, independent
// of any retry-after override.
const MaxBackoffSeconds = 256

// HTTPStatusError is implemented by errors that carry an observed HTTP
// response so the classifier can make a status-code decision without this
// package importing the REST client package (and vice versa).
type HTTPStatusError interface {
	error
	StatusCode() int
	RetryAfter() (time.Duration, bool)
}

// retryableStatusCodes are the HTTP status codes spec.md §4.1 calls out as
// transient: 409 (conflict, usually a concurrent ARM write), 429 (throttled),
// 500 (internal error).
var retryableStatusCodes = map[int]bool{
	409: true,
	429: true,
	500: true,
}

// Retryable classifies an error as transient (true) or terminal (false).
// Transient: the enumerated HTTP status codes, unexpected EOF and plain
// EOF, DNS resolution failures, and any other error that is a net.Error or
// *net.OpError. Everything else, including a nil error, is not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		return retryableStatusCodes[statusErr.StatusCode()]
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}

// BackoffDuration returns the sleep duration before retry attempt n
// (1-indexed: n=1 is the first retry after the initial attempt), per
// spec.md §4.1: min(2^(n-1), 256) + U(0,1) seconds.
func BackoffDuration(n int) time.Duration {
	if n < 1 {
		return 0
	}
	exp := math.Min(math.Pow(2, float64(n-1)), MaxBackoffSeconds)
	jitter := rand.Float64()
	return time.Duration((exp + jitter) * float64(time.Second))
}

// RetryAfterDuration honors an HTTP retry-after override: the header value
// in seconds plus the same U(0,1) jitter, in place of the exponential
// backoff.
func RetryAfterDuration(retryAfter time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return retryAfter + jitter
}

// Op is a retryable unit of work. attempt is 0-indexed (0 is the first
// try).
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// WithRetry runs op up to n+1 times (the initial attempt plus up to n
// retries). Non-retryable errors propagate immediately. On exhaustion the
// last observed error is returned. Backoff between attempts honors a
// retry-after override carried by an HTTPStatusError, falling back to
// exponential backoff with jitter otherwise.
func WithRetry[T any](ctx context.Context, n int, op Op[T]) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt <= n; attempt++ {
		if attempt > 0 {
			wait := BackoffDuration(attempt)

			var statusErr HTTPStatusError
			if errors.As(lastErr, &statusErr) {
				if retryAfter, ok := statusErr.RetryAfter(); ok {
					wait = RetryAfterDuration(retryAfter)
				}
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !Retryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}
