// Package azureapi is the single chokepoint through which every Azure
// Resource Manager call in this module passes. It plays the role the
// teacher's rate_limiter package plays for Nomad Autoscaler's APM/target
// plugin HTTP calls: a pooled, rate-limited, metrics-instrumented
// transport wrapping github.com/hashicorp/go-cleanhttp, generalized here
// to also promote non-2xx responses into a typed, retry-classifiable
// error.
package azureapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/hashicorp/azmanagers/internal/retrypolicy"
)

const defaultManagementEndpoint = "https://management.azure.com"

// SessionProvider is the out-of-scope OAuth token acquisition collaborator
// (spec.md §1). This module never talks to Azure AD directly; it is only
// ever handed a provider that already knows how to mint bearer tokens.
type SessionProvider interface {
	Token() string
}

// rateLimitedTransport mirrors rate_limiter.CustomRoundTRipper: it applies
// a client-side token-bucket limiter and records per-method counters
// before delegating to the wrapped transport.
type rateLimitedTransport struct {
	limiter *rate.Limiter
	rt      http.RoundTripper
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("azureapi: rate limit wait: %w", err)
		}
	}

	labels := []metrics.Label{{Name: "method", Value: req.Method}}
	defer metrics.MeasureSinceWithLabels([]string{"azure", "request", "dur"}, time.Now(), labels)

	resp, err := t.rt.RoundTrip(req)
	if err == nil && resp != nil {
		metrics.IncrCounterWithLabels([]string{"azure", "request", "count"}, 1, labels)
	}
	return resp, err
}

// Client is the REST client described in spec.md §4.2. Every higher-level
// package (scaleset, quota, imageresolver, ...) is built on top of it.
type Client struct {
	httpClient *http.Client
	session    SessionProvider
	log        hclog.Logger

	// NRetry is the default retry budget (spec.md §3 nretry) applied by
	// Get/Put/Post/Delete. Every call made through Do uses it; there is
	// no per-call override.
	NRetry int

	// Verbose mirrors spec.md §3 verbose: when true, each request's method
	// and URL and each response's status and body are logged at debug
	// level. Request bodies are not logged.
	Verbose bool

	endpoint string
}

// NewClient builds a Client. ratePerSec follows rate_limiter's convention:
// -1 disables rate limiting, 0 lets no request through (the limiter wait
// fails), N limits to N requests/sec.
func NewClient(session SessionProvider, log hclog.Logger, nretry int, verbose bool, ratePerSec int) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Transport.(*http.Transport).MaxConnsPerHost = 50

	rt := &rateLimitedTransport{rt: httpClient.Transport}
	if ratePerSec != -1 {
		rt.limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	httpClient.Transport = rt

	return &Client{
		httpClient: httpClient,
		session:    session,
		log:        log.Named("azureapi"),
		NRetry:     nretry,
		Verbose:    verbose,
		endpoint:   defaultManagementEndpoint,
	}
}

// azRequest issues a single HTTP call with retry and status-exception
// handling both disabled at the transport layer (spec.md §4.2): it never
// retries here and it never treats a non-2xx response as a Go error from
// the http package's point of view. Instead any status >= 300 is promoted
// to a *StatusError so retrypolicy can classify it by status code.
func (c *Client) azRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("azureapi: build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.Verbose {
		c.log.Debug("azure request", "method", method, "url", url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("azureapi: read response body: %w", err)
	}

	if c.Verbose {
		c.log.Debug("azure response", "status", resp.StatusCode, "body", string(respBody))
	}

	if resp.StatusCode >= 300 {
		return respBody, resp, &StatusError{Status: resp.StatusCode, Response: respBody, Header: resp.Header}
	}

	return respBody, resp, nil
}

// Do runs azRequest wrapped in the retry policy with the client's default
// retry budget. All higher-level callers (Get/Put/Post/Delete below, and
// every package building on this client) go through this one entry point.
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	result, err := retrypolicy.WithRetry(ctx, c.NRetry, func(ctx context.Context, attempt int) ([]byte, error) {
		if attempt > 0 {
			c.log.Debug("retrying azure request", "method", method, "url", url, "attempt", attempt)
		}
		respBody, _, err := c.azRequest(ctx, method, url, headers, body)
		return respBody, err
	})
	return result, err
}

// Get issues a GET and returns the raw response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, url, nil, nil)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, url string, body []byte) ([]byte, error) {
	return c.Do(ctx, http.MethodPut, url, nil, body)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, url, nil, body)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, url, nil, nil)
}
