package masterapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Client calls a running master process's control-plane API. Grounded on
// detachedclient.Client: plain net/http, no retry/rate-limit plumbing,
// because this talks to an in-cluster HTTP endpoint rather than ARM.
type Client struct {
	addr string
	http *http.Client
}

// NewClient builds a masterapi client targeting addr (host:port of a
// running master's -http-bind-address/-http-bind-port).
func NewClient(addr string) *Client {
	return &Client{addr: addr, http: &http.Client{Timeout: 30 * time.Second}}
}

// AddProcs calls the running master's POST /v1/addprocs.
func (c *Client) AddProcs(ctx context.Context, req AddProcsRequest) (int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	resp, err := c.post(ctx, AddProcsRoute, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("masterapi: addprocs failed: %s", readErrorBody(resp))
	}

	var out AddProcsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("masterapi: decoding addprocs response: %w", err)
	}
	return out.NewCount, nil
}

// Kill calls the running master's POST /v1/kill for the given worker IDs,
// returning the per-ID failures the master reported.
func (c *Client) Kill(ctx context.Context, ids []string) (map[string]string, error) {
	body, err := json.Marshal(KillRequest{IDs: ids})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, KillRoute, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("masterapi: kill failed: %s", readErrorBody(resp))
	}

	var out KillResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("masterapi: decoding kill response: %w", err)
	}
	return out.Errors, nil
}

func (c *Client) post(ctx context.Context, route string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", c.addr, route)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("masterapi: request to %s: %w", c.addr, err)
	}
	return resp, nil
}

func readErrorBody(resp *http.Response) string {
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return strconv.Itoa(resp.StatusCode)
	}
	return out.Error
}
