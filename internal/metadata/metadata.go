// Package metadata talks to the Azure instance metadata service that
// runs on every Azure VM at a fixed link-local address. It backs the
// image resolver's "ask the instance what image it booted from" path
// (spec.md §4.3) and the preemption check (spec.md §6).
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	baseURL = "http://169.254.169.254/metadata/instance"

	// requestTimeout bounds every metadata call; the service only exists
	// on Azure VMs and must never hang the caller.
	requestTimeout = 5 * time.Second
)

// Client is a thin wrapper over the instance metadata service's HTTP API.
// Unlike azureapi.Client this never goes through OAuth or retry/backoff:
// the metadata endpoint is a local link, and a failure here usually means
// "not running on Azure", which is not retryable.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}}
}

func (c *Client) get(ctx context.Context, path string, apiVersion string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s%s?api-version=%s", baseURL, path, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("metadata: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata: status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// ImageReference mirrors the shape of
// /metadata/instance/compute/storageProfile/imageReference.
type ImageReference struct {
	ID        string `json:"id"`
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version"`
}

// ImageReference queries the booting VM's own image reference
// (spec.md §4.3 step 1).
func (c *Client) ImageReference(ctx context.Context) (*ImageReference, error) {
	body, err := c.get(ctx, "/compute/storageProfile/imageReference", "2019-06-01")
	if err != nil {
		return nil, err
	}
	var ref ImageReference
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("metadata: decode imageReference: %w", err)
	}
	return &ref, nil
}

// ComputeIdentity mirrors the subset of
// /metadata/instance/compute needed to populate a DetachedVM self-identity
// (spec.md §3, §4.8 GET .../vm).
type ComputeIdentity struct {
	Name              string `json:"name"`
	ResourceGroupName string `json:"resourceGroupName"`
	SubscriptionID    string `json:"subscriptionId"`
}

// Identity queries the booting VM's own name, resource group, and
// subscription, used to populate the detached service's self-identity
// singleton.
func (c *Client) Identity(ctx context.Context) (*ComputeIdentity, error) {
	body, err := c.get(ctx, "/compute", "2019-06-01")
	if err != nil {
		return nil, err
	}
	var id ComputeIdentity
	if err := json.Unmarshal(body, &id); err != nil {
		return nil, fmt.Errorf("metadata: decode compute identity: %w", err)
	}
	return &id, nil
}

// PrivateIP queries the primary private IPv4 address of the VM's first
// network interface, used to populate the detached service's
// self-identity singleton alongside Identity.
func (c *Client) PrivateIP(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/network/interface/0/ipv4/ipAddress/0/privateIpAddress", "2019-06-01")
	if err != nil {
		return "", err
	}
	// The endpoint returns a bare quoted string.
	var ip string
	if err := json.Unmarshal(body, &ip); err != nil {
		return "", fmt.Errorf("metadata: decode private IP: %w", err)
	}
	return ip, nil
}

// ScheduledEvent is one entry returned by the scheduledevents document.
type ScheduledEvent struct {
	EventType string `json:"EventType"`
}

type scheduledEventsDocument struct {
	Events []ScheduledEvent `json:"Events"`
}

// Preempted reports whether a Preempt event is scheduled for this
// instance (spec.md §6 preempted()).
func (c *Client) Preempted(ctx context.Context) (bool, error) {
	body, err := c.get(ctx, "/scheduledevents", "2019-08-01")
	if err != nil {
		return false, err
	}
	var doc scheduledEventsDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, fmt.Errorf("metadata: decode scheduledevents: %w", err)
	}
	for _, e := range doc.Events {
		if e.EventType == "Preempt" {
			return true, nil
		}
	}
	return false, nil
}
