// Package detachedclient implements spec.md §4.9: the caller-side half of
// the detached-job mechanism. It provisions a standalone VM (or targets
// an existing one by IP), waits for the detached-job HTTP service to come
// up, and submits/polls/retrieves jobs over that service's wire protocol.
package detachedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/cloudinit"
	"github.com/hashicorp/azmanagers/internal/imageresolver"
	"github.com/hashicorp/azmanagers/internal/jsontree"
	"github.com/hashicorp/azmanagers/internal/metadata"
	"github.com/hashicorp/azmanagers/internal/quota"
)

const detachedPort = 8081

// VM is the client-side DetachedJob handle's `vm` field (spec.md §3):
// `{vm: {name, ip, subscriptionid, resourcegroup}, id, logUrl}`.
type VM struct {
	Name           string `json:"name"`
	IP             string `json:"ip"`
	SubscriptionID string `json:"subscriptionid"`
	ResourceGroup  string `json:"resourcegroup"`
}

// Job is the client-side DetachedJob handle.
type Job struct {
	VM     VM     `json:"vm"`
	ID     string `json:"id"`
	LogURL string `json:"logUrl"`
}

// Client is the detached-job caller: it provisions VMs via azureapi and
// talks to the detached-job HTTP service over plain net/http, independent
// of azureapi.Client's retry/rate-limit plumbing (the detached service is
// not an ARM endpoint).
type Client struct {
	az       *azureapi.Client
	log      hclog.Logger
	http     *http.Client
	nretry   int

	// WorkerTimeout bounds VM provisioning and ping-until-healthy polling
	// (spec.md §4.9 step 7: "Enforce a timeout equal to the distributed
	// runtime's worker-timeout").
	WorkerTimeout time.Duration
}

// New builds a detached-job client. workerTimeout mirrors the distributed
// runtime's own worker-registration timeout (an out-of-scope collaborator
// value, passed in rather than imported).
func New(az *azureapi.Client, log hclog.Logger, nretry int, workerTimeout time.Duration) *Client {
	return &Client{
		az:            az,
		log:           log.Named("detached_client"),
		http:          &http.Client{Timeout: 30 * time.Second},
		nretry:        nretry,
		WorkerTimeout: workerTimeout,
	}
}

// AddProcOptions bundles addproc's inputs (spec.md §4.9 steps 1-9).
type AddProcOptions struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string
	SKUName        string
	Name           string

	VMTemplate  jsontree.Tree
	NICTemplate jsontree.Tree

	SSHUser      string
	SSHPublicKey string

	Spot bool

	Image imageresolver.Inputs

	// DetachedService selects LaunchDetachedServer cloud-init over the
	// plain worker launch (spec.md §4.9 step 4).
	DetachedService bool
	CloudInit       cloudinit.Config
}

// AddProc implements spec.md §4.9's addproc: provision one standalone VM,
// wait for it to reach Succeeded, and (for a detached-service VM) wait
// until its HTTP service answers /ping.
func (c *Client) AddProc(ctx context.Context, opts AddProcOptions) (*VM, error) {
	ctx, cancel := context.WithTimeout(ctx, c.WorkerTimeout)
	defer cancel()

	// Step 1: resolve image.
	md := metadata.NewClient()
	if err := imageresolver.Resolve(ctx, md, opts.VMTemplate, opts.Image, false); err != nil {
		return nil, fmt.Errorf("detachedclient: resolving image: %w", err)
	}

	// Step 2: PUT the NIC, inject its id into the VM template.
	nic, err := c.az.PutNIC(ctx, opts.SubscriptionID, opts.ResourceGroup, opts.Name+"-nic", opts.NICTemplate)
	if err != nil {
		return nil, fmt.Errorf("detachedclient: creating NIC: %w", err)
	}
	nicID, _ := jsontree.GetString(nic, "id")
	if err := jsontree.Set(opts.VMTemplate, "properties.networkProfile.networkInterfaces.0.id", nicID); err != nil {
		return nil, fmt.Errorf("detachedclient: wiring NIC into VM template: %w", err)
	}

	// Step 3: append the SSH public key.
	if err := jsontree.Append(opts.VMTemplate, "properties.osProfile.linuxConfiguration.ssh.publicKeys",
		map[string]any{
			"path":    fmt.Sprintf("/home/%s/.ssh/authorized_keys", opts.SSHUser),
			"keyData": opts.SSHPublicKey,
		}); err != nil {
		return nil, fmt.Errorf("detachedclient: appending SSH key: %w", err)
	}

	// Step 4: render cloud-init.
	cfg := opts.CloudInit
	if opts.DetachedService {
		cfg.Mode = cloudinit.LaunchDetachedServer
		cfg.Detached = cloudinit.DetachedLaunch{Port: detachedPort, DetachedAgentExe: cfg.Detached.DetachedAgentExe}
	}
	script, err := cloudinit.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("detachedclient: rendering cloud-init: %w", err)
	}
	if err := jsontree.Set(opts.VMTemplate, "properties.osProfile.customData", cloudinit.Base64(script)); err != nil {
		return nil, fmt.Errorf("detachedclient: setting customData: %w", err)
	}

	// Step 5: quota-loop for a single VM.
	if err := quota.WaitForCapacity(ctx, c.log, c.az, opts.SubscriptionID, opts.Location, opts.SKUName, 1, opts.Spot); err != nil {
		return nil, fmt.Errorf("detachedclient: waiting for quota: %w", err)
	}

	// Step 6: PUT the VM.
	if _, err := c.az.PutVM(ctx, opts.SubscriptionID, opts.ResourceGroup, opts.Name, opts.VMTemplate); err != nil {
		return nil, fmt.Errorf("detachedclient: creating VM: %w", err)
	}

	// Step 7: poll provisioningState.
	if err := c.pollProvisioning(ctx, opts.SubscriptionID, opts.ResourceGroup, opts.Name); err != nil {
		return nil, err
	}

	// Step 8: GET the NIC, extract the private IP.
	nic, err = c.az.GetNIC(ctx, opts.SubscriptionID, opts.ResourceGroup, opts.Name+"-nic")
	if err != nil {
		return nil, fmt.Errorf("detachedclient: fetching NIC: %w", err)
	}
	ip, _ := jsontree.GetString(nic, "properties.ipConfigurations.0.properties.privateIPAddress")

	vm := &VM{
		Name:           opts.Name,
		IP:             ip,
		SubscriptionID: opts.SubscriptionID,
		ResourceGroup:  opts.ResourceGroup,
	}

	// Step 9: ping until healthy.
	if opts.DetachedService {
		if err := c.waitForPing(ctx, ip); err != nil {
			return nil, err
		}
	}

	return vm, nil
}

func (c *Client) pollProvisioning(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		tree, err := c.az.GetVM(ctx, subscriptionID, resourceGroup, name)
		if err != nil {
			return fmt.Errorf("detachedclient: polling VM: %w", err)
		}
		state, _ := jsontree.GetString(tree, "properties.provisioningState")
		switch state {
		case "Succeeded":
			return nil
		case "Failed":
			return fmt.Errorf("detachedclient: VM %s provisioning failed", name)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("detachedclient: timed out waiting for VM %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitForPing implements spec.md §4.9 step 9: poll /ping every 5s.
func (c *Client) waitForPing(ctx context.Context, ip string) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	url := fmt.Sprintf("http://%s:%d/cofii/detached/ping", ip, detachedPort)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("detachedclient: timed out waiting for detached service at %s: %w", ip, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RmProc implements spec.md §4.9's rmproc: delete the VM, poll a GET of
// that VM until it returns 404 (bounded, warn-and-continue on overrun),
// then delete the NIC.
func (c *Client) RmProc(ctx context.Context, vm VM) error {
	if err := c.az.DeleteVM(ctx, vm.SubscriptionID, vm.ResourceGroup, vm.Name); err != nil {
		return fmt.Errorf("detachedclient: deleting VM: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.WorkerTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

poll:
	for {
		_, err := c.az.GetVM(waitCtx, vm.SubscriptionID, vm.ResourceGroup, vm.Name)
		if err != nil && azureapi.IsNotFound(err) {
			break poll
		}
		select {
		case <-waitCtx.Done():
			c.log.Warn("timed out waiting for VM deletion to be visible, continuing anyway", "vm", vm.Name)
			break poll
		case <-ticker.C:
		}
	}

	if err := c.az.DeleteNIC(ctx, vm.SubscriptionID, vm.ResourceGroup, vm.Name+"-nic"); err != nil {
		return fmt.Errorf("detachedclient: deleting NIC: %w", err)
	}
	return nil
}

// runRequest/runResponse mirror detachedsvc's wire types.
type runRequest struct {
	Code           string         `json:"code"`
	Persist        bool           `json:"persist"`
	VariableBundle map[string]any `json:"variablebundle,omitempty"`
}

type runResponse struct {
	ID string `json:"id"`
}

// DetachedRun implements spec.md §4.9's detachedRun: POST /run against an
// already-running detached-service VM and return a Job handle.
func (c *Client) DetachedRun(ctx context.Context, vm VM, code string, persist bool, variableBundle map[string]any) (*Job, error) {
	body, err := json.Marshal(runRequest{Code: code, Persist: persist, VariableBundle: variableBundle})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d/cofii/detached/run", vm.IP, detachedPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detachedclient: run request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detachedclient: run failed: %s", readErrorBody(resp))
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detachedclient: decoding run response: %w", err)
	}

	return &Job{
		VM:     vm,
		ID:     out.ID,
		LogURL: fmt.Sprintf("http://%s:%d/cofii/detached/job/%s", vm.IP, detachedPort, out.ID),
	}, nil
}

// Stdio selects which captured stream Read retrieves.
type Stdio int

const (
	Stdout Stdio = iota
	Stderr
)

// Read implements spec.md §4.9's `read(job, stdio)`.
func (c *Client) Read(ctx context.Context, job *Job, stdio Stdio) (string, error) {
	stream := "stdout"
	if stdio == Stderr {
		stream = "stderr"
	}
	url := fmt.Sprintf("http://%s:%d/cofii/detached/job/%s/%s", job.VM.IP, detachedPort, job.ID, stream)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("detachedclient: read request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("detachedclient: read failed: %s", strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// Status implements spec.md §4.9's `status(job)`.
func (c *Client) Status(ctx context.Context, job *Job) (string, error) {
	url := fmt.Sprintf("http://%s:%d/cofii/detached/job/%s/status", job.VM.IP, detachedPort, job.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("detachedclient: status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("detachedclient: status failed: %s", readErrorBody(resp))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Wait implements spec.md §4.9's `wait(job)`.
func (c *Client) Wait(ctx context.Context, job *Job) error {
	url := fmt.Sprintf("http://%s:%d/cofii/detached/job/%s/wait", job.VM.IP, detachedPort, job.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("detachedclient: wait request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detachedclient: job failed: %s", readErrorBody(resp))
	}
	return nil
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
