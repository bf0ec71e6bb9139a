// Package scaleset implements spec.md §4.6: creating or growing a VMSS to
// a target capacity, including SSH-key injection, cloud-init, and spot
// configuration, cooperating with Azure's rate limits through the retry
// policy and with quota through internal/quota's poll loop. The image
// reference is not patched here; callers patch it with internal/imageresolver
// before handing the template over.
package scaleset

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/jsontree"
	"github.com/hashicorp/azmanagers/internal/quota"
	"github.com/hashicorp/azmanagers/internal/templates"
)

// Reconciler is the control loop described in spec.md §4.6.
type Reconciler struct {
	client *azureapi.Client
	log    hclog.Logger
}

func New(client *azureapi.Client, log hclog.Logger) *Reconciler {
	return &Reconciler{client: client, log: log.Named("scaleset")}
}

// SpotConfig carries spec.md §4.6 step 5's spot/low-priority settings.
type SpotConfig struct {
	Enabled  bool
	MaxPrice float64 // -1 means market price
}

// CloudInitFunc renders the base64-encoded customData for a scale set
// given its computer-name prefix, so the reconciler can supply the
// prefix it just chose (or reused) without cloudinit needing to know
// anything about scale sets.
type CloudInitFunc func(computerNamePrefix string) (string, error)

// Options bundles the per-call inputs to CreateOrUpdate beyond the
// template and delta.
type Options struct {
	Location      string
	SKUName       string
	SSHUser       string
	SSHPublicKey  string
	Spot          SpotConfig
	RenderCloudInit CloudInitFunc
}

const (
	scaleSetRootPath       = "properties"
	skuPath                = "sku"
	computerNamePrefixPath = "properties.virtualMachineProfile.osProfile.computerNamePrefix"
	sshKeysPath            = "properties.virtualMachineProfile.osProfile.linuxConfiguration.ssh.publicKeys"
	customDataPath         = "properties.virtualMachineProfile.osProfile.customData"
	priorityPath           = "properties.virtualMachineProfile.priority"
	evictionPolicyPath     = "properties.virtualMachineProfile.evictionPolicy"
	billingMaxPricePath    = "properties.virtualMachineProfile.billingProfile.maxPrice"
	capacityPath           = "sku.capacity"
)

// CreateOrUpdate implements spec.md §4.6 steps 1-8. It returns the new
// total instance count. The invariant spec.md §4.6 calls out -- the scale
// set's ultimate capacity equals the sum of deltas ever requested by the
// master, minus deltas removed -- is maintained by always computing the
// new capacity as currentCount+delta rather than overwriting it outright.
func (r *Reconciler) CreateOrUpdate(ctx context.Context, key azureapi.ScaleSetKey, delta int64, template jsontree.Tree, opts Options) (int64, error) {
	existing, currentCount, err := r.find(ctx, key)
	if err != nil {
		return 0, err
	}

	tmpl, err := templates.Clone(template)
	if err != nil {
		return 0, fmt.Errorf("scaleset: cloning template: %w", err)
	}

	creating := existing == nil

	prefix := ""
	if !creating {
		prefix, _ = jsontree.GetString(existing, computerNamePrefixPath)
	}
	if prefix == "" {
		suffix, err := randomLowercaseSuffix(4)
		if err != nil {
			return 0, err
		}
		prefix = fmt.Sprintf("%s-%s-", key.ScaleSet, suffix)
	}
	if err := jsontree.Set(tmpl, computerNamePrefixPath, prefix); err != nil {
		return 0, err
	}

	if err := jsontree.Append(tmpl, sshKeysPath, map[string]any{
		"path":    fmt.Sprintf("/home/%s/.ssh/authorized_keys", opts.SSHUser),
		"keyData": opts.SSHPublicKey,
	}); err != nil {
		return 0, fmt.Errorf("scaleset: appending ssh key: %w", err)
	}

	script, err := opts.RenderCloudInit(prefix)
	if err != nil {
		return 0, fmt.Errorf("scaleset: rendering cloud-init: %w", err)
	}
	if err := jsontree.Set(tmpl, customDataPath, script); err != nil {
		return 0, err
	}

	if opts.Spot.Enabled {
		if err := jsontree.Set(tmpl, priorityPath, "Spot"); err != nil {
			return 0, err
		}
		if err := jsontree.Set(tmpl, evictionPolicyPath, "Delete"); err != nil {
			return 0, err
		}
		if err := jsontree.Set(tmpl, billingMaxPricePath, opts.Spot.MaxPrice); err != nil {
			return 0, err
		}
	}

	if creating {
		// spec.md §4.6 step 6: PUT once with sku.capacity=0 to create
		// the resource with no instances.
		zeroCapacityTmpl, err := templates.Clone(tmpl)
		if err != nil {
			return 0, err
		}
		if err := jsontree.Set(zeroCapacityTmpl, capacityPath, json0()); err != nil {
			return 0, err
		}
		if _, err := r.client.PutScaleSet(ctx, key, zeroCapacityTmpl); err != nil {
			return 0, fmt.Errorf("scaleset: creating with zero capacity: %w", err)
		}
	}

	if err := quota.WaitForCapacity(ctx, r.log, r.client, key.SubscriptionID, opts.Location, opts.SKUName, delta, opts.Spot.Enabled); err != nil {
		return 0, err
	}

	newCapacity := currentCount + delta
	if err := jsontree.Set(tmpl, capacityPath, float64(newCapacity)); err != nil {
		return 0, err
	}

	if _, err := r.client.PutScaleSet(ctx, key, tmpl); err != nil {
		return 0, fmt.Errorf("scaleset: updating capacity to %d: %w", newCapacity, err)
	}

	return newCapacity, nil
}

// find implements spec.md §4.6 step 1: list existing scale sets, find the
// one named key.ScaleSet, and report its current capacity (0 if absent).
func (r *Reconciler) find(ctx context.Context, key azureapi.ScaleSetKey) (jsontree.Tree, int64, error) {
	list, err := r.client.ListScaleSets(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("scaleset: listing scale sets: %w", err)
	}

	root, ok := list.(map[string]any)
	if !ok {
		return nil, 0, nil
	}
	values, _ := root["value"].([]any)
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name != key.ScaleSet {
			continue
		}
		capacity, _ := jsontree.Get(entry, capacityPath)
		return entry, toInt64(capacity), nil
	}
	return nil, 0, nil
}

// IsVMInScaleSet implements is_vm_in_scaleset (spec.md §4.6, used during
// kill): true iff a VM named cfgName is present in the scale set.
func (r *Reconciler) IsVMInScaleSet(ctx context.Context, key azureapi.ScaleSetKey, cfgName string) (bool, error) {
	list, err := r.client.ListScaleSetVMs(ctx, key)
	if err != nil {
		return false, fmt.Errorf("scaleset: listing VMs: %w", err)
	}
	root, ok := list.(map[string]any)
	if !ok {
		return false, nil
	}
	values, _ := root["value"].([]any)
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := entry["name"].(string); name == cfgName {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes the whole scale set (the refcount-reaches-zero path in
// spec.md §4.7).
func (r *Reconciler) Delete(ctx context.Context, key azureapi.ScaleSetKey) error {
	return r.client.DeleteScaleSet(ctx, key)
}

// DeleteInstance issues the scale-set instance-delete used by the kill
// protocol (spec.md §4.7 step 6).
func (r *Reconciler) DeleteInstance(ctx context.Context, key azureapi.ScaleSetKey, instanceID string) error {
	return r.client.DeleteScaleSetInstances(ctx, key, []string{instanceID})
}

// GetInstance polls a single instance, used to detect the 404 that
// signals successful deletion (spec.md §4.7 step 7).
func (r *Reconciler) GetInstance(ctx context.Context, key azureapi.ScaleSetKey, instanceID string) (jsontree.Tree, error) {
	return r.client.GetScaleSetInstance(ctx, key, instanceID)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func json0() float64 { return 0 }

const lowercaseLetters = "abcdefghijklmnopqrstuvwxyz"

// randomLowercaseSuffix generates n random lowercase letters for the
// computer-name prefix (spec.md §4.6 step 2).
func randomLowercaseSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("scaleset: generating random suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = lowercaseLetters[int(b)%len(lowercaseLetters)]
	}
	return string(out), nil
}
