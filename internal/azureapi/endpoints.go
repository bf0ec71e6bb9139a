package azureapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/hashicorp/azmanagers/internal/jsontree"
)

// Typed wrappers over the endpoints enumerated in spec.md §6. Each one
// builds the URL, calls through Client.Do (which applies retry), and
// decodes the JSON response into a generic jsontree.Tree so callers can
// patch arbitrary nested fields without this package having to model the
// full ARM schema.

func (c *Client) resourceBase(subscriptionID, resourceGroup string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s", c.endpoint, subscriptionID, resourceGroup)
}

// ListScaleSets lists every VMSS in the resource group.
//
// Open question (b) from spec.md §9: the original's list call referenced
// an unbound `managersession`. This client always uses its own session,
// which is the only sane reading.
func (c *Client) ListScaleSets(ctx context.Context, key ScaleSetKey) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets?api-version=2019-12-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup))
	return c.getTree(ctx, u)
}

// GetScaleSet fetches a single scale set by name.
func (c *Client) GetScaleSet(ctx context.Context, key ScaleSetKey) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s?api-version=2019-12-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	return c.getTree(ctx, u)
}

// PutScaleSet creates or updates a scale set.
func (c *Client) PutScaleSet(ctx context.Context, key ScaleSetKey, body jsontree.Tree) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s?api-version=2019-12-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	return c.putTree(ctx, u, body)
}

// DeleteScaleSet deletes the whole scale set.
func (c *Client) DeleteScaleSet(ctx context.Context, key ScaleSetKey) error {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s?api-version=2019-12-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	_, err := c.Delete(ctx, u)
	return err
}

// DeleteScaleSetInstances issues the scale-set-level instance delete used
// by the kill protocol (spec.md §4.7 step 6).
func (c *Client) DeleteScaleSetInstances(ctx context.Context, key ScaleSetKey, instanceIDs []string) error {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s/delete?api-version=2018-06-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	body, err := json.Marshal(map[string]any{"instanceIds": instanceIDs})
	if err != nil {
		return err
	}
	_, err = c.Post(ctx, u, body)
	return err
}

// GetScaleSetInstance fetches one instance within a scale set (used to
// poll for 404 during the kill protocol, spec.md §4.7 step 7).
func (c *Client) GetScaleSetInstance(ctx context.Context, key ScaleSetKey, instanceID string) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s/virtualmachines/%s?api-version=2018-06-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet, instanceID)
	return c.getTree(ctx, u)
}

// ListScaleSetVMs lists the VM instances belonging to a scale set, used by
// is_vm_in_scaleset (spec.md §4.6).
func (c *Client) ListScaleSetVMs(ctx context.Context, key ScaleSetKey) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s/virtualMachines?api-version=2019-12-01",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	return c.getTree(ctx, u)
}

// ListScaleSetNetworkInterfaces lists the NICs attached to a scale set's
// instances.
func (c *Client) ListScaleSetNetworkInterfaces(ctx context.Context, key ScaleSetKey) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachineScaleSets/%s/networkInterfaces?api-version=2017-03-30",
		c.resourceBase(key.SubscriptionID, key.ResourceGroup), key.ScaleSet)
	return c.getTree(ctx, u)
}

// ListSKUs fetches compute SKUs filtered by location (quota checker, spec.md §4.4).
func (c *Client) ListSKUs(ctx context.Context, subscriptionID, location string) (jsontree.Tree, error) {
	filter := url.QueryEscape(fmt.Sprintf("location eq '%s'", location))
	u := fmt.Sprintf("%s/subscriptions/%s/providers/Microsoft.Compute/skus?api-version=2019-04-01&$filter=%s",
		c.endpoint, subscriptionID, filter)
	return c.getTree(ctx, u)
}

// ListUsages fetches compute usage/limits for a location.
func (c *Client) ListUsages(ctx context.Context, subscriptionID, location string) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/subscriptions/%s/providers/Microsoft.Compute/locations/%s/usages?api-version=2019-07-01",
		c.endpoint, subscriptionID, location)
	return c.getTree(ctx, u)
}

// GetVM, PutVM, DeleteVM operate on a standalone VM (detached client, spec.md §4.9).
func (c *Client) GetVM(ctx context.Context, subscriptionID, resourceGroup, name string) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=2019-07-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	return c.getTree(ctx, u)
}

func (c *Client) PutVM(ctx context.Context, subscriptionID, resourceGroup, name string, body jsontree.Tree) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=2019-07-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	return c.putTree(ctx, u, body)
}

func (c *Client) DeleteVM(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	u := fmt.Sprintf("%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=2019-07-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	_, err := c.Delete(ctx, u)
	return err
}

// GetNIC, PutNIC, DeleteNIC operate on a standalone network interface.
func (c *Client) GetNIC(ctx context.Context, subscriptionID, resourceGroup, name string) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Network/networkInterfaces/%s?api-version=2020-03-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	return c.getTree(ctx, u)
}

func (c *Client) PutNIC(ctx context.Context, subscriptionID, resourceGroup, name string, body jsontree.Tree) (jsontree.Tree, error) {
	u := fmt.Sprintf("%s/providers/Microsoft.Network/networkInterfaces/%s?api-version=2019-11-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	return c.putTree(ctx, u, body)
}

func (c *Client) DeleteNIC(ctx context.Context, subscriptionID, resourceGroup, name string) error {
	u := fmt.Sprintf("%s/providers/Microsoft.Network/networkInterfaces/%s?api-version=2019-11-01",
		c.resourceBase(subscriptionID, resourceGroup), name)
	_, err := c.Delete(ctx, u)
	return err
}

func (c *Client) getTree(ctx context.Context, u string) (jsontree.Tree, error) {
	raw, err := c.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	return jsontree.Parse(raw)
}

func (c *Client) putTree(ctx context.Context, u string, body jsontree.Tree) (jsontree.Tree, error) {
	raw, err := jsontree.Marshal(body)
	if err != nil {
		return nil, err
	}
	respRaw, err := c.Put(ctx, u, raw)
	if err != nil {
		return nil, err
	}
	if len(respRaw) == 0 {
		return nil, nil
	}
	return jsontree.Parse(respRaw)
}
