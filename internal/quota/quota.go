// Package quota implements spec.md §4.4: polling Azure usage vs. limit
// for a VM family, for both the regular and spot (low-priority) pools.
package quota

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/jsontree"
)

// Availability is the result of a quota check for one SKU family.
type Availability struct {
	Family          string
	VCPUsPerMachine int64
	AvailableRegular int64
	AvailableSpot    int64
}

// Check implements spec.md §4.4 steps 1-3. The SKU lookup and the usage
// lookup are independent ARM calls, so they run concurrently via
// errgroup, the same way the teacher's azure-vmss target plugin fans out
// per-VM instance-view lookups in getFlexibleReadyRemoteIDs.
func Check(ctx context.Context, client *azureapi.Client, subscriptionID, location, skuName string, nRequested int64) (*Availability, error) {
	var (
		family  string
		vcpus   int64
		usages  jsontree.Tree
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		skus, err := client.ListSKUs(gctx, subscriptionID, location)
		if err != nil {
			return fmt.Errorf("quota: listing SKUs: %w", err)
		}
		f, v, err := findSKU(skus, skuName)
		if err != nil {
			return err
		}
		family, vcpus = f, v
		return nil
	})

	g.Go(func() error {
		u, err := client.ListUsages(gctx, subscriptionID, location)
		if err != nil {
			return fmt.Errorf("quota: listing usages: %w", err)
		}
		usages = u
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	regularLimit, regularCurrent, err := findUsage(usages, family)
	if err != nil {
		return nil, err
	}
	spotLimit, spotCurrent, err := findUsage(usages, "lowPriorityCores")
	if err != nil {
		return nil, err
	}

	return &Availability{
		Family:           family,
		VCPUsPerMachine:  vcpus,
		AvailableRegular: regularLimit - regularCurrent - nRequested*vcpus,
		AvailableSpot:    spotLimit - spotCurrent - nRequested*vcpus,
	}, nil
}

// findSKU locates the SKU entry whose name matches skuName and extracts
// its family and vCPUs capability (spec.md §4.4 step 1).
func findSKU(skus jsontree.Tree, skuName string) (family string, vcpus int64, err error) {
	root, ok := skus.(map[string]any)
	if !ok {
		return "", 0, fmt.Errorf("quota: unexpected SKU response shape")
	}
	values, _ := root["value"].([]any)
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name != skuName {
			continue
		}
		family, _ = entry["family"].(string)
		caps, _ := entry["capabilities"].([]any)
		for _, c := range caps {
			capEntry, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if capName, _ := capEntry["name"].(string); capName == "vCPUs" {
				if raw, ok := capEntry["value"].(string); ok {
					var n json.Number = json.Number(raw)
					vcpus, _ = n.Int64()
				}
			}
		}
		return family, vcpus, nil
	}
	return "", 0, fmt.Errorf("quota: SKU %q not found in location", skuName)
}

// findUsage locates the usage entry keyed by name (family, or
// "lowPriorityCores" for the spot pool) and returns its limit and current
// value (spec.md §4.4 step 2).
func findUsage(usages jsontree.Tree, name string) (limit int64, current int64, err error) {
	root, ok := usages.(map[string]any)
	if !ok {
		return 0, 0, fmt.Errorf("quota: unexpected usage response shape")
	}
	values, _ := root["value"].([]any)
	for _, v := range values {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		n, ok := entry["name"].(map[string]any)
		if !ok {
			continue
		}
		val, _ := n["value"].(string)
		if val != name {
			continue
		}
		limit = toInt64(entry["limit"])
		current = toInt64(entry["currentValue"])
		return limit, current, nil
	}
	return 0, 0, fmt.Errorf("quota: usage entry %q not found in location", name)
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
