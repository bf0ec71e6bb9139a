package azureapi

import "fmt"

// ScaleSetKey is the identity of a managed scale set (spec.md §3).
type ScaleSetKey struct {
	SubscriptionID string
	ResourceGroup  string
	ScaleSet       string
}

func (k ScaleSetKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SubscriptionID, k.ResourceGroup, k.ScaleSet)
}
