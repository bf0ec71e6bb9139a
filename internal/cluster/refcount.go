package cluster

import (
	"context"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/workerwire"
)

func azureSetKeyFromUserData(u workerwire.UserData) azureapi.ScaleSetKey {
	return azureapi.ScaleSetKey{
		SubscriptionID: u.SubscriptionID,
		ResourceGroup:  u.ResourceGroup,
		ScaleSet:       u.ScaleSetName,
	}
}

// AddRef implements spec.md §4.7: "on addprocs, add delta to
// scalesetCount[key]". delta here is a worker-process count (nInstances *
// ppi), not a VM-instance count; see the open question in spec.md §9(c)
// about per-process vs per-instance accounting.
func (m *Manager) AddRef(key azureapi.ScaleSetKey, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalesetCount[key] += delta
	return m.scalesetCount[key]
}

// RefCount returns the current worker-process count tracked for key.
func (m *Manager) RefCount(key azureapi.ScaleSetKey) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scalesetCount[key]
}

// onDeregister is the distruntime.DeregisterHandler registered in New.
// It implements spec.md §4.7: "On manage(:deregister) or
// manage(:interrupt), decrement by one; when a count reaches zero,
// synchronously delete the whole scale set."
func (m *Manager) onDeregister(id distruntime.WorkerID, _ distruntime.DeregisterReason) {
	m.mu.Lock()
	key, ok := m.workerScaleSet[id]
	if ok {
		delete(m.workerScaleSet, id)
	}
	var count int64
	if ok {
		m.scalesetCount[key]--
		count = m.scalesetCount[key]
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if count <= 0 {
		m.log.Info("scale set reference count reached zero, deleting", "scaleset", key)
		if err := m.reconciler.Delete(context.Background(), key); err != nil {
			m.log.Error("failed to delete scale set", "scaleset", key, "error", err)
		}
	}
}
