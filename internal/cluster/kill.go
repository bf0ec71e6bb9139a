package cluster

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/jsontree"
)

// rateSmoothMin/Max implement spec.md §4.7 kill step 3: "sleep a random
// 1-11s to smooth Azure's API rate limits".
const (
	rateSmoothMin = 1 * time.Second
	rateSmoothMax = 11 * time.Second

	deletePollMin = 60 * time.Second
	deletePollMax = 70 * time.Second
)

func randDuration(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min+1)))
}

// Kill implements the kill protocol of spec.md §4.7. It is what the
// distributed runtime calls when it wants a worker removed.
func (m *Manager) Kill(ctx context.Context, id distruntime.WorkerID) error {
	// Step 1: async exit RPC.
	if err := m.runtime.KillWorker(ctx, id); err != nil {
		m.log.Warn("failed to send exit RPC to worker", "id", id, "error", err)
	}

	cfg, ok := m.runtime.WorkerConfig(id)
	if !ok || cfg.UserData.InstanceID == "" {
		// Step 2: secondary processes on the same VM carry no userdata;
		// nothing further to clean up here.
		return nil
	}

	key := azureSetKeyFromUserData(cfg.UserData)

	// Step 3: smooth Azure's rate limits.
	select {
	case <-time.After(randDuration(rateSmoothMin, rateSmoothMax)):
	case <-ctx.Done():
		return ctx.Err()
	}

	// Step 4: if the group is already being torn down, nothing to do.
	if m.RefCount(key) <= 0 {
		return nil
	}

	// Step 5: if the VM is already gone from the scale set, mark
	// terminated locally and return.
	inScaleSet, err := m.reconciler.IsVMInScaleSet(ctx, key, cfg.UserData.Name)
	if err != nil {
		m.log.Warn("failed to check scale-set membership during kill", "id", id, "error", err)
	}
	if !inScaleSet {
		m.log.Info("worker VM already absent from scale set, marking terminated locally", "id", id, "name", cfg.UserData.Name)
		return nil
	}

	m.pendingDownWG.Add(1)
	go func() {
		defer m.pendingDownWG.Done()
		m.killDeleteAndVerify(context.Background(), key, cfg.UserData.InstanceID, id)
	}()

	return nil
}

// killDeleteAndVerify implements spec.md §4.7 kill steps 6-7: delete the
// scale-set instance, then poll until the VM resource 404s (success) or
// its provisioningState stops being Succeeded/Deleting (failure).
//
// Open question (a) from spec.md §9: the original polling loop exits on
// any non-Succeeded state, including Deleting, which would silently stop
// polling mid-deletion. We treat Deleting as "keep polling" and only
// treat other non-Succeeded states as a verification failure.
func (m *Manager) killDeleteAndVerify(ctx context.Context, key azureapi.ScaleSetKey, instanceID string, id distruntime.WorkerID) {
	if err := m.reconciler.DeleteInstance(ctx, key, instanceID); err != nil {
		m.log.Warn("failed to issue scale-set instance delete", "id", id, "error", err)
		return
	}

	for {
		tree, err := m.reconciler.GetInstance(ctx, key, instanceID)
		if err != nil {
			if azureapi.IsNotFound(err) {
				m.log.Info("worker VM deleted", "id", id, "instance_id", instanceID)
				return
			}
			m.log.Warn("error polling deleted worker VM, will retry", "id", id, "error", err)
		} else {
			state, _ := jsontree.GetString(tree, "properties.provisioningState")
			if state != "Succeeded" && state != "Deleting" {
				m.log.Warn("worker VM deletion verification failed, recommend manual cleanup",
					"id", id, "instance_id", instanceID, "provisioning_state", state)
				return
			}
		}

		select {
		case <-time.After(randDuration(deletePollMin, deletePollMax)):
		case <-ctx.Done():
			return
		}
	}
}
