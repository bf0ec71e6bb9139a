package distruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FakeRuntime is an in-memory Runtime used by tests and by the CLI's
// local dry-run mode. It never talks to a real distributed-compute
// runtime; it just tracks which workers are "registered" so the cluster
// manager's reference counting and kill protocol can be exercised.
type FakeRuntime struct {
	mu      sync.Mutex
	workers map[WorkerID]WorkerConfig
	next    uint64

	handler DeregisterHandler

	killed []WorkerID
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{workers: map[WorkerID]WorkerConfig{}}
}

func (f *FakeRuntime) AddWorker(_ context.Context, cfg WorkerConfig) (WorkerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := WorkerID(fmt.Sprintf("worker-%d", atomic.AddUint64(&f.next, 1)))
	f.workers[id] = cfg
	return id, nil
}

func (f *FakeRuntime) KillWorker(_ context.Context, id WorkerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.workers[id]; !ok {
		return fmt.Errorf("distruntime: unknown worker %q", id)
	}
	f.killed = append(f.killed, id)
	return nil
}

func (f *FakeRuntime) WorkerConfig(id WorkerID) (WorkerConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.workers[id]
	return cfg, ok
}

func (f *FakeRuntime) SetDeregisterHandler(h DeregisterHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// SimulateDeregister lets a test pretend the runtime observed a worker
// deregister or be interrupted, invoking whatever handler was registered.
func (f *FakeRuntime) SimulateDeregister(id WorkerID, reason DeregisterReason) {
	f.mu.Lock()
	delete(f.workers, id)
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		h(id, reason)
	}
}

// Killed returns the IDs KillWorker has been called with, in order.
func (f *FakeRuntime) Killed() []WorkerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkerID, len(f.killed))
	copy(out, f.killed)
	return out
}
