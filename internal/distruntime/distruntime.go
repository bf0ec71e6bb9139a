// Package distruntime models the distributed-compute runtime that
// spec.md §1 explicitly treats as an external collaborator: worker-process
// bootstrapping, message serialization, and remote-call RPC are all out
// of scope for this module. What remains in scope is the narrow boundary
// the cluster manager (internal/cluster) needs to cross: handing off a
// freshly-registered worker connection, and being told when a worker
// leaves so the scale-set reference count can be adjusted.
package distruntime

import (
	"context"
	"net"

	"github.com/hashicorp/azmanagers/internal/workerwire"
)

// WorkerID identifies a worker process within the distributed runtime.
type WorkerID string

// WorkerConfig is the struct attached to each live worker, per spec.md §3.
type WorkerConfig struct {
	Conn     net.Conn
	BindAddr string
	Count    int // processes-per-instance
	ExeName  string
	ExeFlags string
	UserData workerwire.UserData
}

// DeregisterReason distinguishes the two ways a worker leaves the runtime
// on its own (spec.md §4.7: "manage(:deregister) or manage(:interrupt)").
type DeregisterReason int

const (
	Deregistered DeregisterReason = iota
	Interrupted
)

// DeregisterHandler is invoked by the Runtime whenever a worker leaves,
// so the cluster manager can decrement its scale-set reference count.
type DeregisterHandler func(id WorkerID, reason DeregisterReason)

// Runtime is the boundary the cluster manager depends on. A real
// implementation would bridge into the distributed-compute runtime's own
// process registry and RPC layer; that bridge is out of scope here.
type Runtime interface {
	// AddWorker hands a freshly handshaked connection to the runtime,
	// which attaches it as a worker process and returns its ID.
	AddWorker(ctx context.Context, cfg WorkerConfig) (WorkerID, error)

	// KillWorker sends an async exit RPC to the worker process
	// (spec.md §4.7 kill step 1). It does not block on the worker
	// acknowledging.
	KillWorker(ctx context.Context, id WorkerID) error

	// WorkerConfig returns the config a live worker was registered with,
	// used by the kill protocol to check for userdata (spec.md §4.7 kill
	// step 2) and by reference counting to find the worker's scale-set key.
	WorkerConfig(id WorkerID) (WorkerConfig, bool)

	// SetDeregisterHandler registers the callback invoked when a worker
	// deregisters or is interrupted from the runtime side.
	SetDeregisterHandler(h DeregisterHandler)
}
