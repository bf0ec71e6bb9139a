// Package cluster implements the cluster manager runtime described in
// spec.md §4.7: a process-singleton that listens for inbound worker
// sockets, wires them into the distributed-compute runtime, and tracks
// each scale set's worker reference count so it can be torn down when its
// last worker is removed.
package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/scaleset"
)

const (
	// pendingUpCapacity bounds the acceptor/registrar handoff channel
	// (spec.md §3 pendingUp, §5: "an overload of simultaneous worker
	// handshakes causes the acceptor to block, providing backpressure").
	pendingUpCapacity = 32

	// firstListenPort is where the manager starts probing for an
	// available ephemeral port (spec.md §3 listenPort).
	firstListenPort = 9000
	lastListenPort  = 9100
)

// Manager is the process-singleton cluster manager runtime. Per the
// design note in spec.md §9 ("model global mutable state as explicit
// context objects"), this is an ordinary Go value rather than hidden
// package-level state; Default() below provides the process-wide shared
// instance most callers want.
type Manager struct {
	log hclog.Logger

	session azureapi.SessionProvider
	nretry  int
	verbose bool

	client      *azureapi.Client
	reconciler  *scaleset.Reconciler
	runtime     distruntime.Runtime

	cookie string

	listener    net.Listener
	listenAddr  string
	listenPort  int

	pendingUp chan net.Conn

	pendingDownWG sync.WaitGroup

	mu             sync.Mutex
	scalesetCount  map[azureapi.ScaleSetKey]int64
	workerScaleSet map[distruntime.WorkerID]azureapi.ScaleSetKey

	started bool
	stopCh  chan struct{}
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide shared Manager, initializing it on
// first call (spec.md §4.7: "Initialization is idempotent").
func Default(rt distruntime.Runtime, session azureapi.SessionProvider, log hclog.Logger, nretry int, verbose bool) (*Manager, error) {
	var initErr error
	defaultOnce.Do(func() {
		defaultMgr = New(rt, log)
		initErr = defaultMgr.Init(session, nretry, verbose)
	})
	if initErr != nil {
		return nil, initErr
	}
	// Subsequent calls only update session, nretry, verbose.
	defaultMgr.mu.Lock()
	defaultMgr.session = session
	defaultMgr.nretry = nretry
	defaultMgr.verbose = verbose
	defaultMgr.mu.Unlock()
	return defaultMgr, nil
}

// New constructs a Manager without starting it. Most callers want
// Default(); New is exposed for tests that need an isolated instance.
func New(rt distruntime.Runtime, log hclog.Logger) *Manager {
	m := &Manager{
		log:            log.Named("cluster"),
		runtime:        rt,
		scalesetCount:  map[azureapi.ScaleSetKey]int64{},
		workerScaleSet: map[distruntime.WorkerID]azureapi.ScaleSetKey{},
		pendingUp:      make(chan net.Conn, pendingUpCapacity),
		stopCh:         make(chan struct{}),
	}
	rt.SetDeregisterHandler(m.onDeregister)
	return m
}

// Init binds the listener and starts the acceptor/registrar tasks the
// first time it is called. Later calls are no-ops for the listener and
// only refresh session/nretry/verbose, matching spec.md §4.7.
func (m *Manager) Init(session azureapi.SessionProvider, nretry int, verbose bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = session
	m.nretry = nretry
	m.verbose = verbose
	m.client = azureapi.NewClient(session, m.log, nretry, verbose, 20)
	m.reconciler = scaleset.New(m.client, m.log)

	if m.started {
		return nil
	}

	ln, port, err := listenEphemeral(firstListenPort, lastListenPort)
	if err != nil {
		return fmt.Errorf("cluster: binding listener: %w", err)
	}
	m.listener = ln
	m.listenPort = port
	m.listenAddr = ln.Addr().String()
	m.started = true

	go m.acceptLoop()
	go m.registrarLoop()

	m.log.Info("cluster manager listening", "addr", m.listenAddr, "port", m.listenPort)
	return nil
}

func listenEphemeral(first, last int) (net.Listener, int, error) {
	var lastErr error
	for port := first; port <= last; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d]: %w", first, last, lastErr)
}

// ListenAddr and ListenPort expose the bound endpoint so callers can
// render it into the worker cloud-init script.
func (m *Manager) ListenAddr() string { return m.listenAddr }
func (m *Manager) ListenPort() int    { return m.listenPort }

// SetCookie sets the shared secret workers must present during the
// handshake (spec.md §6).
func (m *Manager) SetCookie(cookie string) { m.cookie = cookie }

// Reconciler exposes the scale-set reconciler for the addprocs/rmprocs
// entry points.
func (m *Manager) Reconciler() *scaleset.Reconciler { return m.reconciler }

// Client exposes the shared Azure REST client.
func (m *Manager) Client() *azureapi.Client { return m.client }

// Shutdown stops accepting new connections and blocks until every
// in-flight kill task in pendingDown has completed (spec.md §5: "the
// process must not terminate while kill operations are outstanding").
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopCh)
	if m.listener != nil {
		_ = m.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		m.pendingDownWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
