package cluster

import (
	"context"
	"errors"
	"net"

	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/workerwire"
)

// acceptLoop is the acceptor task from spec.md §4.7/§5: forever accept a
// connection and push it into pendingUp. Blocking on the bounded channel
// applies natural backpressure when handshakes arrive faster than the
// registrar can process them.
func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.log.Error("accept failed", "error", err)
			continue
		}

		select {
		case m.pendingUp <- conn:
		case <-m.stopCh:
			_ = conn.Close()
			return
		}
	}
}

// registrarLoop is the registrar task from spec.md §4.7: forever take a
// socket and register it as a worker with the distributed runtime.
func (m *Manager) registrarLoop() {
	for {
		select {
		case conn := <-m.pendingUp:
			m.attachWorker(conn)
		case <-m.stopCh:
			return
		}
	}
}

// attachWorker implements spec.md §4.7's launch callback: read the
// cookie and self-description, build a WorkerConfig, and hand it to the
// distributed runtime. Any handshake failure closes the connection
// without registering a worker (spec.md §7: "terminate the inbound
// connection; do not register a worker; log").
func (m *Manager) attachWorker(conn net.Conn) {
	desc, err := workerwire.ReadHandshake(conn, m.cookie)
	if err != nil {
		if errors.Is(err, workerwire.ErrCookieMismatch) {
			m.log.Warn("worker handshake failed: invalid cookie", "remote", conn.RemoteAddr())
		} else {
			m.log.Warn("worker handshake failed", "remote", conn.RemoteAddr(), "error", err)
		}
		_ = conn.Close()
		return
	}

	cfg := distruntime.WorkerConfig{
		Conn:     conn,
		BindAddr: desc.BindAddr,
		Count:    desc.PPI,
		ExeName:  "azworker",
		ExeFlags: "--worker",
		UserData: desc.UserData,
	}

	id, err := m.runtime.AddWorker(context.Background(), cfg)
	if err != nil {
		m.log.Error("failed to register worker with runtime", "error", err)
		_ = conn.Close()
		return
	}

	key := azureSetKeyFromUserData(desc.UserData)
	m.mu.Lock()
	m.workerScaleSet[id] = key
	m.mu.Unlock()

	m.log.Info("registered worker", "id", id, "bind_addr", desc.BindAddr, "scaleset", key)
}
