package realtime

import (
	"context"
	"sync"

	"github.com/lalith-99/nestchat/internal/transport"
)

// Factory creates the underlying transport connection on first use.
type Factory func(ctx context.Context) (transport.Transport, error)

// ConnManager owns the process-wide shared transport connection. There
// is one connection per process (one per browser tab in the web client's
// terms); channels are the per-conversation unit of sharing on top of
// it.
//
// Lifecycle: Acquire returns the shared connection, creating it on first
// use, and counts a reference. Release drops a reference, and
// ReleaseIfUnused tears the connection down once no channels hold one.
// Long-lived owners (the server) take a reference at startup so bridge
// sessions coming and going never cycle the connection.
type ConnManager struct {
	factory Factory

	mu   sync.Mutex
	conn transport.Transport
	refs int
}

func NewConnManager(factory Factory) *ConnManager {
	return &ConnManager{factory: factory}
}

func (m *ConnManager) Acquire(ctx context.Context) (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		conn, err := m.factory(ctx)
		if err != nil {
			return nil, err
		}
		m.conn = conn
	}
	m.refs++
	return m.conn, nil
}

func (m *ConnManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		m.refs--
	}
}

func (m *ConnManager) ReleaseIfUnused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 && m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Refs reports current reference count. Diagnostic only.
func (m *ConnManager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}
