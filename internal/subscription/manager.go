// Package subscription tracks live-update subscriptions and guarantees their
// disposal.
//
// Every subscription belongs to a Scope: the lifetime of whatever consumes
// the updates (a websocket connection, a CLI run, a test). A scope holds at
// most one live subscription per key; registering the same key again
// replaces and disposes the previous one. Closing the scope disposes
// everything registered under it, so owners acquire a scope and defer its
// Close on every exit path:
//
//	scope := manager.NewScope("ws:" + userID)
//	defer scope.Close()
//	if _, err := stream.Subscribe(ctx, scope, key, render); err != nil {
//		return err
//	}
package subscription

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// OpenFunc starts the underlying live query. Updates must be routed through
// h.Deliver so that a disposed handle never reaches its callback.
type OpenFunc func(h *Handle) (io.Closer, error)

type entryKey struct {
	scope string
	key   string
}

type Manager struct {
	mu     sync.Mutex
	live   map[entryKey]*Handle
	scopes atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{live: make(map[entryKey]*Handle)}
}

// Active returns the number of live subscriptions across all scopes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// NewScope opens an owner scope. The owner label only appears in logs; each
// call yields a distinct scope.
func (m *Manager) NewScope(owner string) *Scope {
	id := fmt.Sprintf("%s#%d", owner, m.scopes.Add(1))
	return &Scope{id: id, manager: m}
}

// Register opens a subscription for key under scope. A previous live
// subscription for the same (scope, key) is disposed first.
func (m *Manager) Register(scope *Scope, key string, open OpenFunc) (*Handle, error) {
	if scope.closed.Load() {
		return nil, fmt.Errorf("register %s: scope %s is closed", key, scope.id)
	}
	ek := entryKey{scope: scope.id, key: key}

	m.mu.Lock()
	previous := m.live[ek]
	m.mu.Unlock()
	if previous != nil {
		m.Dispose(previous)
	}

	h := &Handle{manager: m, entry: ek}
	closer, err := open(h)
	if err != nil {
		h.disposed.Store(true)
		return nil, err
	}
	h.closer = closer

	m.mu.Lock()
	if current := m.live[ek]; current != nil {
		// Lost a race with a concurrent Register for the same key.
		m.mu.Unlock()
		m.Dispose(current)
		m.mu.Lock()
	}
	m.live[ek] = h
	m.mu.Unlock()

	// The scope may have closed while open ran.
	if scope.closed.Load() {
		m.Dispose(h)
		return nil, fmt.Errorf("register %s: scope %s is closed", key, scope.id)
	}

	logrus.WithFields(logrus.Fields{"scope": ek.scope, "key": key}).Debug("subscription: registered")
	return h, nil
}

// Dispose stops the subscription. It is safe to call repeatedly and on a
// handle that was already torn down.
func (m *Manager) Dispose(h *Handle) {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	if m.live[h.entry] == h {
		delete(m.live, h.entry)
	}
	m.mu.Unlock()

	if h.closer != nil {
		if err := h.closer.Close(); err != nil {
			logrus.WithError(err).WithField("key", h.entry.key).Warn("subscription: close failed")
		}
	}
	logrus.WithFields(logrus.Fields{"scope": h.entry.scope, "key": h.entry.key}).Debug("subscription: disposed")
}

// Shutdown disposes every live subscription in every scope and returns how
// many were torn down. Scopes stay open.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Dispose(h)
	}
	if len(handles) > 0 {
		logrus.WithField("disposed", len(handles)).Info("subscription: shutdown")
	}
	return len(handles)
}

func (m *Manager) disposeScope(scopeID string) int {
	m.mu.Lock()
	handles := make([]*Handle, 0)
	for ek, h := range m.live {
		if ek.scope == scopeID {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Dispose(h)
	}
	return len(handles)
}

// Handle is one live subscription.
type Handle struct {
	manager  *Manager
	entry    entryKey
	closer   io.Closer
	disposed atomic.Bool
	deliver  sync.Mutex
}

// Key returns the key the handle was registered under.
func (h *Handle) Key() string {
	return h.entry.key
}

// Disposed reports whether the handle has been torn down.
func (h *Handle) Disposed() bool {
	return h.disposed.Load()
}

// Deliver runs fn unless the handle is disposed. Deliveries are serialized
// per handle. A delivery already running when Dispose is called finishes;
// none starts afterwards.
func (h *Handle) Deliver(fn func()) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	if h.disposed.Load() {
		return
	}
	fn()
}

func (h *Handle) Dispose() {
	h.manager.Dispose(h)
}

// Scope is the owner of a group of subscriptions.
type Scope struct {
	id      string
	manager *Manager
	closed  atomic.Bool
}

func (s *Scope) ID() string {
	return s.id
}

func (s *Scope) Register(key string, open OpenFunc) (*Handle, error) {
	return s.manager.Register(s, key, open)
}

// Close disposes every subscription registered under the scope and rejects
// later registrations. It is safe to call more than once.
func (s *Scope) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	count := s.manager.disposeScope(s.id)
	if count > 0 {
		logrus.WithFields(logrus.Fields{"scope": s.id, "disposed": count}).Debug("subscription: scope closed")
	}
	return nil
}
