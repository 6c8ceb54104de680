package hub

import (
	"sync"
)

// Registry holds every live connection: pending ones until they
// authenticate, then keyed by worker ID in registration order.
// Lock order is Registry before WorkerConn.
type Registry struct {
	mu      sync.RWMutex
	pending map[*WorkerConn]struct{}
	workers map[string]*WorkerConn
	order   []*WorkerConn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[*WorkerConn]struct{}),
		workers: make(map[string]*WorkerConn),
	}
}

// addPending tracks a connection that has not authenticated yet
func (r *Registry) addPending(c *WorkerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[c] = struct{}{}
}

// takePending removes c from the pending set, reporting whether it was there
func (r *Registry) takePending(c *WorkerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[c]
	delete(r.pending, c)
	return ok
}

// holdPending stops the handshake timer of a pending connection so it cannot
// expire while the acknowledgement is being prepared. It reports whether c is
// still pending.
func (r *Registry) holdPending(c *WorkerConn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, isPending := r.pending[c]; !isPending {
		return false
	}
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	return true
}

// promote binds c to workerID and makes it visible to placement. It returns
// the connection previously registered under the same ID, if any.
func (r *Registry) promote(c *WorkerConn, workerID string) (previous *WorkerConn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, isPending := r.pending[c]; !isPending {
		// Closed or timed out while the token was being verified
		return nil, false
	}
	delete(r.pending, c)

	c.mu.Lock()
	c.workerID = workerID
	c.state = StateAuthenticated
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	if prev, exists := r.workers[workerID]; exists && prev != c {
		previous = prev
		r.removeFromOrder(prev)
	}
	r.workers[workerID] = c
	r.order = append(r.order, c)

	return previous, true
}

// remove drops c from the registry. It reports whether c was the registered
// connection for its worker ID; a superseded connection leaves the newer
// entry untouched.
func (r *Registry) remove(c *WorkerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, c)

	workerID := c.WorkerID()
	if workerID == "" || r.workers[workerID] != c {
		return false
	}
	delete(r.workers, workerID)
	r.removeFromOrder(c)
	return true
}

func (r *Registry) removeFromOrder(c *WorkerConn) {
	for i, candidate := range r.order {
		if candidate == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns the authenticated connection for workerID
func (r *Registry) Get(workerID string) *WorkerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[workerID]
}

// Connections returns the authenticated connections in registration order
func (r *Registry) Connections() []*WorkerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*WorkerConn, len(r.order))
	copy(conns, r.order)
	return conns
}

// Workers returns metadata snapshots of every authenticated worker
func (r *Registry) Workers() []WorkerInfo {
	conns := r.Connections()
	infos := make([]WorkerInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Count returns the number of authenticated workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// PendingCount returns the number of connections still in the handshake
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// all returns every connection, pending or authenticated
func (r *Registry) all() []*WorkerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*WorkerConn, 0, len(r.pending)+len(r.order))
	for c := range r.pending {
		conns = append(conns, c)
	}
	conns = append(conns, r.order...)
	return conns
}
