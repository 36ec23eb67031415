// Package registry maps peer identifiers to their live signaling
// connections. At most one connection holds a given id at any instant; a
// later bind for the same id displaces and closes the earlier holder.
package registry

import "sync"

// ReasonIDTaken is the close reason delivered to a connection displaced by a
// newer bind of the same peer id. Clients distinguish it from ordinary
// closes to decide whether to retry with a fresh id.
const ReasonIDTaken = "ID-taken"

// Conn is the transport handle bound to a peer id. The registry only ever
// writes to a connection it is displacing, and only to close it.
type Conn interface {
	// CloseWithReason closes the underlying transport, sending reason as the
	// close signal when the transport supports one. Must be safe to call
	// more than once and from any goroutine.
	CloseWithReason(reason string)
}

// Registry is a mutex-guarded id→connection map. Binds and unbinds for the
// same id never interleave.
type Registry struct {
	mu    sync.Mutex
	peers map[string]Conn
}

func New() *Registry {
	return &Registry{
		peers: make(map[string]Conn),
	}
}

// Bind installs conn as the exclusive holder of id. Any prior holder is
// closed with ReasonIDTaken. Reconnection races are expected: the newer bind
// always wins. Returns true if a prior holder was displaced.
//
// The displaced connection is closed outside the lock so a slow transport
// close cannot stall unrelated binds.
func (r *Registry) Bind(id string, conn Conn) bool {
	r.mu.Lock()
	prev := r.peers[id]
	if prev == conn {
		r.mu.Unlock()
		return false
	}
	r.peers[id] = conn
	r.mu.Unlock()

	if prev != nil {
		prev.CloseWithReason(ReasonIDTaken)
		return true
	}
	return false
}

// Lookup returns the connection currently bound to id, or nil. A nil result
// means "undeliverable", not an error: callers drop the message.
func (r *Registry) Lookup(id string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

// Unbind removes the id→conn mapping only if conn is still the current
// holder. A stale close racing a newer bind of the same id must not evict
// the newer connection.
func (r *Registry) Unbind(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[id] != conn {
		return false
	}
	delete(r.peers, id)
	return true
}

// Len reports the number of currently-bound peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
