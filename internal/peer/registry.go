package peer

import "sync"

// Registry is a directory of Peer state keyed by address, grounded on the
// same RWMutex-map idiom as the teacher's discovery cache
// (modules/route/internal/discovery/cache.go), but with per-key
// get-or-create rather than whole-table Swap, since peers come and go
// individually as traffic arrives.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry returns an empty peer Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Get returns the Peer for addr, creating one on first use.
func (r *Registry) Get(addr string) *Peer {
	r.mu.RLock()
	p, ok := r.peers[addr]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		return p
	}
	p = New(addr)
	r.peers[addr] = p
	return p
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
