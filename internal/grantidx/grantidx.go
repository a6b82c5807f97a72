// Package grantidx implements the Grantable Index (spec §4.3): a two-level
// ordering over RPCs with unreceived granted bytes -- per-peer, sorted
// ascending by bytes_remaining with birth as tiebreak, and globally, peers
// sorted ascending by their head RPC's (bytes_remaining, birth).
//
// List maintenance follows the teacher's RoutesList idiom
// (modules/route/internal/rib/routes.go): append-or-update then
// slices.SortFunc over an almost-sorted slice, rather than an intrusive
// doubly-linked list. See DESIGN.md for the O(1)-unlink tradeoff this
// implies.
package grantidx

import (
	"slices"
	"sync"

	"github.com/homatransport/homa/internal/peer"
	"github.com/homatransport/homa/internal/rpcstate"
)

// Index is the coarse-locked Grantable Index (spec §5 lock #4).
type Index struct {
	mu sync.Mutex

	byPeer    map[*peer.Peer][]*rpcstate.RPC
	peerOrder []*peer.Peer
}

// New returns an empty Grantable Index.
func New() *Index {
	return &Index{byPeer: make(map[*peer.Peer][]*rpcstate.RPC)}
}

func rpcLess(a, b *rpcstate.RPC) int {
	ar, br := a.BytesRemaining(), b.BytesRemaining()
	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	}
	switch {
	case a.Birth.Before(b.Birth):
		return -1
	case a.Birth.After(b.Birth):
		return 1
	default:
		return 0
	}
}

func headLess(a, b []*rpcstate.RPC) int {
	return rpcLess(a[0], b[0])
}

// Insert ensures rpc is a member of peer's grantable list, repositioning it
// (and, if its peer's head changed, the peer within the global list) per
// spec §4.3 step 1-2. Insert is idempotent: calling it again after rpc's
// bytes_remaining changed simply re-sorts it into place.
func (idx *Index) Insert(rpc *rpcstate.RPC, p *peer.Peer) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	list := idx.byPeer[p]
	if i := slices.Index(list, rpc); i < 0 {
		list = append(list, rpc)
	}
	slices.SortFunc(list, rpcLess)

	_, wasTracked := idx.byPeer[p]
	idx.byPeer[p] = list
	rpc.GrantableRef = p

	if !wasTracked {
		idx.peerOrder = append(idx.peerOrder, p)
	}
	idx.resortGlobalLocked()
}

// Remove unlinks rpc from its peer's grantable list, if present, and
// repositions or removes the peer from the global list accordingly (spec
// §4.3 Removal).
func (idx *Index) Remove(rpc *rpcstate.RPC) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	p, ok := rpc.GrantableRef.(*peer.Peer)
	if !ok || p == nil {
		return
	}

	list := idx.byPeer[p]
	i := slices.Index(list, rpc)
	if i < 0 {
		rpc.GrantableRef = nil
		return
	}
	list = slices.Delete(list, i, i+1)
	rpc.GrantableRef = nil

	if len(list) == 0 {
		delete(idx.byPeer, p)
		if j := slices.Index(idx.peerOrder, p); j >= 0 {
			idx.peerOrder = slices.Delete(idx.peerOrder, j, j+1)
		}
		return
	}
	idx.byPeer[p] = list
	idx.resortGlobalLocked()
}

func (idx *Index) resortGlobalLocked() {
	slices.SortFunc(idx.peerOrder, func(a, b *peer.Peer) int {
		return headLess(idx.byPeer[a], idx.byPeer[b])
	})
}

// Contains reports whether rpc is currently indexed.
func (idx *Index) Contains(rpc *rpcstate.RPC) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := rpc.GrantableRef.(*peer.Peer)
	return ok
}

// NumGrantablePeers is the current count of peers with at least one
// grantable RPC (spec §3).
func (idx *Index) NumGrantablePeers() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.peerOrder)
}

// Peers returns a snapshot of the globally-ordered peer list; the first RPC
// of each peer's slice is that peer's head (spec §4.4 step 2: "consider at
// most one RPC per peer per pass").
func (idx *Index) Peers() []*peer.Peer {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return slices.Clone(idx.peerOrder)
}

// Head returns p's grantable head RPC, or nil if p has none.
func (idx *Index) Head(p *peer.Peer) *rpcstate.RPC {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	list := idx.byPeer[p]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// IsHead reports whether rpc is currently the head of its peer's list (used
// by the FIFO pity grant to exclude RPCs that are about to be granted via
// the ordinary SRPT pass anyway, spec §4.4 step 6).
func (idx *Index) IsHead(rpc *rpcstate.RPC) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	p, ok := rpc.GrantableRef.(*peer.Peer)
	if !ok {
		return false
	}
	list := idx.byPeer[p]
	return len(list) > 0 && list[0] == rpc
}

// AllGrantable returns every indexed RPC across all peers, for the FIFO
// pity-grant scan (spec §4.4 step 6) and for test assertions of total
// order.
func (idx *Index) AllGrantable() []*rpcstate.RPC {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*rpcstate.RPC, 0)
	for _, p := range idx.peerOrder {
		out = append(out, idx.byPeer[p]...)
	}
	return out
}
