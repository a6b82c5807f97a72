// Package rpctable implements the sharded RPC lookup table (spec §5 lock
// #2: "RPC bucket lock (sharded by id)"). It reuses the teacher's
// RWMutex-guarded map idiom from
// modules/route/internal/discovery/cache.go's Cache[K,V], but extended to
// N independent shards keyed by rpcstate.Key, since RPC lifecycle needs
// per-key insert/delete rather than the discovery cache's bulk
// Swap-the-whole-map pattern.
package rpctable

import (
	"sync"

	"github.com/homatransport/homa/internal/rpcstate"
)

type shard struct {
	mu   sync.RWMutex
	rpcs map[rpcstate.Key]*rpcstate.RPC
}

// Table is a fixed set of independently-locked shards. numShards should be
// a power of two; it is rounded up to the next one if not.
type Table struct {
	shards []*shard
	mask   uint64
}

// New returns a Table with numShards shards (minimum 1, rounded up to a
// power of two).
func New(numShards int) *Table {
	if numShards < 1 {
		numShards = 1
	}
	n := 1
	for n < numShards {
		n <<= 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{rpcs: make(map[rpcstate.Key]*rpcstate.RPC)}
	}
	return &Table{shards: shards, mask: uint64(n - 1)}
}

// hash combines the key's fields into a shard selector. It need not be
// cryptographically strong, only well-distributed across ids.
func hash(key rpcstate.Key) uint64 {
	h := key.Socket*1099511628211 ^ key.Id
	h ^= uint64(key.PeerPort) * 2654435761
	for _, b := range []byte(key.PeerAddr) {
		h = h*1099511628211 ^ uint64(b)
	}
	return h
}

func (t *Table) shardFor(key rpcstate.Key) *shard {
	return t.shards[hash(key)&t.mask]
}

// Lookup returns the RPC for key, if present.
func (t *Table) Lookup(key rpcstate.Key) (*rpcstate.RPC, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rpc, ok := s.rpcs[key]
	return rpc, ok
}

// Insert adds rpc under its Key, overwriting any existing entry.
func (t *Table) Insert(rpc *rpcstate.RPC) {
	s := t.shardFor(rpc.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[rpc.Key] = rpc
}

// LookupOrCreate returns the existing RPC for key, or calls create and
// stores its result if none exists (spec §4.5 DATA: "server side creates
// on first packet"). The bucket lock is held across the check-and-create,
// so concurrent first packets for the same id race safely to a single
// winner.
func (t *Table) LookupOrCreate(key rpcstate.Key, create func() *rpcstate.RPC) (rpc *rpcstate.RPC, created bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rpc, ok := s.rpcs[key]; ok {
		return rpc, false
	}
	rpc = create()
	s.rpcs[key] = rpc
	return rpc, true
}

// Delete removes key, e.g. when an RPC transitions to DEAD and is reaped.
func (t *Table) Delete(key rpcstate.Key) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rpcs, key)
}

// Len returns the total number of tracked RPCs across all shards.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.rpcs)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every RPC in every shard, in shard order. Range takes
// each shard's read lock only for the duration of copying its entries, not
// while fn runs, so fn may call back into the table (lookup/insert/delete);
// such changes are not reflected in a shard snapshot already taken.
func (t *Table) Range(fn func(*rpcstate.RPC) bool) {
	for _, s := range t.shards {
		s.mu.RLock()
		snapshot := make([]*rpcstate.RPC, 0, len(s.rpcs))
		for _, rpc := range s.rpcs {
			snapshot = append(snapshot, rpc)
		}
		s.mu.RUnlock()

		for _, rpc := range snapshot {
			if !fn(rpc) {
				return
			}
		}
	}
}
