// Package bufpool defines the user-space buffer pool interface consumed by
// the reassembler's copy_to_user step (spec §4.1, §6) and a reference
// implementation usable in tests and the standalone daemon.
//
// The real allocator lives outside the receive-side core (spec §1): it is a
// per-socket pool of fixed-size "bpages" shared with a user process. Core
// code only ever sees this narrow interface.
package bufpool

import "fmt"

// Pool is the user-buffer-pool interface consumed by copy_to_user.
//
// Implementations own bpage-aligned allocation; CopyToUser is responsible
// for placing length bytes of src at the message-relative byte offset
// dstOffset, allocating additional bpages as needed. Pool implementations
// must be safe for concurrent use by multiple RPCs; a single RPC's own
// calls are already serialized by copy_to_user's caller (spec §5: copy_to_user
// never holds any core lock, but only one COPYING_TO_USER copy runs per RPC
// at a time).
type Pool interface {
	// BPageSize returns the pool's fixed page size in bytes.
	BPageSize() int
	// CopyToUser copies src into the pool at message-relative offset
	// dstOffset, allocating bpages as required. Returns an error (wrapping
	// an allocation or fault condition) if the copy could not complete; in
	// that case no bytes past the last successfully copied one were
	// written.
	CopyToUser(rpcKey uint64, dstOffset int64, src []byte) error
}

// MemPool is a reference Pool backed by plain Go memory, bpage-chunked the
// same way the real allocator is. It exists for tests and for the
// standalone `homad` daemon, which has no real kernel-backed user memory to
// attach to. MemPool does not synchronise access to its maps: calls on one
// MemPool must not run concurrently.
type MemPool struct {
	bpageSize int
	// FailAtOffset, if set (>=0) for a given rpcKey, makes the next
	// CopyToUser call for that rpc fail once dstOffset+len(src) would pass
	// that many total bytes copied so far, simulating allocator exhaustion;
	// used to test copy_to_user idempotency across retries.
	failAtOffset map[uint64]int64
	buffers      map[uint64][]byte
}

// NewMemPool creates a MemPool with the given bpage size.
func NewMemPool(bpageSize int) *MemPool {
	if bpageSize <= 0 {
		bpageSize = 4096
	}
	return &MemPool{
		bpageSize:    bpageSize,
		failAtOffset: make(map[uint64]int64),
		buffers:      make(map[uint64][]byte),
	}
}

func (p *MemPool) BPageSize() int {
	return p.bpageSize
}

// FailAt arranges for the next CopyToUser touching rpcKey to fail once the
// copy would need to write at or past byte offset.
func (p *MemPool) FailAt(rpcKey uint64, offset int64) {
	p.failAtOffset[rpcKey] = offset
}

// ClearFail removes any pending induced failure for rpcKey.
func (p *MemPool) ClearFail(rpcKey uint64) {
	delete(p.failAtOffset, rpcKey)
}

func (p *MemPool) CopyToUser(rpcKey uint64, dstOffset int64, src []byte) error {
	if failOffset, ok := p.failAtOffset[rpcKey]; ok {
		if dstOffset+int64(len(src)) > failOffset {
			delete(p.failAtOffset, rpcKey)
			return fmt.Errorf("bufpool: induced allocator failure at offset %d", failOffset)
		}
	}

	buf := p.buffers[rpcKey]
	need := dstOffset + int64(len(src))
	if int64(len(buf)) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[dstOffset:], src)
	p.buffers[rpcKey] = buf
	return nil
}

// Received returns the bytes copied so far for rpcKey, for test assertions.
func (p *MemPool) Received(rpcKey uint64) []byte {
	return p.buffers[rpcKey]
}
