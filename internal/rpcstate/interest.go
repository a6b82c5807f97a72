package rpcstate

import "sync/atomic"

// Interest is the handoff rendezvous owned by a waiting thread (spec §3,
// §4.6, §9). The RPC <-> Interest pair is two back-pointers cleared
// together under the per-RPC lock; ReadyRPC is the atomic slot a
// concurrent handoff deposits into without needing to touch locks at all.
type Interest struct {
	// ReadyRPC is set exactly once by a successful handoff.
	ReadyRPC atomic.Pointer[RPC]

	// RegRPC is non-nil when this Interest was registered against a
	// specific RPC id (HOMA_RECVMSG with id != 0). Guarded by the owning
	// RPC's lock, mirrored by RPC.interest pointing back here.
	RegRPC *RPC

	// wake is signalled (non-blocking, capacity 1) whenever ReadyRPC is set
	// or the waiting thread must re-evaluate (shutdown, abort, signal).
	wake chan struct{}
}

// NewInterest creates an unregistered Interest.
func NewInterest() *Interest {
	return &Interest{wake: make(chan struct{}, 1)}
}

// Wake signals the waiting thread, if any, to re-check ReadyRPC. Safe to
// call multiple times or with no thread currently waiting.
func (in *Interest) Wake() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// WakeChan returns the channel a waiting thread selects on.
func (in *Interest) WakeChan() <-chan struct{} {
	return in.wake
}
