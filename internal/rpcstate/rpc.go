// Package rpcstate implements the per-RPC state machine (spec §4.2, §3):
// role, phase, accumulated grant offset, and the atomic flags governing
// handoff/copy/reap.
package rpcstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/reassembly"
)

// Role distinguishes the two cooperating sides of an RPC exchange.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the RPC's lifecycle phase (spec §3, §4.2).
type State int32

const (
	StateOutgoing State = iota
	StateIncoming
	StateDead
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Flags is the atomic handoff bitfield (spec §4.2, §5).
type Flags uint32

const (
	// PktsReady means data or an error is available for delivery.
	PktsReady Flags = 1 << iota
	// CopyingToUser means a thread is copying; reap must wait.
	CopyingToUser
	// HandingOff means a concurrent handoff is rendezvousing with a thread.
	HandingOff
)

// Key identifies an RPC: (local-socket, peer-address, peer-port, id).
type Key struct {
	Socket   uint64
	PeerAddr string
	PeerPort uint16
	Id       uint64
}

// OutboundMessage is the RPC's outbound message state (spec §3).
type OutboundMessage struct {
	Length   int64
	Granted  int64 // accumulated grant offset
	NextXmit int64
	Priority uint8
}

// RPC is a single request/response exchange (spec §3).
type RPC struct {
	mu sync.Mutex

	Key  Key
	Role Role
	Peer ports.PeerAddr

	state atomic.Int32

	Outbound OutboundMessage
	Inbound  *reassembly.InboundMessage

	errorCode   int32 // negative error code, 0 = none; guarded by mu
	silentTicks atomic.Int32

	flags atomic.Uint32

	// interest is the RPC's single optional back-pointer to a waiting
	// thread's Interest (spec §3, §5); guarded by mu.
	interest *Interest

	Birth time.Time

	// GrantableRef is private bookkeeping owned exclusively by package
	// grantidx (membership in the Grantable Index). No other package may
	// read or write it; it exists here only because the index needs an
	// O(1) way to find "is this RPC already a member" without a second
	// lookup structure, the way spec §3's Grantable Index describes
	// intrusive list membership.
	GrantableRef any
}

// New creates an RPC in StateOutgoing (client) or StateIncoming (server,
// created on first packet per spec §4.2).
func New(key Key, role Role, peer ports.PeerAddr, initialState State) *RPC {
	rpc := &RPC{
		Key:     key,
		Role:    role,
		Peer:    peer,
		Inbound: reassembly.NewInboundMessage(),
		Birth:   time.Now(),
	}
	rpc.state.Store(int32(initialState))
	return rpc
}

// Lock / Unlock expose the per-RPC lock (spec §5 lock #3) to callers that
// must serialize multiple field updates (e.g. dispatch, handoff).
func (r *RPC) Lock()   { r.mu.Lock() }
func (r *RPC) Unlock() { r.mu.Unlock() }

func (r *RPC) State() State {
	return State(r.state.Load())
}

// SetState transitions the RPC's state with an atomic store. It does not
// take r.mu, and the dispatcher and abort paths call it without holding
// r.mu; the index/list bookkeeping a transition implies is done by those
// callers separately.
func (r *RPC) SetState(s State) {
	r.state.Store(int32(s))
}

// Error returns the RPC's stored error code (0 == none). It acquires the
// per-RPC lock itself, so callers must not already hold r.mu.
func (r *RPC) Error() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCode
}

// SetError stores a negative error code on the RPC (spec §7: "errors are
// stored on the RPC (rpc.error, negative)").
func (r *RPC) SetError(code int32) {
	r.mu.Lock()
	r.errorCode = code
	r.mu.Unlock()
}

func (r *RPC) SilentTicks() int32 {
	return r.silentTicks.Load()
}

// ResetSilentTicks clears the silent-tick counter on receipt of any packet
// proving peer progress (spec §4.2).
func (r *RPC) ResetSilentTicks() {
	r.silentTicks.Store(0)
}

// TickSilent increments the silent-tick counter, returning the new value.
func (r *RPC) TickSilent() int32 {
	return r.silentTicks.Add(1)
}

// Flags returns the current handoff flag word.
func (r *RPC) Flags() Flags {
	return Flags(r.flags.Load())
}

// SetFlag atomically ORs in bit, returning the previous value.
func (r *RPC) SetFlag(bit Flags) Flags {
	return Flags(r.flags.Or(uint32(bit)))
}

// ClearFlag atomically clears bit, returning the previous value.
func (r *RPC) ClearFlag(bit Flags) Flags {
	return Flags(r.flags.And(^uint32(bit)))
}

// TestAndSetFlag atomically sets bit and reports whether it was already
// set (used by handoff to claim HANDING_OFF exactly once, spec §4.6).
func (r *RPC) TestAndSetFlag(bit Flags) (wasSet bool) {
	prev := r.flags.Or(uint32(bit))
	return Flags(prev)&bit != 0
}

// BytesRemaining reports the inbound message's outstanding byte count, or 0
// if no inbound message has been initialised -- used by the Grantable
// Index and Grant Scheduler.
func (r *RPC) BytesRemaining() int64 {
	if r.Inbound == nil {
		return 0
	}
	return r.Inbound.BytesRemaining()
}

// InterestLocked returns the RPC's current waiting-thread back-pointer, if any.
// Callers must hold r.mu.
func (r *RPC) InterestLocked() *Interest {
	return r.interest
}

// SetInterestLocked sets the RPC's waiting-thread back-pointer. Callers
// must hold r.mu.
func (r *RPC) SetInterestLocked(in *Interest) {
	r.interest = in
}
