// Package homa implements the receive-side core of a Homa transport
// instance: inbound packet dispatch, per-message reassembly, the
// receive-side grant scheduler, and the RPC-completion handoff path
// (spec.md §1-§9; see SPEC_FULL.md §0 for the package layout).
package homa

import (
	"context"
	"fmt"
	"sync"

	"github.com/homatransport/homa/internal/bufpool"
	"github.com/homatransport/homa/internal/dispatch"
	"github.com/homatransport/homa/internal/grant"
	"github.com/homatransport/homa/internal/grantidx"
	"github.com/homatransport/homa/internal/handoff"
	"github.com/homatransport/homa/internal/peer"
	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/rpcstate"
	"github.com/homatransport/homa/internal/rpctable"
	"github.com/homatransport/homa/internal/wire"
)

// Instance owns every collaborator of the receive-side core for one host:
// the RPC lookup table, the peer registry, the Grantable Index and Grant
// Scheduler, and the set of local sockets the Packet Dispatcher and
// Handoff path deliver into (spec §2 System Overview).
type Instance struct {
	cfg Config

	rpcs       *rpctable.Table
	peers      *peer.Registry
	idx        *grantidx.Index
	sched      *grant.Scheduler
	dispatcher *dispatch.Dispatcher
	pool       bufpool.Pool
	metrics    Metrics

	socketsMu sync.RWMutex
	sockets   map[uint64]*handoff.Socket
}

// New wires an Instance per cfg, ready to accept sockets and dispatch
// packets. out is the sender-side pacer/transmission engine the dispatcher
// and scheduler invoke to emit control and data packets (spec §6, consumed
// not implemented); it may be nil in tests that only want the core's
// bookkeeping effects. pool is the user-buffer-pool implementation used by
// copy_to_user; nil disables user copy (handoff still delivers the RPC,
// but WaitForMessage skips the copy step).
func New(cfg Config, out ports.Outbound, pool bufpool.Pool) *Instance {
	inst := &Instance{
		cfg:     cfg,
		rpcs:    rpctable.New(cfg.RPCTableShards),
		peers:   peer.NewRegistry(),
		idx:     grantidx.New(),
		pool:    pool,
		sockets: make(map[uint64]*handoff.Socket),
	}
	inst.sched = grant.NewScheduler(cfg.grantParams(), inst.idx, out)

	dcfg := cfg.dispatchConfig()
	dcfg.OnMessageInit = inst.metrics.RecordLength
	inst.dispatcher = dispatch.New(dcfg, inst.rpcs, inst.peers, inst.idx, inst.sched, out, inst.lookupSocket)

	return inst
}

// RPCs exposes the sharded RPC lookup table, e.g. for an out-of-scope timer
// component's periodic tick(sock) (spec §9 "Timers out of scope").
func (in *Instance) RPCs() *rpctable.Table { return in.rpcs }

// Metrics returns the instance's process-wide atomic counters.
func (in *Instance) Metrics() *Metrics { return &in.metrics }

// Scheduler exposes the Grant Scheduler, e.g. for a caller that wants to
// trigger an explicit pass outside of packet dispatch (spec §4.4 "triggered
// ... or explicit request").
func (in *Instance) Scheduler() *grant.Scheduler { return in.sched }

func (in *Instance) lookupSocket(socketID uint64) (*handoff.Socket, bool) {
	in.socketsMu.RLock()
	defer in.socketsMu.RUnlock()
	sock, ok := in.sockets[socketID]
	return sock, ok
}

// CreateSocket registers a new local socket under socketID and returns its
// ready/interest-list Socket (spec §3 "Socket (ready lists)").
func (in *Instance) CreateSocket(socketID uint64) *handoff.Socket {
	sock := handoff.NewSocket()
	in.socketsMu.Lock()
	in.sockets[socketID] = sock
	in.socketsMu.Unlock()
	return sock
}

// RemoveSocket shuts down and unregisters socketID's Socket, waking every
// waiting thread with the shutdown sentinel (spec §5 "socket shutdown").
func (in *Instance) RemoveSocket(socketID uint64) {
	in.socketsMu.Lock()
	sock, ok := in.sockets[socketID]
	delete(in.sockets, socketID)
	in.socketsMu.Unlock()
	if ok {
		sock.Shutdown()
	}
	in.AbortSockRPCs(socketID, 0)
}

// Dispatch decodes a raw inbound packet and routes it through the Packet
// Dispatcher (spec §4.5), then runs one Grant Scheduler pass for DATA
// packets (spec §4.4: "triggered after DATA arrival"). peerAddr identifies
// the sender; socketID names the local socket the packet arrived on.
func (in *Instance) Dispatch(raw []byte, peerAddr ports.PeerAddr, socketID uint64) error {
	common, body, err := wire.DecodeHeader(raw)
	if err != nil {
		in.metrics.UnknownPacketTypes.Add(1)
		return fmt.Errorf("homa: decode packet header: %w", err)
	}

	in.dispatcher.Dispatch(common, body, peerAddr, socketID)
	in.metrics.UnknownPacketTypes.Store(in.dispatcher.UnknownPacketTypes())
	in.metrics.NumGrantablePeers.Store(int64(in.idx.NumGrantablePeers()))
	in.metrics.DeadRPCsPending.Store(int64(in.dispatcher.DeadCount()))

	if common.Type == wire.TypeData {
		in.sched.Pass()
		in.metrics.NoFIFOCandidate.Store(in.sched.NoCandidateCount())
	}
	return nil
}

// Recv implements HOMA_RECVMSG (spec §4.6 wait_for_message, §6): it blocks
// (subject to ctx and the NonBlocking flag) until exactly one RPC becomes
// available on socketID matching flags/id, then performs copy_to_user and
// returns the RPC. The RPC's lock is not held on return, and nothing keeps
// it from being reaped once the copy has finished.
func (in *Instance) Recv(ctx context.Context, socketID uint64, flags handoff.WaitFlags, id uint64) (*rpcstate.RPC, error) {
	sock, ok := in.lookupSocket(socketID)
	if !ok {
		return nil, fmt.Errorf("homa: recv: unknown socket %d", socketID)
	}
	return handoff.WaitForMessage(ctx, sock, flags, id, in.lookupClientRPC(socketID), in.pool)
}

// lookupClientRPC adapts the RPC table into the RPCLookup signature
// wait_for_message needs to validate a caller-supplied id (spec §4.6 step 1).
func (in *Instance) lookupClientRPC(socketID uint64) handoff.RPCLookup {
	return func(id uint64) (*rpcstate.RPC, bool) {
		var found *rpcstate.RPC
		in.rpcs.Range(func(rpc *rpcstate.RPC) bool {
			if rpc.Key.Socket == socketID && rpc.Key.Id == id {
				found = rpc
				return false
			}
			return true
		})
		return found, found != nil
	}
}
