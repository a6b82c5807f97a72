package handoff

import (
	"context"

	"github.com/homatransport/homa/internal/bufpool"
	"github.com/homatransport/homa/internal/reassembly"
	"github.com/homatransport/homa/internal/rpcstate"
	"github.com/homatransport/homa/internal/xerror"
)

// Handoff delivers rpc to exactly one waiting thread, or queues it, per
// spec §4.6. It is safe to call redundantly (e.g. once per received
// fragment after the RPC becomes ready): a second call while a prior
// handoff is still in flight, or once the RPC is already queued/delivered,
// is a no-op.
func Handoff(rpc *rpcstate.RPC, sock *Socket) {
	if rpc.TestAndSetFlag(rpcstate.HandingOff) {
		// Another thread already owns delivery of this RPC.
		return
	}
	defer rpc.ClearFlag(rpcstate.HandingOff)

	if rpc.Flags()&rpcstate.PktsReady != 0 {
		// Already queued on a ready list or delivered to an interest.
		return
	}
	rpc.SetFlag(rpcstate.PktsReady)

	rpc.Lock()
	in := rpc.InterestLocked()
	rpc.Unlock()

	if in != nil {
		in.ReadyRPC.Store(rpc)
		sock.deregisterInterest(in)
		rpc.Lock()
		rpc.SetInterestLocked(nil)
		rpc.Unlock()
		in.RegRPC = nil
		in.Wake()
		return
	}

	if in := sock.popInterest(rpc.Role); in != nil {
		in.ReadyRPC.Store(rpc)
		in.RegRPC = nil
		in.Wake()
		return
	}

	sock.enqueueReady(rpc)
}

// RPCLookup resolves a client RPC by id for wait_for_message's id!=0 path.
type RPCLookup func(id uint64) (*rpcstate.RPC, bool)

// WaitForMessage blocks until exactly one RPC becomes available on sock
// matching flags/id, or a terminal condition (shutdown, signal, nonblocking
// miss) occurs (spec §4.6). pool is used for the final copy_to_user step;
// the RPC's id keys the buffer-pool run it copies into.
func WaitForMessage(ctx context.Context, sock *Socket, flags WaitFlags, id uint64, lookup RPCLookup, pool bufpool.Pool) (*rpcstate.RPC, error) {
	for {
		rpc, err := waitOnce(ctx, sock, flags, id, lookup)
		if err != nil {
			return nil, err
		}
		if rpc.State() == rpcstate.StateDead {
			// Freed while handing off (spec §8 scenario 7); HANDING_OFF
			// was already cleared by Handoff itself on return. A blocking caller
			// retries from the top; a nonblocking one reports EAGAIN.
			if flags&NonBlocking != 0 {
				return nil, xerror.ErrAgain
			}
			continue
		}
		if err := deliverCopy(rpc, pool); err != nil {
			rpc.SetError(xerror.Code(xerror.ErrNoMem))
		}
		return rpc, nil
	}
}

func waitOnce(ctx context.Context, sock *Socket, flags WaitFlags, id uint64, lookup RPCLookup) (*rpcstate.RPC, error) {
	in := rpcstate.NewInterest()

	var target *rpcstate.RPC
	if id != 0 {
		rpc, ok := lookup(id)
		if !ok || rpc.Role != rpcstate.RoleClient {
			return nil, xerror.ErrInval
		}
		rpc.Lock()
		if rpc.InterestLocked() != nil {
			rpc.Unlock()
			return nil, xerror.ErrInval
		}
		rpc.SetInterestLocked(in)
		in.RegRPC = rpc
		rpc.Unlock()
		alreadyReady := rpc.Flags()&rpcstate.PktsReady != 0 || rpc.Error() != 0
		if alreadyReady {
			in.ReadyRPC.Store(rpc)
		}
		target = rpc
	} else {
		sock.registerInterest(in, flags)
		if rpc, ok := sock.popReady(flags); ok {
			in.ReadyRPC.Store(rpc)
		}
	}

	deregister := func() {
		if target != nil {
			target.Lock()
			if target.InterestLocked() == in {
				target.SetInterestLocked(nil)
			}
			target.Unlock()
		}
		sock.deregisterInterest(in)
	}

	if rpc := in.ReadyRPC.Load(); rpc != nil {
		deregister()
		return rpc, nil
	}

	if flags&NonBlocking != 0 {
		deregister()
		return nil, xerror.ErrAgain
	}

	select {
	case <-in.WakeChan():
	case <-ctx.Done():
		deregister()
		if sock.IsShutdown() {
			return nil, xerror.ErrShutdown
		}
		return nil, xerror.ErrIntr
	}

	deregister()

	if rpc := in.ReadyRPC.Load(); rpc != nil {
		return rpc, nil
	}
	if sock.IsShutdown() {
		return nil, xerror.ErrShutdown
	}
	return nil, xerror.ErrIntr
}

// deliverCopy performs the final copy_to_user if msgin has unread data,
// outside any RPC lock, with COPYING_TO_USER set for the duration (spec
// §4.6 step 5).
func deliverCopy(rpc *rpcstate.RPC, pool bufpool.Pool) error {
	if rpc.Inbound == nil || pool == nil {
		return nil
	}
	if rpc.Inbound.CopiedOut() >= rpc.Inbound.TotalLength() {
		return nil
	}
	rpc.SetFlag(rpcstate.CopyingToUser)
	defer rpc.ClearFlag(rpcstate.CopyingToUser)
	return reassembly.CopyToUser(rpc.Inbound, rpc.Key.Id, pool)
}
