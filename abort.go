package homa

import (
	"github.com/homatransport/homa/internal/handoff"
	"github.com/homatransport/homa/internal/rpcstate"
)

// AbortRPCs implements abort_rpcs (spec §4.7): it walks every RPC tracked by
// the instance and aborts those matching peerAddr (and peerPort, if
// non-zero) with errCode. A zero peerPort matches any port for that
// address.
func (in *Instance) AbortRPCs(peerAddr string, peerPort uint16, errCode int32) {
	var matches []*rpcstate.RPC
	in.rpcs.Range(func(rpc *rpcstate.RPC) bool {
		if rpc.Key.PeerAddr != peerAddr {
			return true
		}
		if peerPort != 0 && rpc.Key.PeerPort != peerPort {
			return true
		}
		matches = append(matches, rpc)
		return true
	})

	for _, rpc := range matches {
		in.abortOne(rpc, errCode)
	}
}

// AbortSockRPCs implements abort_sock_rpcs (spec §4.7): it restricts
// AbortRPCs' behavior to the RPCs owned by a single socket.
func (in *Instance) AbortSockRPCs(socketID uint64, errCode int32) {
	var matches []*rpcstate.RPC
	in.rpcs.Range(func(rpc *rpcstate.RPC) bool {
		if rpc.Key.Socket == socketID {
			matches = append(matches, rpc)
		}
		return true
	})

	for _, rpc := range matches {
		in.abortOne(rpc, errCode)
	}
}

// abortOne aborts a single RPC per spec §4.7: dead RPCs are skipped; a
// client RPC gets an error and is handed off so recv returns it (unless its
// socket is shutting down, in which case it is only unlinked from the
// Grantable Index); a server RPC is simply freed.
func (in *Instance) abortOne(rpc *rpcstate.RPC, errCode int32) {
	if rpc.State() == rpcstate.StateDead {
		return
	}

	if rpc.Role == rpcstate.RoleServer {
		in.freeAbortedRPC(rpc)
		return
	}

	sock, ok := in.lookupSocket(rpc.Key.Socket)
	if ok && sock.IsShutdown() {
		in.idx.Remove(rpc)
		return
	}

	rpc.SetError(errCode)
	if ok {
		handoff.Handoff(rpc, sock)
	}
}

// freeAbortedRPC transitions rpc to DEAD and unlinks it from the Grantable
// Index and lookup table, mirroring dispatch.freeRPC's bookkeeping for the
// abort path (spec §4.2 "any non-DEAD ... explicit abort with error").
func (in *Instance) freeAbortedRPC(rpc *rpcstate.RPC) {
	rpc.SetState(rpcstate.StateDead)
	in.idx.Remove(rpc)
	in.rpcs.Delete(rpc.Key)
}
