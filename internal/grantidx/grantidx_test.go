package grantidx_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homatransport/homa/internal/grantidx"
	"github.com/homatransport/homa/internal/peer"
	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/reassembly"
	"github.com/homatransport/homa/internal/rpcstate"
)

type fakePeer string

func (f fakePeer) String() string { return string(f) }

func newRPC(t *testing.T, id uint64, pa ports.PeerAddr, bytesRemaining int64, birth time.Time) *rpcstate.RPC {
	t.Helper()
	rpc := rpcstate.New(rpcstate.Key{Id: id}, rpcstate.RoleServer, pa, rpcstate.StateIncoming)
	rpc.Inbound.Init(bytesRemaining, bytesRemaining)
	require.Equal(t, bytesRemaining, rpc.BytesRemaining())
	rpc.Birth = birth
	return rpc
}

func TestInsertOrdersByBytesRemainingThenBirth(t *testing.T) {
	idx := grantidx.New()
	p := peer.New("peer-a")

	now := time.Now()
	small := newRPC(t, 1, fakePeer("peer-a"), 1000, now)
	large := newRPC(t, 2, fakePeer("peer-a"), 5000, now)
	tie := newRPC(t, 3, fakePeer("peer-a"), 1000, now.Add(-time.Second)) // older, same size as small

	idx.Insert(large, p)
	idx.Insert(small, p)
	idx.Insert(tie, p)

	got := idx.AllGrantable()
	require.Equal(t, []*rpcstate.RPC{tie, small, large}, got)
	require.Same(t, tie, idx.Head(p))
}

func TestGlobalOrderTracksPeerHeads(t *testing.T) {
	idx := grantidx.New()
	pa := peer.New("a")
	pb := peer.New("b")

	now := time.Now()
	rpcA := newRPC(t, 1, fakePeer("a"), 9000, now)
	rpcB := newRPC(t, 2, fakePeer("b"), 2000, now)

	idx.Insert(rpcA, pa)
	idx.Insert(rpcB, pb)

	require.Equal(t, 2, idx.NumGrantablePeers())
	peers := idx.Peers()
	require.Equal(t, []*peer.Peer{pb, pa}, peers)

	// Progress on rpcA drops its bytes_remaining below rpcB's; re-Insert
	// after mutation re-sorts both levels.
	require.True(t, rpcA.Inbound.AddPacket(reassembly.Fragment{Offset: 0, Length: 8500}))
	require.Equal(t, int64(500), rpcA.BytesRemaining())
	idx.Insert(rpcA, pa)

	peers = idx.Peers()
	require.Equal(t, []*peer.Peer{pa, pb}, peers)
}

func TestRemoveDropsEmptyPeerFromGlobalOrder(t *testing.T) {
	idx := grantidx.New()
	p := peer.New("solo")
	now := time.Now()
	rpc := newRPC(t, 1, fakePeer("solo"), 4000, now)

	idx.Insert(rpc, p)
	require.Equal(t, 1, idx.NumGrantablePeers())
	require.True(t, idx.Contains(rpc))

	idx.Remove(rpc)
	require.Equal(t, 0, idx.NumGrantablePeers())
	require.False(t, idx.Contains(rpc))
	require.Nil(t, idx.Head(p))
	require.Nil(t, rpc.GrantableRef)
}

func TestRemoveKeepsPeerWhenOtherRPCsRemain(t *testing.T) {
	idx := grantidx.New()
	p := peer.New("peer")
	now := time.Now()
	r1 := newRPC(t, 1, fakePeer("peer"), 1000, now)
	r2 := newRPC(t, 2, fakePeer("peer"), 2000, now)

	idx.Insert(r1, p)
	idx.Insert(r2, p)
	idx.Remove(r1)

	require.Equal(t, 1, idx.NumGrantablePeers())
	require.Same(t, r2, idx.Head(p))
}

func TestIsHeadReflectsPosition(t *testing.T) {
	idx := grantidx.New()
	p := peer.New("peer")
	now := time.Now()
	head := newRPC(t, 1, fakePeer("peer"), 500, now)
	tail := newRPC(t, 2, fakePeer("peer"), 5000, now)

	idx.Insert(tail, p)
	idx.Insert(head, p)

	require.True(t, idx.IsHead(head))
	require.False(t, idx.IsHead(tail))
}

func TestRemoveNonMemberIsNoop(t *testing.T) {
	idx := grantidx.New()
	rpc := rpcstate.New(rpcstate.Key{Id: 99}, rpcstate.RoleServer, fakePeer("x"), rpcstate.StateIncoming)
	require.NotPanics(t, func() { idx.Remove(rpc) })
}
