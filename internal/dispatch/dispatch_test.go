package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

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

type fakePeer string

func (f fakePeer) String() string { return string(f) }

type recordingOutbound struct {
	control []wire.Type
	data    []uint64
}

func (r *recordingOutbound) XmitControl(common wire.Header, typ wire.Type, header any, peerAddr ports.PeerAddr) error {
	r.control = append(r.control, typ)
	return nil
}

func (r *recordingOutbound) XmitData(rpcId uint64, peerAddr ports.PeerAddr, retransmit bool) error {
	r.data = append(r.data, rpcId)
	return nil
}

func newHarness(t *testing.T) (*dispatch.Dispatcher, *rpctable.Table, *handoff.Socket, *recordingOutbound) {
	t.Helper()
	rpcs := rpctable.New(4)
	peers := peer.NewRegistry()
	idx := grantidx.New()
	sched := grant.NewScheduler(grant.Params{RTTBytes: 10000, MaxIncoming: 1 << 30, MaxOvercommit: 10, MaxGrantWindow: 20000, MaxSchedPrio: 3}, idx, nil)
	out := &recordingOutbound{}
	sock := handoff.NewSocket()
	lookup := func(socketID uint64) (*handoff.Socket, bool) { return sock, true }

	d := dispatch.New(dispatch.Config{DeadBuffsLimit: 100, ReapLimit: 10, MaxPiggybackAcks: peer.DefaultMaxPendingAcks}, rpcs, peers, idx, sched, out, lookup)
	return d, rpcs, sock, out
}

func TestDataCreatesServerRPCAndHandsOff(t *testing.T) {
	d, rpcs, sock, _ := newHarness(t)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeData, SenderId: 2} // even id: client-assigned
	dh := wire.DataHeader{MessageLength: 10, Incoming: 10, Seg: wire.Segment{Offset: 0, SegmentLength: 10}}
	payload := make([]byte, 10)

	d.Dispatch(common, encodeDataBody(dh), fakePeer("peer"), 1)

	k := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 2}
	rpc, ok := rpcs.Lookup(k)
	require.True(t, ok)
	require.Equal(t, rpcstate.RoleServer, rpc.Role)

	// The RPC's server role means it is handed off on its first packet,
	// independent of completeness.
	got, err := handoff.WaitForMessage(t.Context(), sock, handoff.WantRequest, 0, nil, nil)
	require.NoError(t, err)
	require.Same(t, rpc, got)
	_ = payload
}

func TestDataUnknownOddIdSendsUnknown(t *testing.T) {
	d, _, _, out := newHarness(t)
	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeData, SenderId: 3} // odd, unknown
	dh := wire.DataHeader{MessageLength: 10, Incoming: 10}
	d.Dispatch(common, encodeDataBody(dh), fakePeer("peer"), 1)
	require.Contains(t, out.control, wire.TypeUnknown)
}

func TestGrantUpdatesOutboundGrantedMonotonically(t *testing.T) {
	d, rpcs, _, out := newHarness(t)
	k := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 4}
	rpc := rpcstate.New(k, rpcstate.RoleClient, fakePeer("peer"), rpcstate.StateOutgoing)
	rpc.Outbound.Length = 100000
	rpcs.Insert(rpc)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeGrant, SenderId: 4}
	d.Dispatch(common, encodeGrantBody(wire.GrantHeader{Offset: 5000, Priority: 2}), fakePeer("peer"), 1)
	require.Equal(t, int64(5000), rpc.Outbound.Granted)
	require.Contains(t, out.data, uint64(4))

	// A lower offset is ignored.
	d.Dispatch(common, encodeGrantBody(wire.GrantHeader{Offset: 1000, Priority: 2}), fakePeer("peer"), 1)
	require.Equal(t, int64(5000), rpc.Outbound.Granted)
}

func TestResendUnknownRPCSendsUnknown(t *testing.T) {
	d, _, _, out := newHarness(t)
	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeResend, SenderId: 9}
	d.Dispatch(common, encodeResendBody(wire.ResendHeader{Offset: 0, Length: 10}), fakePeer("peer"), 1)
	require.Contains(t, out.control, wire.TypeUnknown)
}

func TestResendInRangeTriggersRetransmit(t *testing.T) {
	d, rpcs, _, out := newHarness(t)
	k := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 4}
	rpc := rpcstate.New(k, rpcstate.RoleClient, fakePeer("peer"), rpcstate.StateOutgoing)
	rpc.Outbound.Length = 10000
	rpcs.Insert(rpc)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeResend, SenderId: 4}
	d.Dispatch(common, encodeResendBody(wire.ResendHeader{Offset: 0, Length: 100}), fakePeer("peer"), 1)
	require.Contains(t, out.data, uint64(4))
}

func TestResendOutOfRangeSendsBusy(t *testing.T) {
	d, rpcs, _, out := newHarness(t)
	k := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 4}
	rpc := rpcstate.New(k, rpcstate.RoleClient, fakePeer("peer"), rpcstate.StateOutgoing)
	rpc.Outbound.Length = 10
	rpcs.Insert(rpc)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeResend, SenderId: 4}
	d.Dispatch(common, encodeResendBody(wire.ResendHeader{Offset: 0, Length: 1000}), fakePeer("peer"), 1)
	require.Contains(t, out.control, wire.TypeBusy)
}

func TestUnknownServerSideFreesRPC(t *testing.T) {
	d, rpcs, _, _ := newHarness(t)
	k := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 2}
	rpc := rpcstate.New(k, rpcstate.RoleServer, fakePeer("peer"), rpcstate.StateIncoming)
	rpcs.Insert(rpc)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeUnknown, SenderId: 2}
	d.Dispatch(common, nil, fakePeer("peer"), 1)

	_, ok := rpcs.Lookup(k)
	require.False(t, ok)
	require.Equal(t, rpcstate.StateDead, rpc.State())
}

func TestAckFreesAddressedAndReferencedRPCs(t *testing.T) {
	d, rpcs, _, _ := newHarness(t)
	k1 := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 100, Id: 2}
	rpc1 := rpcstate.New(k1, rpcstate.RoleServer, fakePeer("peer"), rpcstate.StateIncoming)
	rpcs.Insert(rpc1)

	k2 := rpcstate.Key{Socket: 1, PeerAddr: "peer", PeerPort: 55, Id: 8}
	rpc2 := rpcstate.New(k2, rpcstate.RoleServer, fakePeer("peer"), rpcstate.StateIncoming)
	rpcs.Insert(rpc2)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeAck, SenderId: 2}
	ah := wire.AckHeader{Acks: []wire.AckDesc{{ClientPort: 55, ServerPort: 200, ClientId: 8}}}
	d.Dispatch(common, encodeAckBody(ah), fakePeer("peer"), 1)

	_, ok1 := rpcs.Lookup(k1)
	_, ok2 := rpcs.Lookup(k2)
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestCutoffsUpdatesPeer(t *testing.T) {
	// Built by hand rather than via newHarness so the peer registry is
	// reachable for the assertions below.
	peers := peer.NewRegistry()
	idx := grantidx.New()
	sched := grant.NewScheduler(grant.Params{}, idx, nil)
	lookup := func(socketID uint64) (*handoff.Socket, bool) { return nil, false }
	d := dispatch.New(dispatch.Config{}, rpctable.New(4), peers, idx, sched, nil, lookup)

	common := wire.Header{SrcPort: 100, DstPort: 200, Type: wire.TypeCutoffs, SenderId: 2}
	ch := wire.CutoffsHeader{CutoffVersion: 7}
	ch.UnschedCutoffs[1] = 1234
	d.Dispatch(common, encodeCutoffsBody(ch), fakePeer("peer"), 1)

	vector, version := peers.Get("peer").Cutoffs()
	require.Equal(t, uint8(7), version)
	require.Equal(t, ch.UnschedCutoffs, vector)
}

func TestUnknownPacketTypeIncrementsMetric(t *testing.T) {
	d, _, _, _ := newHarness(t)
	common := wire.Header{SrcPort: 100, DstPort: 200, SenderId: 2, Type: wire.Type(99)}
	d.Dispatch(common, nil, fakePeer("peer"), 1)
	require.Equal(t, int64(1), d.UnknownPacketTypes())
}

func encodeDataBody(h wire.DataHeader) []byte {
	full := wire.EncodeData(nil, wire.Header{}, h)
	return full[wire.CommonHeaderLen:]
}

func encodeGrantBody(h wire.GrantHeader) []byte {
	full := wire.EncodeGrant(nil, wire.Header{}, h)
	return full[wire.CommonHeaderLen:]
}

func encodeResendBody(h wire.ResendHeader) []byte {
	full := wire.EncodeResend(nil, wire.Header{}, h)
	return full[wire.CommonHeaderLen:]
}

func encodeCutoffsBody(h wire.CutoffsHeader) []byte {
	full := wire.EncodeCutoffs(nil, wire.Header{}, h)
	return full[wire.CommonHeaderLen:]
}

func encodeAckBody(h wire.AckHeader) []byte {
	full := wire.EncodeAck(nil, wire.Header{}, h)
	return full[wire.CommonHeaderLen:]
}
