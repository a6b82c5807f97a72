// Package dispatch implements the Packet Dispatcher (spec §4.5): the
// receive-side demultiplexer that feeds decoded packets to the
// reassembler, the RPC state machine, the Grantable Index, and the
// handoff path, and that triggers forced reap when the dead-RPC backlog
// grows past a limit.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/homatransport/homa/internal/grant"
	"github.com/homatransport/homa/internal/grantidx"
	"github.com/homatransport/homa/internal/handoff"
	"github.com/homatransport/homa/internal/peer"
	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/reassembly"
	"github.com/homatransport/homa/internal/rpcstate"
	"github.com/homatransport/homa/internal/rpctable"
	"github.com/homatransport/homa/internal/wire"
)

// Config holds the dispatcher's tunables (spec §6).
type Config struct {
	DeadBuffsLimit int
	ReapLimit      int

	// LocalUnschedCutoffs/LocalCutoffVersion are this host's own
	// negotiated cutoff vector, advertised to peers whose cutoff_version
	// is stale (spec §4.5 "cutoff probing").
	LocalUnschedCutoffs [wire.NumUnschedCutoffs]int32
	LocalCutoffVersion  uint8

	MaxPiggybackAcks int

	// OnMessageInit, if set, is called once per RPC right after its
	// inbound message is initialised from the first DATA packet, with the
	// message's total length (spec §4.1 init: "Record a length histogram
	// bucket for metrics"). Optional; nil disables the hook.
	OnMessageInit func(totalLength int64)
}

// SocketLookup resolves a local socket id to its handoff Socket. Returns
// ok=false if the socket does not exist; the caller is also expected to
// report shutdown via Socket.IsShutdown.
type SocketLookup func(socketID uint64) (*handoff.Socket, bool)

// Dispatcher demultiplexes decoded packets across the core's components.
type Dispatcher struct {
	cfg Config

	rpcs  *rpctable.Table
	peers *peer.Registry
	idx   *grantidx.Index
	sched *grant.Scheduler
	out   ports.Outbound

	sockets SocketLookup

	deadMu  sync.Mutex
	deadSet map[rpcstate.Key]*rpcstate.RPC

	unknownPacketTypes atomic.Int64
}

// New returns a Dispatcher wired to its collaborators.
func New(cfg Config, rpcs *rpctable.Table, peers *peer.Registry, idx *grantidx.Index, sched *grant.Scheduler, out ports.Outbound, sockets SocketLookup) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		rpcs:    rpcs,
		peers:   peers,
		idx:     idx,
		sched:   sched,
		out:     out,
		sockets: sockets,
		deadSet: make(map[rpcstate.Key]*rpcstate.RPC),
	}
}

// UnknownPacketTypes returns the running count of undecodable/unrecognized
// packet types dropped (spec §4.5 "unknown type: increment ... metric").
func (d *Dispatcher) UnknownPacketTypes() int64 {
	return d.unknownPacketTypes.Load()
}

// RPCs exposes the underlying lookup table, e.g. for recv() callers and
// abort operations.
func (d *Dispatcher) RPCs() *rpctable.Table { return d.rpcs }

// Dispatch decodes and routes one packet. body is everything after the
// common header; common has already been parsed by the caller via
// wire.DecodeHeader. socketID names the local socket the packet arrived
// on, used for RPC key construction and server-side accept checks.
func (d *Dispatcher) Dispatch(common wire.Header, body []byte, peerAddr ports.PeerAddr, socketID uint64) {
	switch common.Type {
	case wire.TypeData:
		dh, rest, err := wire.DecodeData(body)
		if err != nil {
			d.unknownPacketTypes.Add(1)
			return
		}
		d.handleData(common, dh, rest, peerAddr, socketID)
	case wire.TypeGrant:
		gh, _, err := wire.DecodeGrant(body)
		if err != nil {
			d.unknownPacketTypes.Add(1)
			return
		}
		d.handleGrant(common, gh, peerAddr, socketID)
	case wire.TypeResend:
		rh, _, err := wire.DecodeResend(body)
		if err != nil {
			d.unknownPacketTypes.Add(1)
			return
		}
		d.handleResend(common, rh, peerAddr, socketID)
	case wire.TypeUnknown:
		d.handleUnknown(common, peerAddr, socketID)
	case wire.TypeBusy:
		d.handleBusy(common, socketID, peerAddr)
	case wire.TypeCutoffs:
		ch, _, err := wire.DecodeCutoffs(body)
		if err != nil {
			d.unknownPacketTypes.Add(1)
			return
		}
		d.handleCutoffs(ch, peerAddr)
	case wire.TypeNeedAck:
		d.handleNeedAck(common, peerAddr, socketID)
	case wire.TypeAck:
		ah, _, err := wire.DecodeAck(body)
		if err != nil {
			d.unknownPacketTypes.Add(1)
			return
		}
		d.handleAck(common, ah, peerAddr, socketID)
	default:
		d.unknownPacketTypes.Add(1)
		return
	}

	// GRANT, ACK and UNKNOWN also prove peer progress (DATA and BUSY reset
	// liveness inside their handlers).
	switch common.Type {
	case wire.TypeGrant, wire.TypeAck, wire.TypeUnknown:
		if rpc, ok := d.rpcs.Lookup(key(socketID, peerAddr, common.SrcPort, common.SenderId)); ok {
			rpc.ResetSilentTicks()
		}
		d.peers.Get(peerAddr.String()).ResetResends()
	}

	d.forcedReap()
}

func key(socketID uint64, peerAddr ports.PeerAddr, remotePort uint16, id uint64) rpcstate.Key {
	return rpcstate.Key{Socket: socketID, PeerAddr: peerAddr.String(), PeerPort: remotePort, Id: id}
}

func (d *Dispatcher) handleData(common wire.Header, dh wire.DataHeader, payload []byte, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	p := d.peers.Get(peerAddr.String())

	rpc, ok := d.rpcs.Lookup(k)
	if ok && rpc.State() == rpcstate.StateDead {
		// DATA for an RPC that no longer accepts data is dropped silently
		// (spec §4.5 "not in a state that accepts data ... or DEAD").
		return
	}
	if !ok {
		if !wire.IsClientID(common.SenderId) {
			// An unknown odd (server-remapped) id can't be spontaneously
			// created by an inbound DATA; the client side owns creation.
			d.xmitControl(common, wire.TypeUnknown, nil, peerAddr)
			return
		}
		sock, sockOK := d.sockets(socketID)
		if !sockOK || sock.IsShutdown() {
			return
		}
		rpc, _ = d.rpcs.LookupOrCreate(k, func() *rpcstate.RPC {
			return rpcstate.New(k, rpcstate.RoleServer, peerAddr, rpcstate.StateIncoming)
		})
	}

	if !rpc.Inbound.Initialised() {
		rpc.Inbound.Init(dh.MessageLength, dh.Incoming)
		// The initial window joins total_incoming here; every stored packet
		// below then subtracts the bytes it brought in.
		d.sched.IncomingDelta(rpc.Inbound.Incoming())
		if rpc.Role == rpcstate.RoleClient {
			// First DATA of a reply moves the client RPC OUTGOING->INCOMING
			// (spec §3 RPC state transitions).
			rpc.SetState(rpcstate.StateIncoming)
		}
		if d.cfg.OnMessageInit != nil {
			d.cfg.OnMessageInit(dh.MessageLength)
		}
	}

	before := rpc.Inbound.BytesRemaining()
	stored := rpc.Inbound.AddPacket(reassembly.Fragment{
		Offset:  dh.Seg.Offset,
		Length:  int64(dh.Seg.SegmentLength),
		Payload: payload,
	})
	if stored {
		delta := before - rpc.Inbound.BytesRemaining()
		d.sched.IncomingDelta(-delta)
	}

	rpc.ResetSilentTicks()
	p.ResetResends()

	complete := rpc.Inbound.Complete()
	if !complete && rpc.Inbound.Scheduled() {
		d.idx.Insert(rpc, p)
	} else {
		d.idx.Remove(rpc)
	}

	if sock, sockOK := d.sockets(socketID); sockOK {
		if complete || rpc.Role == rpcstate.RoleServer {
			handoff.Handoff(rpc, sock)
		}
	}

	d.probeCutoffs(dh.CutoffVersion, p, common, peerAddr)
}

func (d *Dispatcher) handleGrant(common wire.Header, gh wire.GrantHeader, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	rpc, ok := d.rpcs.Lookup(k)
	if !ok {
		return
	}
	rpc.Lock()
	if gh.Offset > rpc.Outbound.Granted {
		rpc.Outbound.Granted = gh.Offset
	}
	rpc.Unlock()
	if d.out != nil {
		_ = d.out.XmitData(rpc.Key.Id, rpc.Peer, false)
	}
}

func (d *Dispatcher) handleResend(common wire.Header, rh wire.ResendHeader, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	rpc, ok := d.rpcs.Lookup(k)
	if !ok {
		d.xmitControl(common, wire.TypeUnknown, nil, peerAddr)
		return
	}
	rpc.Lock()
	haveData := rh.Offset+rh.Length <= rpc.Outbound.Length
	rpc.Unlock()
	if haveData {
		if d.out != nil {
			_ = d.out.XmitData(rpc.Key.Id, rpc.Peer, true)
		}
		return
	}
	d.xmitControl(common, wire.TypeBusy, nil, peerAddr)
}

func (d *Dispatcher) handleUnknown(common wire.Header, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	rpc, ok := d.rpcs.Lookup(k)
	if !ok {
		return
	}
	if rpc.Role == rpcstate.RoleClient {
		d.idx.Remove(rpc)
		rpc.Inbound = reassembly.NewInboundMessage()
		if d.out != nil {
			_ = d.out.XmitData(rpc.Key.Id, rpc.Peer, true)
		}
		return
	}
	d.freeRPC(rpc)
}

func (d *Dispatcher) handleBusy(common wire.Header, socketID uint64, peerAddr ports.PeerAddr) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	if rpc, ok := d.rpcs.Lookup(k); ok {
		rpc.ResetSilentTicks()
	}
	d.peers.Get(peerAddr.String()).ResetResends()
}

func (d *Dispatcher) handleCutoffs(ch wire.CutoffsHeader, peerAddr ports.PeerAddr) {
	d.peers.Get(peerAddr.String()).SetCutoffs(ch)
}

func (d *Dispatcher) handleNeedAck(common wire.Header, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	rpc, ok := d.rpcs.Lookup(k)
	if !ok || rpc.Role != rpcstate.RoleClient || !rpc.Inbound.Complete() {
		return
	}

	p := d.peers.Get(peerAddr.String())
	acks := p.DrainPendingAcks()
	acks = append(acks, wire.AckDesc{
		ClientPort: common.DstPort,
		ServerPort: common.SrcPort,
		ClientId:   common.SenderId,
	})
	max := d.cfg.MaxPiggybackAcks
	if max > 0 && len(acks) > max {
		acks = acks[len(acks)-max:]
	}
	d.xmitControl(common, wire.TypeAck, wire.AckHeader{Acks: acks}, peerAddr)
}

func (d *Dispatcher) handleAck(common wire.Header, ah wire.AckHeader, peerAddr ports.PeerAddr, socketID uint64) {
	k := key(socketID, peerAddr, common.SrcPort, common.SenderId)
	if rpc, ok := d.rpcs.Lookup(k); ok {
		d.freeRPC(rpc)
	}
	for _, a := range ah.Acks {
		ak := key(socketID, peerAddr, a.ClientPort, a.ClientId)
		if rpc, ok := d.rpcs.Lookup(ak); ok {
			d.freeRPC(rpc)
		}
	}
}

// probeCutoffs advertises this host's cutoff vector when a DATA packet
// shows the peer is working from a stale version and the per-peer cooldown
// has elapsed (spec §4.5 "cutoff probing").
func (d *Dispatcher) probeCutoffs(peerCutoffVersion uint8, p *peer.Peer, common wire.Header, peerAddr ports.PeerAddr) {
	if peerCutoffVersion == d.cfg.LocalCutoffVersion {
		return
	}
	if !p.CutoffCooldownReady() {
		return
	}
	d.xmitControl(common, wire.TypeCutoffs, wire.CutoffsHeader{
		UnschedCutoffs: d.cfg.LocalUnschedCutoffs,
		CutoffVersion:  d.cfg.LocalCutoffVersion,
	}, peerAddr)
	p.NoteCutoffSent()
}

// freeRPC transitions rpc to DEAD and unlinks it from the grantable index
// and lookup table, queuing it for reap accounting.
func (d *Dispatcher) freeRPC(rpc *rpcstate.RPC) {
	rpc.SetState(rpcstate.StateDead)
	d.idx.Remove(rpc)
	d.rpcs.Delete(rpc.Key)

	d.deadMu.Lock()
	d.deadSet[rpc.Key] = rpc
	d.deadMu.Unlock()
}

// forcedReap opportunistically reaps dead RPCs once the backlog passes
// dead_buffs_limit, skipping any still mid-copy (spec §4.5 "Forced reap").
func (d *Dispatcher) forcedReap() {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()

	if len(d.deadSet) <= d.cfg.DeadBuffsLimit {
		return
	}
	reaped := 0
	for k, rpc := range d.deadSet {
		if reaped >= d.cfg.ReapLimit {
			break
		}
		if rpc.Flags()&rpcstate.CopyingToUser != 0 {
			continue
		}
		delete(d.deadSet, k)
		reaped++
	}
}

// DeadCount returns the number of RPCs currently pending reap.
func (d *Dispatcher) DeadCount() int {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	return len(d.deadSet)
}

func (d *Dispatcher) xmitControl(common wire.Header, typ wire.Type, header any, peerAddr ports.PeerAddr) {
	if d.out == nil {
		return
	}
	_ = d.out.XmitControl(common, typ, header, peerAddr)
}
