// Package grant implements the Grant Scheduler (spec §4.4): a scheduling
// pass over the Grantable Index that hands out credit bounded by a global
// in-flight byte cap, assigns priorities by SRPT rank, and periodically
// issues a FIFO "pity" grant to the oldest starved message.
package grant

import (
	"sync/atomic"

	"github.com/homatransport/homa/internal/grantidx"
	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/rpcstate"
	"github.com/homatransport/homa/internal/wire"
)

// Params holds the scheduler's tunables (spec §6).
type Params struct {
	RTTBytes           int64
	MaxIncoming        int64
	MaxOvercommit      int
	MaxGrantWindow     int64
	MaxSchedPrio       uint8
	GrantFIFOFraction  int64 // thousandths; 0 disables the FIFO pity grant
	GrantNonFIFO       int64 // bytes between FIFO pity grants
	FIFOGrantIncrement int64
}

// Scheduler runs scheduling passes over a Grantable Index (spec §4.4).
type Scheduler struct {
	params Params
	idx    *grantidx.Index
	out    ports.Outbound

	totalIncoming    atomic.Int64
	grantNonFIFOLeft atomic.Int64
	noCandidateCount atomic.Int64
}

// NewScheduler returns a Scheduler. out may be nil in tests that only
// inspect the Emission slice Pass returns.
func NewScheduler(params Params, idx *grantidx.Index, out ports.Outbound) *Scheduler {
	s := &Scheduler{params: params, idx: idx, out: out}
	s.grantNonFIFOLeft.Store(params.GrantNonFIFO)
	return s
}

// Emission records one GRANT issued by a pass, for tests and metrics.
type Emission struct {
	RPC      *rpcstate.RPC
	Offset   int64
	Priority uint8
	FIFO     bool
}

// TotalIncoming returns the current sum of (incoming-received) across all
// INCOMING RPCs tracked by this scheduler (spec §4.4 step 1).
func (s *Scheduler) TotalIncoming() int64 {
	return s.totalIncoming.Load()
}

// NoCandidateCount is the "no FIFO candidate found" metric (spec §4.4
// step 6).
func (s *Scheduler) NoCandidateCount() int64 {
	return s.noCandidateCount.Load()
}

// IncomingDelta adjusts the running total_incoming atomic after a dispatched
// DATA packet changes an RPC's (incoming-received) balance (spec §4.5,
// §5 "total_incoming is a single atomic integer updated by incoming_delta").
func (s *Scheduler) IncomingDelta(delta int64) {
	s.totalIncoming.Add(delta)
}

// Pass runs one scheduling pass (spec §4.4).
func (s *Scheduler) Pass() []Emission {
	headroom := s.params.MaxIncoming - s.totalIncoming.Load()
	if headroom <= 0 {
		return nil
	}

	var emissions []Emission
	peers := s.idx.Peers()

	for rank, p := range peers {
		if len(emissions) >= s.params.MaxOvercommit {
			break
		}
		if headroom <= 0 {
			break
		}

		rpc := s.idx.Head(p)
		if rpc == nil {
			continue
		}

		priority := s.priorityForRank(rank)
		granted, bytesGranted := s.grantOne(rpc, priority)
		if !granted {
			continue
		}
		emissions = append(emissions, Emission{RPC: rpc, Offset: rpc.Inbound.Incoming(), Priority: priority})
		headroom -= bytesGranted

		if s.params.GrantFIFOFraction > 0 {
			if left := s.grantNonFIFOLeft.Add(-bytesGranted); left <= 0 {
				s.grantNonFIFOLeft.Store(s.params.GrantNonFIFO)
				if e, ok := s.fifoPityGrant(); ok {
					emissions = append(emissions, e)
				} else {
					s.noCandidateCount.Add(1)
				}
			}
		}
	}

	return emissions
}

// priorityForRank maps an SRPT rank (0 == shortest remaining) to a
// scheduled priority (spec §4.4 step 3).
func (s *Scheduler) priorityForRank(rank int) uint8 {
	if rank > int(s.params.MaxSchedPrio) {
		rank = int(s.params.MaxSchedPrio)
	}
	return s.params.MaxSchedPrio - uint8(rank)
}

// grantOne computes target_incoming for rpc and, if it advances the
// existing incoming ceiling, emits a GRANT (spec §4.4 step 4). It returns
// the bytes by which incoming grew, for headroom and grant_nonfifo_left
// bookkeeping.
func (s *Scheduler) grantOne(rpc *rpcstate.RPC, priority uint8) (granted bool, bytesGranted int64) {
	total := rpc.Inbound.TotalLength()
	existing := rpc.Inbound.Incoming()
	received := total - rpc.Inbound.BytesRemaining()

	target := received + s.params.RTTBytes
	if alt := received + s.params.MaxGrantWindow; alt > target {
		target = alt
	}
	if existing > target {
		target = existing
	}
	if total >= 0 && target > total {
		target = total
	}

	if target <= existing {
		return false, 0
	}

	rpc.Inbound.SetIncoming(target)
	s.totalIncoming.Add(target - existing)
	s.xmitGrant(rpc, target, priority)
	return true, target - existing
}

// fifoPityGrant picks the oldest grantable RPC that is not the head of any
// peer's list and extends its incoming by fifo_grant_increment (spec §4.4
// step 6).
func (s *Scheduler) fifoPityGrant() (Emission, bool) {
	var oldest *rpcstate.RPC
	for _, rpc := range s.idx.AllGrantable() {
		if s.idx.IsHead(rpc) {
			continue
		}
		received := rpc.Inbound.TotalLength() - rpc.Inbound.BytesRemaining()
		if rpc.Inbound.Incoming()-received <= 0 {
			continue
		}
		if rpc.BytesRemaining() <= 0 {
			continue
		}
		if oldest == nil || rpc.Birth.Before(oldest.Birth) {
			oldest = rpc
		}
	}
	if oldest == nil {
		return Emission{}, false
	}

	total := oldest.Inbound.TotalLength()
	target := oldest.Inbound.Incoming() + s.params.FIFOGrantIncrement
	if total >= 0 && target > total {
		target = total
	}
	existing := oldest.Inbound.Incoming()
	if target <= existing {
		return Emission{}, false
	}
	oldest.Inbound.SetIncoming(target)
	s.totalIncoming.Add(target - existing)
	s.xmitGrant(oldest, target, 0)
	return Emission{RPC: oldest, Offset: target, Priority: 0, FIFO: true}, true
}

func (s *Scheduler) xmitGrant(rpc *rpcstate.RPC, offset int64, priority uint8) {
	if s.out == nil {
		return
	}
	common := wire.Header{DstPort: rpc.Key.PeerPort, Type: wire.TypeGrant, SenderId: rpc.Key.Id}
	hdr := wire.GrantHeader{Offset: offset, Priority: priority}
	_ = s.out.XmitControl(common, wire.TypeGrant, hdr, rpc.Peer)
}
