// Package peer models Homa's per-peer state: the unscheduled-cutoff
// priority vector, pending-ack ring, outstanding-resend counter, and the
// peer's membership bookkeeping for the Grantable Index (spec §3).
package peer

import (
	"sync"

	"github.com/homatransport/homa/internal/wire"
)

// DefaultMaxPendingAcks bounds the small ring of ACK descriptors piggybacked
// on the next NEED_ACK response (spec §4.5).
const DefaultMaxPendingAcks = 8

// Peer is per-peer state keyed by address (spec §3).
type Peer struct {
	mu sync.Mutex

	Addr string

	unschedCutoffs [wire.NumUnschedCutoffs]int32
	cutoffVersion  uint8

	outstandingResends int32

	pendingAcks []wire.AckDesc
	maxAcks     int

	cooldown *CutoffCooldown

	// GrantableRef is reserved for package grantidx. The index keeps the
	// global peer order in its own slice and does not set this field.
	GrantableRef any
}

// New creates a Peer with default (zero) cutoffs and a fresh cutoff
// cooldown gate.
func New(addr string) *Peer {
	return &Peer{
		Addr:     addr,
		maxAcks:  DefaultMaxPendingAcks,
		cooldown: NewCutoffCooldown(),
	}
}

// Cutoffs returns a copy of the peer's unscheduled-cutoff vector and its
// version.
func (p *Peer) Cutoffs() (vector [wire.NumUnschedCutoffs]int32, version uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unschedCutoffs, p.cutoffVersion
}

// SetCutoffs updates the peer's cutoff vector from a received CUTOFFS
// packet (spec §4.5, scenario 9).
func (p *Peer) SetCutoffs(h wire.CutoffsHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unschedCutoffs = h.UnschedCutoffs
	p.cutoffVersion = h.CutoffVersion
}

// CutoffVersion returns the cutoff version this peer last advertised in a
// CUTOFFS packet. The dispatcher's DATA-path cutoff check compares against
// the local configured version instead, not this one.
func (p *Peer) CutoffVersion() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cutoffVersion
}

// IncResends increments and returns the outstanding-resend counter.
func (p *Peer) IncResends() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends++
	return p.outstandingResends
}

// ResetResends clears the outstanding-resend counter (spec §4.2: any
// progress-proving packet clears it).
func (p *Peer) ResetResends() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstandingResends = 0
}

func (p *Peer) OutstandingResends() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingResends
}

// AddPendingAck appends an ack descriptor to the peer's small ring,
// dropping the oldest entry if the ring is full (spec §3 "small ring of
// pending ACK descriptors").
func (p *Peer) AddPendingAck(a wire.AckDesc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingAcks = append(p.pendingAcks, a)
	if len(p.pendingAcks) > p.maxAcks {
		p.pendingAcks = p.pendingAcks[len(p.pendingAcks)-p.maxAcks:]
	}
}

// DrainPendingAcks returns and clears the peer's pending acks, for
// piggybacking on an outgoing ACK (spec §4.5 NEED_ACK handling: "up to N
// piggybacked acks maintained per peer").
func (p *Peer) DrainPendingAcks() []wire.AckDesc {
	p.mu.Lock()
	defer p.mu.Unlock()
	acks := p.pendingAcks
	p.pendingAcks = nil
	return acks
}

// CutoffCooldownReady reports whether enough time has passed since the last
// CUTOFFS send to this peer to send another one (spec §4.5, §9 Open
// Question (b)).
func (p *Peer) CutoffCooldownReady() bool {
	return p.cooldown.Ready()
}

// NoteCutoffSent records that a CUTOFFS packet was just sent, advancing the
// cooldown by the next exponential backoff interval.
func (p *Peer) NoteCutoffSent() {
	p.cooldown.NoteSent()
}
