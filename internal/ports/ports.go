// Package ports declares the narrow interfaces the receive-side core
// consumes from out-of-scope collaborators (spec §1, §6): the outbound
// transmission path. The core never serializes or paces packets itself.
package ports

import "github.com/homatransport/homa/internal/wire"

// PeerAddr is an opaque handle identifying a peer for the purposes of
// addressing an outbound control packet; the real peer directory (route
// selection, cutoff negotiation internals beyond the cutoff vector itself)
// lives outside the core per spec §1.
type PeerAddr interface {
	String() string
}

// Outbound is the sender-side pacer/transmission engine interface consumed
// by the dispatcher (RESEND/BUSY/UNKNOWN/CUTOFFS/ACK/NEED_ACK reactions)
// and the grant scheduler (GRANT emission).
type Outbound interface {
	// XmitControl transmits a control packet of the given type, with the
	// type-specific header encoded in header, to peer. header is one of
	// wire.GrantHeader, wire.ResendHeader, wire.CutoffsHeader,
	// wire.AckHeader, or nil for UNKNOWN/BUSY/NEED_ACK which carry no
	// type-specific body.
	XmitControl(common wire.Header, typ wire.Type, header any, peer PeerAddr) error
	// XmitData triggers a sender-side pass for rpc's outbound message; if
	// retransmit is set, the pass must mark the retransmitted range with
	// the RETRANSMIT flag (spec §4.5 RESEND handling). The core does not
	// serialize the DATA itself -- this only signals the pacer.
	XmitData(rpcId uint64, peer PeerAddr, retransmit bool) error
}
