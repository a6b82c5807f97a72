package homa

import "sync/atomic"

// lengthHistogramBuckets are the message-length histogram bucket upper
// bounds (spec §4.1 init: "Record a length histogram bucket for metrics"),
// chosen as power-of-two byte sizes spanning unscheduled-sized messages up
// to multi-megabyte ones.
var lengthHistogramBuckets = [...]int64{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24,
}

// Metrics holds the process-wide atomic counters spec §9 calls out as
// "global mutable state ... represent as atomic scalars with explicit
// lifecycle tied to the Homa instance". It is exported so the out-of-scope
// metrics collector (spec §1) can read it without touching any core lock.
type Metrics struct {
	// NumGrantablePeers mirrors grantidx.Index.NumGrantablePeers as a
	// free-standing gauge (spec §3 Data Model names it as an invariant of
	// the Grantable Index; SPEC_FULL.md §12 closes the gap by surfacing it
	// here for the out-of-scope collector).
	NumGrantablePeers atomic.Int64
	// NoFIFOCandidate counts FIFO pity-grant passes that found no eligible
	// RPC (spec §4.4 step 6 "record a no-candidate metric").
	NoFIFOCandidate atomic.Int64
	// UnknownPacketTypes counts dropped packets of an unrecognised type
	// (spec §4.5 "Unknown type").
	UnknownPacketTypes atomic.Int64
	// DeadRPCsPending is the current forced-reap backlog size.
	DeadRPCsPending atomic.Int64

	lengthHist [len(lengthHistogramBuckets) + 1]atomic.Int64
}

// RecordLength buckets an inbound message's total length into the length
// histogram (spec §4.1 init).
func (m *Metrics) RecordLength(totalLength int64) {
	for i, bound := range lengthHistogramBuckets {
		if totalLength <= bound {
			m.lengthHist[i].Add(1)
			return
		}
	}
	m.lengthHist[len(lengthHistogramBuckets)].Add(1)
}

// LengthHistogram returns a snapshot of the length histogram, one count per
// bucket plus an overflow bucket for lengths past the last bound.
func (m *Metrics) LengthHistogram() []int64 {
	out := make([]int64, len(m.lengthHist))
	for i := range m.lengthHist {
		out[i] = m.lengthHist[i].Load()
	}
	return out
}
