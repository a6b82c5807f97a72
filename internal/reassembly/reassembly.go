// Package reassembly implements the per-RPC Packet Reassembler (spec §4.1):
// an ordered set of in-flight fragments, the lowest contiguous byte copied
// to user memory, and the resend gap closest to the receiver.
package reassembly

import (
	"sync"
	"time"
)

// ProbeRangeLength is the "small constant" resend length returned by
// GetResendRange when a message's total length is not yet known (spec
// §4.1): just enough to provoke the peer into sending its first DATA.
const ProbeRangeLength = 1

// Fragment is a received byte range [Offset, Offset+Length) backed by a
// packet buffer (spec §3).
type Fragment struct {
	Offset  int64
	Length  int64
	Payload []byte
}

func (f Fragment) end() int64 { return f.Offset + f.Length }

// InboundMessage is the receive-side state of one RPC's inbound message
// (spec §3 Inbound Message).
type InboundMessage struct {
	mu sync.Mutex

	totalLength   int64 // -1 if uninitialised
	incoming      int64
	bytesRemaining int64
	copiedOut     int64
	scheduled     bool
	fragments     []Fragment // ordered by Offset, no duplicate offsets
	numSkbs       int
	birth         time.Time
}

// NewInboundMessage returns an uninitialised message (total_length == -1).
func NewInboundMessage() *InboundMessage {
	return &InboundMessage{totalLength: -1, birth: time.Now()}
}

// Init initialises msgin per spec §4.1: scheduled := total_length > unsched;
// incoming := unsched if scheduled else total_length.
func (m *InboundMessage) Init(totalLength, unsched int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalLength = totalLength
	m.scheduled = totalLength > unsched
	if m.scheduled {
		m.incoming = unsched
	} else {
		m.incoming = totalLength
	}
	m.bytesRemaining = totalLength
}

// Initialised reports whether Init has been called.
func (m *InboundMessage) Initialised() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength >= 0
}

func (m *InboundMessage) TotalLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength
}

func (m *InboundMessage) Incoming() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incoming
}

// SetIncoming raises the grant ceiling; a lower value is ignored (the
// scheduler only ever grows it, spec §4.4 step 4: "If target > existing
// incoming").
func (m *InboundMessage) SetIncoming(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.incoming {
		m.incoming = v
	}
}

func (m *InboundMessage) BytesRemaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesRemaining
}

func (m *InboundMessage) CopiedOut() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copiedOut
}

func (m *InboundMessage) Scheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled
}

func (m *InboundMessage) NumSkbs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numSkbs
}

func (m *InboundMessage) Birth() time.Time {
	return m.birth
}

// Complete reports whether the entire message has arrived.
func (m *InboundMessage) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength >= 0 && m.bytesRemaining <= 0
}

// Fragments returns a copy of the current fragment list, for tests and
// diagnostics.
func (m *InboundMessage) Fragments() []Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fragment, len(m.fragments))
	copy(out, m.fragments)
	return out
}

// AddPacket inserts fragment into the ordered fragment list (spec §4.1).
// It reports whether the fragment was actually stored.
func (m *InboundMessage) AddPacket(frag Fragment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalLength >= 0 {
		if frag.Offset >= m.totalLength {
			return false
		}
		if frag.end() > m.totalLength {
			frag.Length = m.totalLength - frag.Offset
		}
	}

	// Already delivered to user memory.
	if frag.end() <= m.copiedOut || frag.Offset < m.copiedOut {
		return false
	}

	idx, exists := m.search(frag.Offset)
	if exists {
		// Duplicate offset.
		return false
	}

	// Fully contained in a neighbouring fragment already on the list.
	if idx > 0 {
		prev := m.fragments[idx-1]
		if prev.end() >= frag.end() {
			return false
		}
	}

	m.fragments = append(m.fragments, Fragment{})
	copy(m.fragments[idx+1:], m.fragments[idx:])
	m.fragments[idx] = frag

	m.bytesRemaining -= frag.Length
	if m.bytesRemaining < 0 {
		m.bytesRemaining = 0
	}
	m.numSkbs++
	return true
}

// search returns the index at which offset belongs in the sorted fragment
// list, and whether a fragment with that exact offset already exists.
func (m *InboundMessage) search(offset int64) (idx int, exists bool) {
	lo, hi := 0, len(m.fragments)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.fragments[mid].Offset < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(m.fragments) && m.fragments[lo].Offset == offset {
		return lo, true
	}
	return lo, false
}

// GetResendRange locates the first byte gap at or above copied_out but
// below min(incoming, total_length) (spec §4.1).
func (m *InboundMessage) GetResendRange() (offset, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalLength < 0 {
		return 0, ProbeRangeLength
	}

	ceiling := m.incoming
	if m.totalLength < ceiling {
		ceiling = m.totalLength
	}

	pos := m.copiedOut
	for _, f := range m.fragments {
		if f.Offset >= ceiling {
			break
		}
		if f.Offset > pos {
			gapEnd := f.Offset
			if gapEnd > ceiling {
				gapEnd = ceiling
			}
			return pos, gapEnd - pos
		}
		if f.end() > pos {
			pos = f.end()
		}
		if pos >= ceiling {
			break
		}
	}

	if pos < ceiling {
		return pos, ceiling - pos
	}
	return 0, 0
}
