// Package handoff implements delivery of a completed or errored RPC to
// exactly one waiting thread, and the waiting side's registration and
// wake protocol (spec §4.6).
package handoff

import (
	"sync"

	"github.com/homatransport/homa/internal/rpcstate"
)

// WaitFlags mirrors the HOMA_RECVMSG flags consumed by wait_for_message
// (spec §6).
type WaitFlags uint8

const (
	WantRequest WaitFlags = 1 << iota
	WantResponse
	NonBlocking
)

// Socket holds the four lists guarded by the socket lock (spec §5 lock
// #1): RPCs with data ready but no waiter yet, and threads waiting with
// no RPC yet, split by request/response direction.
type Socket struct {
	mu sync.Mutex

	readyRequests  []*rpcstate.RPC
	readyResponses []*rpcstate.RPC

	interestRequests  []*rpcstate.Interest
	interestResponses []*rpcstate.Interest

	shutdown bool

	// dataReady is signalled whenever an RPC is appended to a ready list
	// with no waiting interest to absorb it directly, so that an external
	// poll()-style waiter can be woken (spec §4.6 step 3c "invoke the
	// socket's data-ready signal"). Capacity 1, non-blocking send.
	dataReady chan struct{}
}

// NewSocket returns an empty, non-shutdown Socket.
func NewSocket() *Socket {
	return &Socket{dataReady: make(chan struct{}, 1)}
}

// DataReady returns the channel signalled per the data-ready protocol
// above.
func (s *Socket) DataReady() <-chan struct{} {
	return s.dataReady
}

func (s *Socket) notifyDataReady() {
	select {
	case s.dataReady <- struct{}{}:
	default:
	}
}

// Shutdown marks the socket as shut down and wakes every registered
// interest with the shutdown sentinel (spec §5 "socket shutdown flips the
// shutdown flag and walks all interests, depositing the shutdown sentinel
// and waking threads").
func (s *Socket) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	interests := append(append([]*rpcstate.Interest{}, s.interestRequests...), s.interestResponses...)
	s.interestRequests = nil
	s.interestResponses = nil
	s.mu.Unlock()

	for _, in := range interests {
		in.Wake()
	}
}

// IsShutdown reports whether Shutdown has been called.
func (s *Socket) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// registerInterest enqueues in on the request and/or response interest
// list per flags (spec §4.6 wait_for_message step 1, id==0 case).
func (s *Socket) registerInterest(in *rpcstate.Interest, flags WaitFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags&WantRequest != 0 {
		s.interestRequests = append(s.interestRequests, in)
	}
	if flags&WantResponse != 0 {
		s.interestResponses = append(s.interestResponses, in)
	}
}

// deregisterInterest removes in from both interest lists, if present.
func (s *Socket) deregisterInterest(in *rpcstate.Interest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interestRequests = removeInterest(s.interestRequests, in)
	s.interestResponses = removeInterest(s.interestResponses, in)
}

func removeInterest(list []*rpcstate.Interest, in *rpcstate.Interest) []*rpcstate.Interest {
	for i, candidate := range list {
		if candidate == in {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// popInterest pops the first interest queued for role's direction, if any.
func (s *Socket) popInterest(role rpcstate.Role) *rpcstate.Interest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == rpcstate.RoleServer {
		if len(s.interestRequests) == 0 {
			return nil
		}
		in := s.interestRequests[0]
		s.interestRequests = s.interestRequests[1:]
		s.interestResponses = removeInterest(s.interestResponses, in)
		return in
	}
	if len(s.interestResponses) == 0 {
		return nil
	}
	in := s.interestResponses[0]
	s.interestResponses = s.interestResponses[1:]
	s.interestRequests = removeInterest(s.interestRequests, in)
	return in
}

// enqueueReady appends rpc to the ready list matching its role (spec §4.6
// step 3c).
func (s *Socket) enqueueReady(rpc *rpcstate.RPC) {
	s.mu.Lock()
	if rpc.Role == rpcstate.RoleServer {
		s.readyRequests = append(s.readyRequests, rpc)
	} else {
		s.readyResponses = append(s.readyResponses, rpc)
	}
	s.mu.Unlock()
	s.notifyDataReady()
}

// popReady pops the first ready RPC matching flags' requested direction(s)
// (spec §4.6 wait_for_message step 2), preferring requests over responses
// when both are requested and both are non-empty.
func (s *Socket) popReady(flags WaitFlags) (*rpcstate.RPC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags&WantRequest != 0 && len(s.readyRequests) > 0 {
		rpc := s.readyRequests[0]
		s.readyRequests = s.readyRequests[1:]
		return rpc, true
	}
	if flags&WantResponse != 0 && len(s.readyResponses) > 0 {
		rpc := s.readyResponses[0]
		s.readyResponses = s.readyResponses[1:]
		return rpc, true
	}
	return nil, false
}
