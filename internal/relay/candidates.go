package relay

import (
	"net/netip"

	"github.com/pion/ice/v2"
)

const udpNetwork = "udp"

// srflxCandidate builds a server-reflexive candidate for the observed
// address, with local as its base.
func srflxCandidate(observed, local netip.AddrPort) (ice.Candidate, error) {
	return ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
		Network:   udpNetwork,
		Address:   observed.Addr().Unmap().String(),
		Port:      int(observed.Port()),
		Component: ice.ComponentRTP,
		RelAddr:   local.Addr().Unmap().String(),
		RelPort:   int(local.Port()),
	})
}

// relayCandidate builds a relayed candidate for an address allocated on the
// relay.
func relayCandidate(addr netip.AddrPort) (ice.Candidate, error) {
	return ice.NewCandidateRelay(&ice.CandidateRelayConfig{
		Network:   udpNetwork,
		Address:   addr.Addr().Unmap().String(),
		Port:      int(addr.Port()),
		Component: ice.ComponentRTP,
	})
}

// updateCandidate replaces *current with maybeNew, emitting New for the
// replacement and Invalid for a displaced different candidate.
func updateCandidate(maybeNew ice.Candidate, current *ice.Candidate, events *eventQueue) {
	switch {
	case maybeNew == nil:
	case *current == nil:
		*current = maybeNew
		events.push(CandidateEvent{Candidate: maybeNew})
	case !maybeNew.Equal(*current):
		events.push(CandidateEvent{Candidate: maybeNew})
		events.push(CandidateEvent{Candidate: *current, Invalid: true})
		*current = maybeNew
	}
}

// eventQueue is a FIFO of candidate events.
type eventQueue struct {
	buf []CandidateEvent
}

func (q *eventQueue) push(ev CandidateEvent) {
	q.buf = append(q.buf, ev)
}

func (q *eventQueue) pop() (CandidateEvent, bool) {
	if len(q.buf) == 0 {
		return CandidateEvent{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

func (q *eventQueue) empty() bool {
	return len(q.buf) == 0
}
