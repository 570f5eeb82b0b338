// Package relay implements the per-relay STUN/TURN client: candidate
// discovery via BINDING, allocation lifecycle via ALLOCATE/REFRESH, channel
// bindings to peers, and channel-data encapsulation. Each Allocation is a
// single-threaded state machine driven by an explicit logical clock; all I/O
// is surfaced through poll methods.
package relay

import (
	"net/netip"

	"github.com/pion/ice/v2"
)

// RelaySocket describes the socket address(es) we know about a relay. A
// relay may be reachable over IPv4, IPv6 or both; whichever BINDING reply
// arrives first decides which socket we keep talking to.
type RelaySocket struct {
	v4 netip.AddrPort
	v6 netip.AddrPort
}

// V4Socket returns a RelaySocket reachable over IPv4 only.
func V4Socket(addr netip.AddrPort) RelaySocket {
	return RelaySocket{v4: addr}
}

// V6Socket returns a RelaySocket reachable over IPv6 only.
func V6Socket(addr netip.AddrPort) RelaySocket {
	return RelaySocket{v6: addr}
}

// DualSocket returns a RelaySocket reachable over both address families.
// Both addresses must belong to the same logical relay.
func DualSocket(v4, v6 netip.AddrPort) RelaySocket {
	return RelaySocket{v4: v4, v6: v6}
}

// SocketFromAddr builds a single-family RelaySocket from addr.
func SocketFromAddr(addr netip.AddrPort) RelaySocket {
	if addr.Addr().Is4() {
		return V4Socket(addr)
	}
	return V6Socket(addr)
}

// V4 returns the relay's IPv4 socket, if known.
func (s RelaySocket) V4() (netip.AddrPort, bool) {
	return s.v4, s.v4.IsValid()
}

// V6 returns the relay's IPv6 socket, if known.
func (s RelaySocket) V6() (netip.AddrPort, bool) {
	return s.v6, s.v6.IsValid()
}

// Matches reports whether addr is one of the relay's sockets.
func (s RelaySocket) Matches(addr netip.AddrPort) bool {
	return (s.v4.IsValid() && s.v4 == addr) || (s.v6.IsValid() && s.v6 == addr)
}

func (s RelaySocket) String() string {
	switch {
	case s.v4.IsValid() && s.v6.IsValid():
		return s.v4.String() + "/" + s.v6.String()
	case s.v4.IsValid():
		return s.v4.String()
	case s.v6.IsValid():
		return s.v6.String()
	}
	return "<invalid>"
}

// Transmit is a datagram to be sent on the wire.
type Transmit struct {
	Dst     netip.AddrPort
	Payload []byte
}

// CandidateEvent reports a change to the candidates this allocation
// contributes to ICE.
type CandidateEvent struct {
	Candidate ice.Candidate
	// Invalid is true when the candidate is no longer usable and must be
	// withdrawn from signaling; otherwise the candidate is new.
	Invalid bool
}

// FreeReason explains why an allocation has become useless and can be
// dropped by its owner.
type FreeReason int

const (
	// FreeReasonNone means the allocation is still in use.
	FreeReasonNone FreeReason = iota
	// FreeReasonAuthenticationError means the relay rejected our credentials.
	FreeReasonAuthenticationError
	// FreeReasonNoResponseReceived means the relay never answered; STUN may
	// be blocked on this network.
	FreeReasonNoResponseReceived
	// FreeReasonProtocolFailure means the relay did not understand us.
	FreeReasonProtocolFailure
)

func (r FreeReason) String() string {
	switch r {
	case FreeReasonNone:
		return "none"
	case FreeReasonAuthenticationError:
		return "authentication error"
	case FreeReasonNoResponseReceived:
		return "no response received"
	case FreeReasonProtocolFailure:
		return "protocol failure"
	}
	return "unknown"
}
