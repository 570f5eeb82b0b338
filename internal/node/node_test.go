package node

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gortc/stun"
	"github.com/gortc/turn"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/relay"
)

var (
	testRelayAddr = netip.MustParseAddrPort("203.0.113.1:3478")
	testLocal     = netip.MustParseAddrPort("192.168.1.10:41820")
	testReflexive = netip.MustParseAddrPort("198.51.100.7:41820")
	testRelayed   = netip.MustParseAddrPort("203.0.113.1:52000")
)

func newTestNode(t *testing.T, now time.Time) *Node {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return NewNode(slog.Default(), key, "abcd", now)
}

func drainTransmits(n *Node) []Transmit {
	var out []Transmit
	for {
		tr, ok := n.PollTransmit()
		if !ok {
			return out
		}
		out = append(out, tr)
	}
}

func drainEvents(n *Node) []Event {
	var out []Event
	for {
		ev, ok := n.PollEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func decodeSTUN(t *testing.T, payload []byte) *stun.Message {
	t.Helper()
	msg := &stun.Message{Raw: payload}
	require.NoError(t, msg.Decode())
	return msg
}

func respond(t *testing.T, req *stun.Message, setters ...stun.Setter) []byte {
	t.Helper()
	resp := stun.New()
	resp.TransactionID = req.TransactionID
	resp.Type = stun.MessageType{Method: req.Type.Method, Class: stun.ClassSuccessResponse}
	resp.WriteHeader()
	for _, s := range setters {
		require.NoError(t, s.AddTo(resp))
	}
	return resp.Raw
}

// driveAllocation answers the node's BINDING and ALLOCATE toward the test
// relay.
func driveAllocation(t *testing.T, n *Node, now time.Time) {
	t.Helper()

	transmits := drainTransmits(n)
	require.NotEmpty(t, transmits)
	binding := decodeSTUN(t, transmits[0].Payload)
	require.Equal(t, stun.MethodBinding, binding.Type.Method)

	var scratch [2048]byte
	mapped := stun.XORMappedAddress{IP: net.IP(testReflexive.Addr().AsSlice()), Port: int(testReflexive.Port())}
	_, _, ok := n.HandleInput(testRelayAddr, testLocal, respond(t, binding, &mapped), scratch[:], now)
	require.False(t, ok)

	transmits = drainTransmits(n)
	require.NotEmpty(t, transmits)
	allocate := decodeSTUN(t, transmits[0].Payload)
	require.Equal(t, stun.MethodAllocate, allocate.Type.Method)

	relayed := turn.RelayedAddress{IP: net.IP(testRelayed.Addr().AsSlice()), Port: int(testRelayed.Port())}
	lifetime := turn.Lifetime{Duration: 10 * time.Minute}
	_, _, ok = n.HandleInput(testRelayAddr, testLocal, respond(t, allocate, lifetime, relayed), scratch[:], now)
	require.False(t, ok)
}

func testRelays() []Relay {
	return []Relay{{
		ID:       uuid.New(),
		Socket:   relay.V4Socket(testRelayAddr),
		Username: "user",
		Password: "pass",
		Realm:    "cordon",
	}}
}

func TestUpdateRelaysStartsBindingProbes(t *testing.T) {
	now := time.Unix(0, 0)
	n := newTestNode(t, now)

	n.UpdateRelays(nil, testRelays(), now)

	transmits := drainTransmits(n)
	require.Len(t, transmits, 1)
	require.Equal(t, testRelayAddr, transmits[0].Dst)
	require.Equal(t, stun.MethodBinding, decodeSTUN(t, transmits[0].Payload).Type.Method)
}

func TestAllocationCandidatesReachConnections(t *testing.T) {
	now := time.Unix(0, 0)
	n := newTestNode(t, now)
	n.SetLocalAddresses([]netip.AddrPort{testLocal})

	gateway := uuid.New()
	offer, err := n.PrepareConnection(gateway, wgtypes.Key{}, now)
	require.NoError(t, err)
	require.NotEmpty(t, offer.UsernameFragment)
	require.NotEmpty(t, offer.Password)

	// The host candidate is announced immediately.
	events := drainEvents(n)
	require.Len(t, events, 1)
	host, ok := events[0].(EventNewIceCandidate)
	require.True(t, ok)
	require.Equal(t, gateway, host.Gateway)

	n.UpdateRelays(nil, testRelays(), now)
	driveAllocation(t, n, now)

	// srflx + relay candidates flow to the connection as they appear.
	var kinds []string
	for _, ev := range drainEvents(n) {
		newCand, ok := ev.(EventNewIceCandidate)
		require.True(t, ok)
		kinds = append(kinds, newCand.Candidate)
	}
	require.Len(t, kinds, 2)
}

func TestRelayDisconnectInvalidatesCandidates(t *testing.T) {
	now := time.Unix(0, 0)
	n := newTestNode(t, now)

	relays := testRelays()
	gateway := uuid.New()
	_, err := n.PrepareConnection(gateway, wgtypes.Key{}, now)
	require.NoError(t, err)

	n.UpdateRelays(nil, relays, now)
	driveAllocation(t, n, now)
	drainEvents(n)

	n.UpdateRelays([]RelayID{relays[0].ID}, nil, now)

	var sawInvalid bool
	for _, ev := range drainEvents(n) {
		if _, ok := ev.(EventInvalidIceCandidate); ok {
			sawInvalid = true
		}
	}
	require.True(t, sawInvalid)
}

func TestUnknownTrafficIsDropped(t *testing.T) {
	now := time.Unix(0, 0)
	n := newTestNode(t, now)

	var scratch [2048]byte
	_, _, ok := n.HandleInput(netip.MustParseAddrPort("8.8.8.8:9999"), testLocal, []byte{1, 2, 3}, scratch[:], now)
	require.False(t, ok)
}

func TestPollTimeoutTracksAllocations(t *testing.T) {
	now := time.Unix(0, 0)
	n := newTestNode(t, now)

	_, ok := n.PollTimeout()
	require.False(t, ok, "an empty node has nothing to wake up for")

	n.UpdateRelays(nil, testRelays(), now)
	_, ok = n.PollTimeout()
	require.True(t, ok, "in-flight BINDING requests need retransmission timers")
}
