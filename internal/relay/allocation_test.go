package relay

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gortc/stun"
	"github.com/gortc/turn"
	"github.com/pion/ice/v2"
	"github.com/stretchr/testify/require"
)

var (
	relayV4     = netip.MustParseAddrPort("10.0.0.1:3478")
	relayV6     = netip.MustParseAddrPort("[2001:db8::1]:3478")
	local4      = netip.MustParseAddrPort("192.168.0.2:41000")
	local6      = netip.MustParseAddrPort("[2001:db8::2]:41000")
	reflexive4  = netip.MustParseAddrPort("77.7.7.7:40000")
	reflexive6  = netip.MustParseAddrPort("[2001:db8:ffff::7]:40000")
	relayedAddr = netip.MustParseAddrPort("10.0.0.1:50000")
	remotePeer  = netip.MustParseAddrPort("33.3.3.3:7000")
)

const allocationLifetime = 600 * time.Second

func testAllocation(now time.Time, server RelaySocket) *Allocation {
	return NewAllocation(slog.Default(), server, "foobar", "baz", "cordon", now, "0f3f")
}

// drainRequests pops all buffered transmits and decodes them as STUN.
func drainRequests(t *testing.T, a *Allocation) []*stun.Message {
	t.Helper()

	var out []*stun.Message
	for {
		tr, ok := a.PollTransmit()
		if !ok {
			return out
		}
		msg := &stun.Message{Raw: tr.Payload}
		require.NoError(t, msg.Decode())
		out = append(out, msg)
	}
}

func singleRequest(t *testing.T, a *Allocation, method stun.Method) *stun.Message {
	t.Helper()

	msgs := drainRequests(t, a)
	require.Len(t, msgs, 1)
	require.Equal(t, method, msgs[0].Type.Method)
	return msgs[0]
}

func drainEvents(a *Allocation) []CandidateEvent {
	var out []CandidateEvent
	for {
		ev, ok := a.PollEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func successResponse(t *testing.T, req *stun.Message, setters ...stun.Setter) []byte {
	t.Helper()
	return response(t, req, stun.ClassSuccessResponse, setters...)
}

func errorResponse(t *testing.T, req *stun.Message, code stun.ErrorCode, setters ...stun.Setter) []byte {
	t.Helper()
	setters = append([]stun.Setter{stun.ErrorCodeAttribute{Code: code}}, setters...)
	return response(t, req, stun.ClassErrorResponse, setters...)
}

func response(t *testing.T, req *stun.Message, class stun.MessageClass, setters ...stun.Setter) []byte {
	t.Helper()

	resp := stun.New()
	resp.TransactionID = req.TransactionID
	resp.Type = stun.MessageType{Method: req.Type.Method, Class: class}
	resp.WriteHeader()
	for _, s := range setters {
		require.NoError(t, s.AddTo(resp))
	}
	return resp.Raw
}

func xorMapped(addr netip.AddrPort) stun.XORMappedAddress {
	return stun.XORMappedAddress{IP: net.IP(addr.Addr().AsSlice()), Port: int(addr.Port())}
}

func relayed(addr netip.AddrPort) turn.RelayedAddress {
	return turn.RelayedAddress{IP: net.IP(addr.Addr().AsSlice()), Port: int(addr.Port())}
}

// makeLiveAllocation drives a fresh allocation through BINDING and ALLOCATE
// success against a single-family relay.
func makeLiveAllocation(t *testing.T, now time.Time) *Allocation {
	t.Helper()

	a := testAllocation(now, V4Socket(relayV4))

	binding := singleRequest(t, a, stun.MethodBinding)
	require.True(t, a.HandleInput(relayV4, local4, successResponse(t, binding, xorMapped(reflexive4)), now))

	allocate := singleRequest(t, a, stun.MethodAllocate)
	resp := successResponse(t, allocate, turn.Lifetime{Duration: allocationLifetime}, relayed(relayedAddr))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	drainEvents(a)
	return a
}

func TestSingleFamilyAllocationHappyPath(t *testing.T) {
	now := time.Unix(0, 0)
	a := testAllocation(now, V4Socket(relayV4))

	binding := singleRequest(t, a, stun.MethodBinding)
	require.True(t, a.HandleInput(relayV4, local4, successResponse(t, binding, xorMapped(reflexive4)), now))

	// First reply nominates the socket and triggers an ALLOCATE.
	allocate := singleRequest(t, a, stun.MethodAllocate)
	require.True(t, a.ReceivedAnyResponse())

	events := drainEvents(a)
	require.Len(t, events, 1)
	require.False(t, events[0].Invalid)
	require.Equal(t, ice.CandidateTypeServerReflexive, events[0].Candidate.Type())

	resp := successResponse(t, allocate, turn.Lifetime{Duration: allocationLifetime}, relayed(relayedAddr))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	events = drainEvents(a)
	require.Len(t, events, 1)
	require.False(t, events[0].Invalid)
	require.Equal(t, ice.CandidateTypeRelay, events[0].Candidate.Type())

	// The allocation must be refreshed at half its lifetime.
	timeout, ok := a.PollTimeout()
	require.True(t, ok)
	require.Equal(t, now.Add(allocationLifetime/2), timeout)

	socket, ok := a.IP4Socket()
	require.True(t, ok)
	require.Equal(t, relayedAddr, socket)
}

func TestStaleNonceRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.Refresh(now)
	refresh := singleRequest(t, a, stun.MethodRefresh)

	resp := errorResponse(t, refresh, stun.CodeStaleNonce, stun.Nonce("n2"), stun.NewRealm("cordon"))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	retried := singleRequest(t, a, stun.MethodRefresh)
	var nonce stun.Nonce
	require.NoError(t, nonce.GetFrom(retried))
	require.Equal(t, "n2", string(nonce))
}

func TestRealmMismatchRefusesAuthentication(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.Refresh(now)
	refresh := singleRequest(t, a, stun.MethodRefresh)

	resp := errorResponse(t, refresh, stun.CodeStaleNonce, stun.Nonce("n2"), stun.NewRealm("evil"))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	require.Empty(t, drainRequests(t, a), "no request may be authenticated against a foreign realm")
}

func TestUnauthorizedAfterNonceInvalidatesCredentials(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	// Rotate a nonce in so the next request is nonced.
	a.Refresh(now)
	refresh := singleRequest(t, a, stun.MethodRefresh)
	resp := errorResponse(t, refresh, stun.CodeStaleNonce, stun.Nonce("n2"), stun.NewRealm("cordon"))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	retried := singleRequest(t, a, stun.MethodRefresh)
	require.True(t, a.HandleInput(relayV4, local4, errorResponse(t, retried, stun.CodeUnauthorized), now))

	events := drainEvents(a)
	require.NotEmpty(t, events)
	for _, ev := range events {
		require.True(t, ev.Invalid)
	}

	require.False(t, a.MatchesCredentials("foobar", "baz"))
	require.Empty(t, drainRequests(t, a))

	reason, ok := a.CanBeFreed()
	require.True(t, ok)
	require.Equal(t, FreeReasonAuthenticationError, reason)
}

func TestNoAuthenticatedRequestAfterCredentialsCleared(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.Refresh(now)
	refresh := singleRequest(t, a, stun.MethodRefresh)
	resp := errorResponse(t, refresh, stun.CodeStaleNonce, stun.Nonce("n2"), stun.NewRealm("cordon"))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))
	retried := singleRequest(t, a, stun.MethodRefresh)
	require.True(t, a.HandleInput(relayV4, local4, errorResponse(t, retried, stun.CodeUnauthorized), now))
	drainEvents(a)
	drainRequests(t, a)

	a.Refresh(now.Add(time.Second))
	a.BindChannel(remotePeer, now.Add(2*time.Second))

	// Refreshing a suspended allocation may restart the unauthenticated
	// BINDING probes, but nothing authenticated may ever be queued again.
	for _, msg := range drainRequests(t, a) {
		require.Equal(t, stun.MethodBinding, msg.Type.Method, "credentials are gone; no authenticated request may be queued")
	}
}

func TestAllocationMismatchOnChannelBind(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.BindChannel(remotePeer, now)
	channelBind := singleRequest(t, a, stun.MethodChannelBind)

	require.True(t, a.HandleInput(relayV4, local4, errorResponse(t, channelBind, stun.CodeAllocMismatch), now))

	allocate := singleRequest(t, a, stun.MethodAllocate)

	resp := successResponse(t, allocate, turn.Lifetime{Duration: allocationLifetime}, relayed(relayedAddr))
	require.True(t, a.HandleInput(relayV4, local4, resp, now))

	// The buffered peer must be re-bound once the allocation is back.
	rebind := singleRequest(t, a, stun.MethodChannelBind)
	var peerAddr turn.PeerAddress
	require.NoError(t, peerAddr.GetFrom(rebind))
	require.Equal(t, remotePeer.Addr().String(), peerAddr.IP.String())
	require.Equal(t, int(remotePeer.Port()), peerAddr.Port)
}

func TestDualStackNomination(t *testing.T) {
	now := time.Unix(0, 0)
	a := testAllocation(now, DualSocket(relayV4, relayV6))

	msgs := drainRequests(t, a)
	require.Len(t, msgs, 2, "one BINDING per socket family")

	transmitsByFamily := map[bool]*stun.Message{}
	// BINDING requests are queued IPv4 first, then IPv6.
	bindingV4, bindingV6 := msgs[0], msgs[1]
	transmitsByFamily[true] = bindingV4
	transmitsByFamily[false] = bindingV6

	// IPv6 answers first and wins the nomination.
	require.True(t, a.HandleInput(relayV6, local6, successResponse(t, bindingV6, xorMapped(reflexive6)), now))

	tr, ok := a.PollTransmit()
	require.True(t, ok)
	require.Equal(t, relayV6, tr.Dst, "all non-BINDING traffic targets the nominated socket")
	allocate := &stun.Message{Raw: tr.Payload}
	require.NoError(t, allocate.Decode())
	require.Equal(t, stun.MethodAllocate, allocate.Type.Method)

	events := drainEvents(a)
	require.Len(t, events, 1)
	require.Equal(t, ice.CandidateTypeServerReflexive, events[0].Candidate.Type())

	// The late IPv4 reply still contributes a reflexive candidate but does
	// not change the active socket.
	require.True(t, a.HandleInput(relayV4, local4, successResponse(t, bindingV4, xorMapped(reflexive4)), now))
	events = drainEvents(a)
	require.Len(t, events, 1)
	require.Equal(t, ice.CandidateTypeServerReflexive, events[0].Candidate.Type())
	require.Empty(t, drainRequests(t, a), "second BINDING reply must not trigger another ALLOCATE")
}

func TestNoRetransmitBeforeTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	a := testAllocation(now, V4Socket(relayV4))
	drainRequests(t, a)

	a.HandleTimeout(now)
	require.Empty(t, drainRequests(t, a), "no retransmit before the per-attempt timeout")

	// The initial timeout is at most 1.5x the base interval.
	a.HandleTimeout(now.Add(2 * time.Second))
	retransmits := drainRequests(t, a)
	require.Len(t, retransmits, 1)
	require.Equal(t, stun.MethodBinding, retransmits[0].Type.Method)
}

func TestClockNeverMovesBackwards(t *testing.T) {
	now := time.Unix(100, 0)
	a := makeLiveAllocation(t, now)

	a.HandleTimeout(now.Add(time.Minute))
	require.Equal(t, now.Add(time.Minute), a.lastNow)

	a.HandleTimeout(now)
	require.Equal(t, now.Add(time.Minute), a.lastNow, "stale now must be ignored")
}

func TestBindChannelIsIdempotent(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.BindChannel(remotePeer, now)
	a.BindChannel(remotePeer, now)

	msgs := drainRequests(t, a)
	require.Len(t, msgs, 1)
	require.Equal(t, stun.MethodChannelBind, msgs[0].Type.Method)
}

func TestBindChannelWithoutAllocationBuffers(t *testing.T) {
	now := time.Unix(0, 0)
	a := testAllocation(now, V4Socket(relayV4))
	drainRequests(t, a)

	a.BindChannel(remotePeer, now)
	require.Empty(t, drainRequests(t, a))

	binding := func() *stun.Message {
		a.HandleTimeout(now.Add(2 * time.Second))
		return singleRequest(t, a, stun.MethodBinding)
	}()
	require.True(t, a.HandleInput(relayV4, local4, successResponse(t, binding, xorMapped(reflexive4)), now.Add(2*time.Second)))

	allocate := singleRequest(t, a, stun.MethodAllocate)
	resp := successResponse(t, allocate, turn.Lifetime{Duration: allocationLifetime}, relayed(relayedAddr))
	require.True(t, a.HandleInput(relayV4, local4, resp, now.Add(2*time.Second)))

	// The buffered binding must flush as soon as the allocation exists.
	msgs := drainRequests(t, a)
	require.Len(t, msgs, 1)
	require.Equal(t, stun.MethodChannelBind, msgs[0].Type.Method)
}

func TestDecapsulateRoundTrip(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.BindChannel(remotePeer, now)
	channelBind := singleRequest(t, a, stun.MethodChannelBind)
	require.True(t, a.HandleInput(relayV4, local4, successResponse(t, channelBind), now))

	payload := []byte("wireguard ciphertext")
	tr, ok := a.EncodeToTransmit(remotePeer, payload, now)
	require.True(t, ok)
	require.Equal(t, relayV4, tr.Dst)

	peer, inner, socket, ok := a.Decapsulate(relayV4, tr.Payload, now)
	require.True(t, ok)
	require.Equal(t, remotePeer, peer)
	require.Equal(t, payload, inner)
	require.Equal(t, relayedAddr, socket)
}

func TestDecapsulateRejectsForeignRelay(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	_, _, _, ok := a.Decapsulate(netip.MustParseAddrPort("9.9.9.9:3478"), encodeChannelData(0x4000, []byte("x")), now)
	require.False(t, ok)
}

func TestRefreshAtHalfLifetime(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	refreshAt := now.Add(allocationLifetime / 2)
	a.HandleTimeout(refreshAt)

	singleRequest(t, a, stun.MethodRefresh)
}

func TestExpiredAllocationEmitsInvalidCandidates(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	a.HandleTimeout(now.Add(allocationLifetime))

	var sawInvalidRelay bool
	for _, ev := range drainEvents(a) {
		if ev.Invalid && ev.Candidate.Type() == ice.CandidateTypeRelay {
			sawInvalidRelay = true
		}
	}
	require.True(t, sawInvalidRelay)
}

func TestRefreshWhileSuspendedRestartsBinding(t *testing.T) {
	now := time.Unix(0, 0)
	a := testAllocation(now, V4Socket(relayV4))
	drainRequests(t, a)

	// Exhaust the BINDING backoff so the allocation suspends.
	for i := 0; i < 32; i++ {
		now = now.Add(20 * time.Second)
		a.HandleTimeout(now)
		drainRequests(t, a)
	}
	require.Empty(t, a.sentRequests)

	a.Refresh(now)
	msgs := drainRequests(t, a)
	require.NotEmpty(t, msgs)
	require.Equal(t, stun.MethodBinding, msgs[0].Type.Method)
}

func TestIgnoresUnknownTransaction(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	forged := stun.New()
	forged.TransactionID = stun.NewTransactionID()
	forged.Type = stun.MessageType{Method: stun.MethodAllocate, Class: stun.ClassSuccessResponse}
	forged.WriteHeader()

	require.False(t, a.HandleInput(relayV4, local4, forged.Raw, now))
}

func TestIgnoresWrongRelay(t *testing.T) {
	now := time.Unix(0, 0)
	a := makeLiveAllocation(t, now)

	require.False(t, a.HandleInput(netip.MustParseAddrPort("9.9.9.9:3478"), local4, []byte{0, 1}, now))
}
