package relay

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/gortc/stun"
	"github.com/gortc/turn"
	"github.com/pion/ice/v2"

	"github.com/cordonlabs/cordon/internal/backoff"
)

// requestTimeout is the initial per-attempt timeout for a TURN request.
const requestTimeout = 1 * time.Second

// bufferedBindingsCapacity bounds how many peers may wait for a channel
// binding while no allocation exists. Overflow drops the oldest entry.
const bufferedBindingsCapacity = 100

type transactionID = [stun.TransactionIDSize]byte

// Allocation is a TURN allocation that refreshes itself.
//
// Allocations have a lifetime and need to be continuously refreshed to stay
// active. All methods take an explicit `now`; the allocation keeps a monotone
// logical clock and ignores stale timestamps.
type Allocation struct {
	log *slog.Logger

	// server holds the known sockets of the relay.
	server RelaySocket
	// activeSocket is the socket we have chosen to talk to the relay on.
	// We start by sending a BINDING request on every known socket; whatever
	// answers first wins.
	activeSocket netip.AddrPort

	software stun.Software

	// Reflexive addresses the relay observed for us, per address family.
	ip4Srflx ice.Candidate
	ip6Srflx ice.Candidate
	// Relayed addresses allocated for us, per address family.
	ip4Relay ice.Candidate
	ip6Relay ice.Candidate

	// allocationGrantedAt/allocationLifetime record when we received the
	// allocation and how long it is valid. A zero grant time means none.
	allocationGrantedAt time.Time
	allocationLifetime  time.Duration

	buffered []Transmit
	events   eventQueue

	sentRequests map[transactionID]*sentRequest

	channels         *channelBindings
	bufferedBindings *peerRing

	lastNow time.Time

	// creds being nil marks the allocation unusable: no further
	// authenticated request will be queued.
	creds *credentials

	explicitFailure FreeReason
}

// NewAllocation creates the state machine for one relay and immediately
// queues BINDING requests on every socket family the relay supports.
func NewAllocation(log *slog.Logger, server RelaySocket, username, password, realm string, now time.Time, sessionID string) *Allocation {
	a := &Allocation{
		log:              log,
		server:           server,
		software:         stun.NewSoftware(fmt.Sprintf("cordon; session=%s", sessionID)),
		sentRequests:     make(map[transactionID]*sentRequest),
		channels:         newChannelBindings(log),
		bufferedBindings: newPeerRing(bufferedBindingsCapacity),
		lastNow:          now,
		creds:            newCredentials(username, password, realm),
	}

	a.sendBindingRequests()

	return a
}

// CurrentRelayCandidates returns the relayed candidates this allocation
// currently contributes.
func (a *Allocation) CurrentRelayCandidates() []ice.Candidate {
	var out []ice.Candidate
	if a.ip4Relay != nil {
		out = append(out, a.ip4Relay)
	}
	if a.ip6Relay != nil {
		out = append(out, a.ip6Relay)
	}
	return out
}

// Refresh refreshes this allocation. In case refreshing fails, we will
// attempt to make a new one.
func (a *Allocation) Refresh(now time.Time) {
	a.updateNow(now)

	if !a.hasAllocation() && a.allocateInFlight() {
		a.log.Debug("relay: not refreshing allocation, already making one")
		return
	}

	if a.isSuspended() {
		a.log.Debug("relay: attempting to make a new allocation")

		a.activeSocket = netip.AddrPort{}
		a.sendBindingRequests()
		return
	}

	a.log.Debug("relay: refreshing allocation")

	a.authenticateAndQueue(refreshRequest(), nil)
}

// HandleInput processes one datagram that may be a STUN message from this
// relay. It returns true iff the packet belonged to this allocation.
func (a *Allocation) HandleInput(from, local netip.AddrPort, packet []byte, now time.Time) bool {
	a.updateNow(now)

	if !a.server.Matches(from) {
		return false
	}

	if !stun.IsMessage(packet) {
		return false
	}

	msg := &stun.Message{Raw: packet}
	if err := msg.Decode(); err != nil {
		return false
	}

	req, ok := a.sentRequests[msg.TransactionID]
	if !ok {
		return false
	}
	delete(a.sentRequests, msg.TransactionID)

	rtt := now.Sub(req.sentAt)
	a.log.Debug("relay: received response", "method", msg.Type.Method, "class", msg.Type.Class, "rtt", rtt)

	var errCode stun.ErrorCodeAttribute
	if errCode.GetFrom(msg) == nil {
		a.handleErrorResponse(msg, errCode, req)
		return true
	}

	if msg.Type.Class != stun.ClassSuccessResponse {
		a.log.Warn("relay: can only handle success messages from here", "class", msg.Type.Class)
		return true
	}

	switch msg.Type.Method {
	case stun.MethodBinding:
		a.handleBindingSuccess(msg, req, local, now)
	case stun.MethodAllocate:
		a.handleAllocateSuccess(msg, now)
	case stun.MethodRefresh:
		a.handleRefreshSuccess(msg, now)
	case stun.MethodChannelBind:
		if !a.channels.setConfirmed(req.recipe.channel, now) {
			a.log.Warn("relay: unknown channel", "channel", req.recipe.channel)
		}
	}

	return true
}

func (a *Allocation) handleErrorResponse(msg *stun.Message, errCode stun.ErrorCodeAttribute, req *sentRequest) {
	// If we sent a nonce but receive 401 instead of 438 then our
	// credentials are invalid.
	if errCode.Code == stun.CodeUnauthorized && req.nonced {
		a.log.Warn("relay: invalid credentials, refusing to re-authenticate", "method", req.recipe.method)
		a.creds = nil
		a.invalidateAllocation()
		return
	}

	if errCode.Code == stun.CodeUnauthorized || errCode.Code == stun.CodeStaleNonce {
		if a.creds == nil {
			return
		}

		var nonce stun.Nonce
		if err := nonce.GetFrom(msg); err == nil {
			a.creds.nonce = nonce
		}

		var offeredRealm stun.Realm
		if err := offeredRealm.GetFrom(msg); err == nil && offeredRealm.String() != a.creds.realm.String() {
			a.log.Warn("relay: refusing to authenticate with server",
				"allowed_realm", a.creds.realm.String(), "server_realm", offeredRealm.String())
			return
		}

		a.log.Debug("relay: request failed, re-authenticating", "error", errCode.Reason)
		a.authenticateAndQueue(req.recipe, nil)
		return
	}

	// An allocation mismatch means our local state is out of sync with the
	// relay; clear it and issue whatever request re-syncs us.
	if errCode.Code == stun.CodeAllocMismatch {
		a.invalidateAllocation()

		switch req.recipe.method {
		case stun.MethodAllocate:
			// We already have an allocation on the relay. Delete it.
			a.authenticateAndQueue(deleteAllocationRequest(), nil)
			a.log.Debug("relay: deleting existing allocation to re-sync")
		case stun.MethodRefresh:
			a.authenticateAndQueue(allocateRequest(), nil)
			a.log.Debug("relay: making new allocation to re-sync")
		case stun.MethodChannelBind:
			a.authenticateAndQueue(allocateRequest(), nil)
			a.log.Debug("relay: making new allocation to re-sync")

			// Re-queue the failed channel binding.
			a.bufferedBindings.push(req.recipe.peer)
		}
		return
	}

	if errCode.Code == stun.CodeUnknownAttribute {
		var unknown stun.UnknownAttributes
		_ = unknown.GetFrom(msg)
		a.log.Warn("relay: server did not understand one or more attributes in our request", "attributes", fmt.Sprint(unknown))
		a.explicitFailure = FreeReasonProtocolFailure
		return
	}

	// Catch-all error handling if none of the above apply.
	switch req.recipe.method {
	case stun.MethodAllocate:
		a.bufferedBindings.clear()
	case stun.MethodChannelBind:
		a.channels.handleFailedBinding(req.recipe.channel)
		a.log.Warn("relay: channel bind failed",
			"error", string(errCode.Reason), "channel", req.recipe.channel, "peer", req.recipe.peer)
		return
	}

	a.log.Warn("relay: TURN request failed", "error", string(errCode.Reason))
}

func (a *Allocation) handleBindingSuccess(msg *stun.Message, req *sentRequest, local netip.AddrPort, now time.Time) {
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		observed, ok := addrPortFromNet(mapped.IP, mapped.Port)
		if ok {
			candidate, err := srflxCandidate(observed, local)
			if err != nil {
				a.log.Debug("relay: observed address is not a valid candidate", "error", err)
			} else if req.dst.Addr().Is4() {
				updateCandidate(candidate, &a.ip4Srflx, &a.events)
			} else {
				updateCandidate(candidate, &a.ip6Srflx, &a.events)
			}
		}
	}

	a.logUpdate(now)

	// We send one BINDING per IP version to start with and the first one
	// coming back wins. If we already picked a socket, we are done here.
	if a.activeSocket.IsValid() {
		a.log.Debug("relay: relay supports dual-stack but we've already picked a socket",
			"active_socket", a.activeSocket, "additional_socket", req.dst)
		return
	}

	a.activeSocket = req.dst
	a.log.Debug("relay: updating active socket", "active_socket", req.dst)

	if a.hasAllocation() {
		a.authenticateAndQueue(refreshRequest(), nil)
	} else {
		a.authenticateAndQueue(allocateRequest(), nil)
	}
}

func (a *Allocation) handleAllocateSuccess(msg *stun.Message, now time.Time) {
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(msg); err != nil {
		a.log.Warn("relay: message does not contain LIFETIME")
		return
	}

	relayed := xorRelayedAddresses(msg)
	if len(relayed) == 0 {
		a.log.Warn("relay: successful allocate response without addresses")
		return
	}

	a.allocationGrantedAt = now
	a.allocationLifetime = lifetime.Duration

	for _, addr := range relayed {
		candidate, err := relayCandidate(addr)
		if err != nil {
			a.log.Debug("relay: acquired allocation is not a valid candidate", "error", err)
			continue
		}
		if addr.Addr().Is4() {
			updateCandidate(candidate, &a.ip4Relay, &a.events)
		} else {
			updateCandidate(candidate, &a.ip6Relay, &a.events)
		}
	}

	a.logUpdate(now)

	for {
		peer, ok := a.bufferedBindings.pop()
		if !ok {
			break
		}
		a.BindChannel(peer, now)
	}
}

func (a *Allocation) handleRefreshSuccess(msg *stun.Message, now time.Time) {
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(msg); err != nil {
		a.log.Warn("relay: message does not contain LIFETIME")
		return
	}

	// If we refreshed with a lifetime of 0, we deleted our previous
	// allocation. Make a new one.
	if lifetime.Duration == 0 {
		a.authenticateAndQueue(allocateRequest(), nil)
		return
	}

	a.allocationGrantedAt = now
	a.allocationLifetime = lifetime.Duration

	a.logUpdate(now)
}

// Decapsulate attempts to decode an incoming packet as a channel-data
// message. It returns the original sender, the inner payload, and our relay
// socket that the peer addressed; TURN hides the relay from the remote, so
// that socket is what the peer believes our address to be.
func (a *Allocation) Decapsulate(from netip.AddrPort, packet []byte, now time.Time) (netip.AddrPort, []byte, netip.AddrPort, bool) {
	if !a.server.Matches(from) {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	peer, payload, ok := a.channels.tryDecode(packet, now)
	if !ok {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	// If the remote sent from an IPv4 address, the data was received on our
	// IPv4 allocation, and likewise for IPv6.
	var socket netip.AddrPort
	if peer.Addr().Is4() {
		socket, ok = a.IP4Socket()
	} else {
		socket, ok = a.IP6Socket()
	}
	if !ok {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	return peer, payload, socket, true
}

// HandleTimeout advances the clock: expires the allocation, retransmits
// timed-out requests, refreshes the allocation at half-life, and refreshes
// active channels.
func (a *Allocation) HandleTimeout(now time.Time) {
	a.updateNow(now)

	if expiresAt, ok := a.allocationExpiresAt(); ok && !now.Before(expiresAt) {
		a.log.Debug("relay: allocation is expired")
		a.invalidateAllocation()
	}

	for _, id := range a.timedOutRequests(now) {
		req := a.sentRequests[id]
		delete(a.sentRequests, id)

		a.log.Debug("relay: request timed out, re-sending",
			"method", req.recipe.method, "dst", req.dst, "timeout", req.timeout)

		if req.recipe.method == stun.MethodBinding {
			// BINDING probes are unauthenticated; retransmit as-is.
			a.queue(req.dst, req.msg, req.recipe, false, req.backoff)
			continue
		}

		queued := a.authenticateAndQueue(req.recipe, req.backoff)

		// If we fail to queue the refresh because we exhausted its backoff,
		// the socket is no longer reachable; give up on the allocation.
		if !queued && req.recipe.method == stun.MethodRefresh {
			a.activeSocket = netip.AddrPort{}
			a.invalidateAllocation()
		}
	}

	if refreshAt, ok := a.refreshAllocationAt(); ok && !now.Before(refreshAt) && !a.refreshInFlight() {
		a.log.Debug("relay: allocation is due for a refresh")
		a.authenticateAndQueue(refreshRequest(), nil)
	}

	for _, refresh := range a.channels.channelsToRefresh(now, a.channelBindingInFlightByNumber) {
		a.log.Debug("relay: channel is due for a refresh", "channel", refresh.number, "peer", refresh.peer)
		a.authenticateAndQueue(channelBindRequest(refresh.peer, refresh.number), nil)
	}
}

// timedOutRequests returns the ids of requests whose per-attempt timeout has
// elapsed, in deterministic (transaction id) order.
func (a *Allocation) timedOutRequests(now time.Time) []transactionID {
	var ids []transactionID
	for id, req := range a.sentRequests {
		if now.Sub(req.sentAt) >= req.timeout {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// PollEvent returns the next candidate event, if any.
func (a *Allocation) PollEvent() (CandidateEvent, bool) {
	return a.events.pop()
}

// PollTransmit returns the next datagram to put on the wire, if any.
func (a *Allocation) PollTransmit() (Transmit, bool) {
	if len(a.buffered) == 0 {
		return Transmit{}, false
	}
	t := a.buffered[0]
	a.buffered = a.buffered[1:]
	return t, true
}

// PollTimeout returns the earliest instant at which HandleTimeout must be
// called.
func (a *Allocation) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	var ok bool

	if !a.refreshInFlight() {
		earliest, ok = a.refreshAllocationAt()
	}

	for _, req := range a.sentRequests {
		retransmitAt := req.sentAt.Add(req.timeout)
		if !ok || retransmitAt.Before(earliest) {
			earliest = retransmitAt
			ok = true
		}
	}

	return earliest, ok
}

// BindChannel binds a channel to peer, buffering the request if no
// allocation exists yet.
func (a *Allocation) BindChannel(peer netip.AddrPort, now time.Time) {
	if a.isSuspended() {
		a.log.Debug("relay: allocation is suspended")
		return
	}

	a.updateNow(now)

	if _, ok := a.channels.connectedChannelToPeer(peer, now); ok {
		a.log.Debug("relay: already got a channel", "peer", peer)
		return
	}

	if a.channelBindingInFlightByPeer(peer) {
		a.log.Debug("relay: already binding a channel to peer", "peer", peer)
		return
	}

	if !a.hasAllocation() {
		a.log.Debug("relay: no allocation yet, buffering channel binding", "peer", peer)
		a.bufferedBindings.push(peer)
		return
	}

	if !a.canRelayTo(peer) {
		a.log.Debug("relay: allocation cannot relay to this IP version", "peer", peer)
		return
	}

	channel, ok := a.channels.newChannelToPeer(peer, now)
	if !ok {
		a.log.Warn("relay: all channels are exhausted")
		return
	}

	a.authenticateAndQueue(channelBindRequest(peer, channel), nil)
}

// EncodeToTransmit wraps payload in a channel-data message to peer, if a
// confirmed unexpired channel exists and a socket has been nominated.
func (a *Allocation) EncodeToTransmit(peer netip.AddrPort, payload []byte, now time.Time) (Transmit, bool) {
	channel, ok := a.channels.connectedChannelToPeer(peer, now)
	if !ok {
		return Transmit{}, false
	}

	if !a.activeSocket.IsValid() {
		return Transmit{}, false
	}

	return Transmit{
		Dst:     a.activeSocket,
		Payload: encodeChannelData(channel, payload),
	}, true
}

// CanBeFreed reports whether this allocation has become useless. An explicit
// protocol failure is reported at once; credentials cleared by an
// authentication error, or no response ever received, are reported only once
// all pending work has drained.
func (a *Allocation) CanBeFreed() (FreeReason, bool) {
	if a.explicitFailure != FreeReasonNone {
		reason := a.explicitFailure
		a.explicitFailure = FreeReasonNone
		return reason, true
	}

	pendingWork := !a.events.empty() || len(a.buffered) > 0 || len(a.sentRequests) > 0

	if !pendingWork && !a.ReceivedAnyResponse() {
		return FreeReasonNoResponseReceived, true
	}

	if !pendingWork && a.creds == nil {
		return FreeReasonAuthenticationError, true
	}

	return FreeReasonNone, false
}

// ReceivedAnyResponse reports whether the relay has ever answered us.
func (a *Allocation) ReceivedAnyResponse() bool {
	return a.activeSocket.IsValid()
}

// MatchesCredentials reports whether this allocation authenticates with the
// given credentials.
func (a *Allocation) MatchesCredentials(username, password string) bool {
	return a.creds != nil && a.creds.username.String() == username && a.creds.password == password
}

// MatchesSocket reports whether this allocation talks to the given relay.
func (a *Allocation) MatchesSocket(server RelaySocket) bool {
	return a.server == server
}

// HasSocket reports whether socket is one of the relayed addresses of this
// allocation.
func (a *Allocation) HasSocket(socket netip.AddrPort) bool {
	ip4, ok4 := a.IP4Socket()
	ip6, ok6 := a.IP6Socket()
	return (ok4 && ip4 == socket) || (ok6 && ip6 == socket)
}

// Server returns the relay this allocation talks to.
func (a *Allocation) Server() RelaySocket {
	return a.server
}

// IP4Socket returns our IPv4 address on the relay, if allocated.
func (a *Allocation) IP4Socket() (netip.AddrPort, bool) {
	return candidateAddr(a.ip4Relay)
}

// IP6Socket returns our IPv6 address on the relay, if allocated.
func (a *Allocation) IP6Socket() (netip.AddrPort, bool) {
	return candidateAddr(a.ip6Relay)
}

func (a *Allocation) logUpdate(now time.Time) {
	remaining := time.Duration(0)
	if expiresAt, ok := a.allocationExpiresAt(); ok {
		remaining = expiresAt.Sub(now)
	}

	a.log.Info("relay: updated allocation",
		"srflx_ip4", candidateAddrString(a.ip4Srflx),
		"srflx_ip6", candidateAddrString(a.ip6Srflx),
		"relay_ip4", candidateAddrString(a.ip4Relay),
		"relay_ip6", candidateAddrString(a.ip6Relay),
		"remaining_lifetime", remaining,
	)
}

func (a *Allocation) refreshAllocationAt() (time.Time, bool) {
	if a.allocationGrantedAt.IsZero() {
		return time.Time{}, false
	}
	return a.allocationGrantedAt.Add(a.allocationLifetime / 2), true
}

func (a *Allocation) allocationExpiresAt() (time.Time, bool) {
	if a.allocationGrantedAt.IsZero() {
		return time.Time{}, false
	}
	return a.allocationGrantedAt.Add(a.allocationLifetime), true
}

func (a *Allocation) invalidateAllocation() {
	a.log.Info("relay: invalidating allocation", "active_socket", a.activeSocket)

	if a.ip4Relay != nil {
		a.events.push(CandidateEvent{Candidate: a.ip4Relay, Invalid: true})
		a.ip4Relay = nil
	}
	if a.ip6Relay != nil {
		a.events.push(CandidateEvent{Candidate: a.ip6Relay, Invalid: true})
		a.ip6Relay = nil
	}

	a.channels.clear()
	a.allocationGrantedAt = time.Time{}
	a.allocationLifetime = 0
	clear(a.sentRequests)
}

func (a *Allocation) hasAllocation() bool {
	return a.ip4Relay != nil || a.ip6Relay != nil
}

func (a *Allocation) canRelayTo(peer netip.AddrPort) bool {
	if peer.Addr().Is4() {
		return a.ip4Relay != nil
	}
	return a.ip6Relay != nil
}

func (a *Allocation) channelBindingInFlightByNumber(channel uint16) bool {
	for _, req := range a.sentRequests {
		if req.recipe.method == stun.MethodChannelBind && req.recipe.channel == channel {
			return true
		}
	}
	return false
}

func (a *Allocation) channelBindingInFlightByPeer(peer netip.AddrPort) bool {
	for _, req := range a.sentRequests {
		if req.recipe.method == stun.MethodChannelBind && req.recipe.peer == peer {
			return true
		}
	}
	return a.bufferedBindings.contains(peer)
}

func (a *Allocation) allocateInFlight() bool {
	for _, req := range a.sentRequests {
		if req.recipe.method == stun.MethodAllocate {
			return true
		}
	}
	return false
}

func (a *Allocation) refreshInFlight() bool {
	for _, req := range a.sentRequests {
		if req.recipe.method == stun.MethodRefresh {
			return true
		}
	}
	return false
}

// isSuspended reports whether we have given up making an allocation: no
// allocation, nothing in flight, nothing buffered, no scheduled wake-up.
func (a *Allocation) isSuspended() bool {
	_, waiting := a.PollTimeout()
	return !a.hasAllocation() && len(a.sentRequests) == 0 && len(a.buffered) == 0 && !waiting
}

func (a *Allocation) sendBindingRequests() {
	if v4, ok := a.server.V4(); ok {
		a.queueNew(v4, bindingRequest(), nil)
	}
	if v6, ok := a.server.V6(); ok {
		a.queueNew(v6, bindingRequest(), nil)
	}
}

// authenticateAndQueue builds and queues an authenticated request to the
// active socket. It returns false if no socket has been nominated, we have
// no credentials, or the backoff is exhausted.
func (a *Allocation) authenticateAndQueue(recipe request, bo *backoff.Backoff) bool {
	if !a.activeSocket.IsValid() {
		a.log.Debug("relay: unable to queue request, no socket nominated yet", "method", recipe.method)
		return false
	}

	if a.creds == nil {
		a.log.Debug("relay: unable to queue request, no credentials", "method", recipe.method)
		return false
	}

	msg, err := recipe.build(a.software, a.creds)
	if err != nil {
		a.log.Warn("relay: failed to build request", "error", err)
		return false
	}

	return a.queue(a.activeSocket, msg, recipe, len(a.creds.nonce) > 0, bo)
}

// queueNew builds an unauthenticated request and queues it to dst.
func (a *Allocation) queueNew(dst netip.AddrPort, recipe request, bo *backoff.Backoff) bool {
	msg, err := recipe.build(a.software, nil)
	if err != nil {
		a.log.Warn("relay: failed to build request", "error", err)
		return false
	}
	return a.queue(dst, msg, recipe, false, bo)
}

func (a *Allocation) queue(dst netip.AddrPort, msg *stun.Message, recipe request, nonced bool, bo *backoff.Backoff) bool {
	if bo == nil {
		bo = backoff.New(a.lastNow, requestTimeout)
	}

	timeout, ok := bo.NextBackOff()
	if !ok {
		a.log.Debug("relay: unable to queue request, backoff exhausted", "method", recipe.method)
		return false
	}

	a.sentRequests[msg.TransactionID] = &sentRequest{
		dst:     dst,
		msg:     msg,
		recipe:  recipe,
		nonced:  nonced,
		sentAt:  a.lastNow,
		timeout: timeout,
		backoff: bo,
	}
	a.buffered = append(a.buffered, Transmit{Dst: dst, Payload: msg.Raw})

	return true
}

func (a *Allocation) updateNow(now time.Time) {
	if !now.After(a.lastNow) {
		return
	}

	a.lastNow = now

	for _, req := range a.sentRequests {
		req.backoff.SetNow(now)
	}
}

func candidateAddr(c ice.Candidate) (netip.AddrPort, bool) {
	if c == nil {
		return netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddr(c.Address())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(c.Port())), true
}

func candidateAddrString(c ice.Candidate) string {
	addr, ok := candidateAddr(c)
	if !ok {
		return ""
	}
	return addr.String()
}

func addrPortFromNet(ip []byte, port int) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}
