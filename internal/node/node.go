// Package node composes the data plane of one endpoint: TURN allocations
// toward the discovered relays, an ICE agent per remote peer, and the
// WireGuard sessions that carry IP packets. It owns all of that state
// exclusively and exposes a poll surface to the event loop; no goroutines,
// no sockets.
package node

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/gortc/stun"
	"github.com/pion/ice/v2"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/ippacket"
	"github.com/cordonlabs/cordon/internal/metrics"
	"github.com/cordonlabs/cordon/internal/peer"
	"github.com/cordonlabs/cordon/internal/relay"
	"github.com/cordonlabs/cordon/internal/resource"
)

// GatewayID identifies a remote peer (a gateway on the client, a client on
// the gateway).
type GatewayID = uuid.UUID

// RelayID identifies a relay as announced by the portal.
type RelayID = uuid.UUID

// Relay describes one relay announced by the portal.
type Relay struct {
	ID       RelayID
	Socket   relay.RelaySocket
	Username string
	Password string
	Realm    string
}

// IceParameters are the ufrag/pwd half of an ICE offer or answer.
type IceParameters struct {
	UsernameFragment string `json:"username_fragment"`
	Password         string `json:"password"`
}

// Transmit is a datagram the node wants sent on the UDP socket.
type Transmit = relay.Transmit

// Event is a state change the owning tunnel must react to.
type Event any

// EventNewIceCandidate signals a fresh local candidate for a connection.
type EventNewIceCandidate struct {
	Gateway   GatewayID
	Candidate string
}

// EventInvalidIceCandidate signals a local candidate that is gone.
type EventInvalidIceCandidate struct {
	Gateway   GatewayID
	Candidate string
}

// EventConnectionEstablished fires when a connection first nominates a path
// and completes the WireGuard handshake.
type EventConnectionEstablished struct {
	Gateway GatewayID
}

// EventPeerEmptied fires on gateways when a peer's resources all expired.
type EventPeerEmptied struct {
	Gateway GatewayID
}

type connection struct {
	gateway     GatewayID
	agent       *agent
	peer        *peer.Peer
	established bool
}

// Node owns allocations, connections, and the demux between them.
type Node struct {
	log *slog.Logger

	privateKey wgtypes.Key
	sessionID  string

	// localAddrs seed host candidates for new connections.
	localAddrs []netip.AddrPort

	allocations map[RelayID]*relay.Allocation
	connections map[GatewayID]*connection

	transmits []Transmit
	events    []Event

	lastNow time.Time
}

// NewNode creates an empty node.
func NewNode(log *slog.Logger, privateKey wgtypes.Key, sessionID string, now time.Time) *Node {
	return &Node{
		log:         log,
		privateKey:  privateKey,
		sessionID:   sessionID,
		allocations: make(map[RelayID]*relay.Allocation),
		connections: make(map[GatewayID]*connection),
		lastNow:     now,
	}
}

// PublicKey returns our static WireGuard public key.
func (n *Node) PublicKey() wgtypes.Key {
	return n.privateKey.PublicKey()
}

// SetLocalAddresses records the local socket addresses used to derive host
// candidates.
func (n *Node) SetLocalAddresses(addrs []netip.AddrPort) {
	n.localAddrs = addrs
}

// UpdateRelays tears down allocations for relays that disappeared and
// creates allocations for newly announced ones.
func (n *Node) UpdateRelays(disconnected []RelayID, connected []Relay, now time.Time) {
	n.updateNow(now)

	for _, id := range disconnected {
		alloc, ok := n.allocations[id]
		if !ok {
			continue
		}
		n.log.Info("node: relay disconnected", "relay", id)
		for _, candidate := range alloc.CurrentRelayCandidates() {
			n.invalidateCandidate(candidate)
		}
		delete(n.allocations, id)
	}

	for _, r := range connected {
		if existing, ok := n.allocations[r.ID]; ok {
			if existing.MatchesSocket(r.Socket) && existing.MatchesCredentials(r.Username, r.Password) {
				existing.Refresh(now)
				n.drainAllocation(existing, now)
				continue
			}
			for _, candidate := range existing.CurrentRelayCandidates() {
				n.invalidateCandidate(candidate)
			}
		}

		n.log.Info("node: connecting to relay", "relay", r.ID, "server", r.Socket)
		alloc := relay.NewAllocation(n.log, r.Socket, r.Username, r.Password, r.Realm, now, n.sessionID)
		n.allocations[r.ID] = alloc
		n.drainAllocation(alloc, now)
		metrics.RelayAllocations.Set(float64(len(n.allocations)))
	}
}

// PrepareConnection creates the client side of a connection toward a
// gateway and returns our ICE offer. The WireGuard peer is installed later
// by CompleteConnection, once the gateway's public key is known.
func (n *Node) PrepareConnection(gateway GatewayID, _ wgtypes.Key, now time.Time) (IceParameters, error) {
	n.updateNow(now)

	conn := &connection{
		gateway: gateway,
		agent:   newAgent(n.log, true),
	}
	n.connections[gateway] = conn
	n.seedLocalCandidates(conn)
	metrics.Connections.Set(float64(len(n.connections)))

	return IceParameters{UsernameFragment: conn.agent.localUfrag, Password: conn.agent.localPwd}, nil
}

// CompleteConnection installs the gateway's answer and the WireGuard peer on
// a prepared connection.
func (n *Node) CompleteConnection(gateway GatewayID, remoteKey, presharedKey wgtypes.Key, answer IceParameters, allowedIPs []netip.Prefix, persistentKeepalive time.Duration, now time.Time) error {
	n.updateNow(now)

	conn, ok := n.connections[gateway]
	if !ok {
		return fmt.Errorf("node: no prepared connection to %s", gateway)
	}

	wgPeer, err := peer.New(peer.Config{
		Logger:              n.log,
		LocalPrivateKey:     n.privateKey,
		RemotePublicKey:     remoteKey,
		PresharedKey:        presharedKey,
		PersistentKeepalive: persistentKeepalive,
		AllowedIPs:          allowedIPs,
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("node: creating peer: %w", err)
	}

	conn.peer = wgPeer
	conn.agent.setRemoteCredentials(answer.UsernameFragment, answer.Password)
	return nil
}

// AcceptConnection creates the gateway side of a connection in answer to a
// client's offer and returns our answer. resources seeds the peer's
// resource table; lookup resolves DNS resources.
func (n *Node) AcceptConnection(client GatewayID, offer IceParameters, remoteKey, presharedKey wgtypes.Key, allowedIPs []netip.Prefix, resources *resource.Table, lookup resource.LookupFunc, now time.Time) (IceParameters, error) {
	n.updateNow(now)

	wgPeer, err := peer.New(peer.Config{
		Logger:          n.log,
		LocalPrivateKey: n.privateKey,
		RemotePublicKey: remoteKey,
		PresharedKey:    presharedKey,
		AllowedIPs:      allowedIPs,
	}, resources, lookup)
	if err != nil {
		return IceParameters{}, fmt.Errorf("node: creating peer: %w", err)
	}

	conn := &connection{
		gateway: client,
		agent:   newAgent(n.log, false),
		peer:    wgPeer,
	}
	conn.agent.setRemoteCredentials(offer.UsernameFragment, offer.Password)
	n.connections[client] = conn
	n.seedLocalCandidates(conn)
	metrics.Connections.Set(float64(len(n.connections)))

	return IceParameters{UsernameFragment: conn.agent.localUfrag, Password: conn.agent.localPwd}, nil
}

// RemoveConnection drops a connection and its peer.
func (n *Node) RemoveConnection(gateway GatewayID) {
	delete(n.connections, gateway)
	metrics.Connections.Set(float64(len(n.connections)))
}

// Connection reports whether a connection to gateway exists and whether it
// is established.
func (n *Node) Connection(gateway GatewayID) (exists, established bool) {
	conn, ok := n.connections[gateway]
	if !ok {
		return false, false
	}
	return true, conn.established
}

// AllowAccess installs a resource on a gateway-side peer.
func (n *Node) AllowAccess(client GatewayID, res resource.Resource, expiresAt time.Time) {
	if conn, ok := n.connections[client]; ok && conn.peer != nil {
		conn.peer.AddResource(res, expiresAt)
	}
}

// AddRemoteCandidate feeds a signaled remote candidate into a connection.
func (n *Node) AddRemoteCandidate(gateway GatewayID, candidate string, now time.Time) {
	n.updateNow(now)

	conn, ok := n.connections[gateway]
	if !ok {
		n.log.Debug("node: candidate for unknown connection", "gateway", gateway)
		return
	}

	parsed, err := ice.UnmarshalCandidate(candidate)
	if err != nil {
		n.log.Warn("node: failed to parse remote candidate", "candidate", candidate, "error", err)
		return
	}

	conn.agent.addRemoteCandidate(parsed)

	// Bind a channel to the new remote on every allocation so the relayed
	// path is usable as a fallback.
	if addr, err := netip.ParseAddr(parsed.Address()); err == nil {
		remote := netip.AddrPortFrom(addr, uint16(parsed.Port()))
		for _, alloc := range n.allocations {
			alloc.BindChannel(remote, now)
		}
	}
}

// RemoveRemoteCandidate invalidates a previously signaled remote candidate.
func (n *Node) RemoveRemoteCandidate(gateway GatewayID, candidate string, now time.Time) {
	n.updateNow(now)

	conn, ok := n.connections[gateway]
	if !ok {
		return
	}
	parsed, err := ice.UnmarshalCandidate(candidate)
	if err != nil {
		return
	}
	conn.agent.removeRemoteCandidate(parsed)
}

// HandleInput demultiplexes one inbound datagram. If it decapsulated to an
// IP packet bound for the TUN device, ok is true and the packet borrows buf.
func (n *Node) HandleInput(from, local netip.AddrPort, packet []byte, buf []byte, now time.Time) (ippacket.Packet, GatewayID, bool) {
	n.updateNow(now)

	// Relay traffic: STUN control or channel-data.
	for _, alloc := range n.allocations {
		if !alloc.Server().Matches(from) {
			continue
		}

		if stun.IsMessage(packet) {
			if alloc.HandleInput(from, local, packet, now) {
				n.drainAllocation(alloc, now)
				return ippacket.Packet{}, GatewayID{}, false
			}
			continue
		}

		peerAddr, payload, _, ok := alloc.Decapsulate(from, packet, now)
		if !ok {
			return ippacket.Packet{}, GatewayID{}, false
		}
		return n.handlePeerTraffic(peerAddr, payload, buf, true, now)
	}

	// Direct traffic: ICE connectivity checks or WireGuard.
	return n.handlePeerTraffic(from, packet, buf, false, now)
}

func (n *Node) handlePeerTraffic(from netip.AddrPort, packet []byte, buf []byte, relayed bool, now time.Time) (ippacket.Packet, GatewayID, bool) {
	if stun.IsMessage(packet) {
		for _, conn := range n.connections {
			if conn.agent.handleInput(from, packet, relayed, now) {
				n.drainAgent(conn, now)
				return ippacket.Packet{}, GatewayID{}, false
			}
		}
		return ippacket.Packet{}, GatewayID{}, false
	}

	for _, conn := range n.connections {
		if conn.peer == nil || !conn.agent.hasRemote(from) {
			continue
		}

		pkt, produced, err := conn.peer.Decapsulate(packet, buf, now)
		if err != nil {
			n.log.Debug("node: failed to decapsulate", "gateway", conn.gateway, "error", err)
			return ippacket.Packet{}, GatewayID{}, false
		}

		n.drainPeer(conn, now)
		n.maybeEstablished(conn, now)

		if !produced {
			return ippacket.Packet{}, GatewayID{}, false
		}
		metrics.PacketsDecapsulated.Inc()
		return pkt, conn.gateway, true
	}

	n.log.Debug("node: dropping packet from unknown source", "from", from)
	return ippacket.Packet{}, GatewayID{}, false
}

// EncapsulateAndSend encrypts an outbound IP packet toward gateway and
// queues it on the selected path. It reports false if no connection exists
// or no path has been nominated yet.
func (n *Node) EncapsulateAndSend(gateway GatewayID, pkt ippacket.Packet, now time.Time) (bool, error) {
	n.updateNow(now)

	conn, ok := n.connections[gateway]
	if !ok || conn.peer == nil {
		return false, nil
	}

	ct, err := conn.peer.Encapsulate(pkt, now)
	if err != nil {
		return false, fmt.Errorf("node: encapsulating for %s: %w", gateway, err)
	}

	// A queued packet still produces handshake traffic to flush.
	n.drainPeer(conn, now)

	if ct == nil {
		return true, nil
	}

	if !n.sendOnSelectedPath(conn, ct, now) {
		return false, nil
	}
	metrics.PacketsEncapsulated.Inc()
	return true, nil
}

func (n *Node) sendOnSelectedPath(conn *connection, payload []byte, now time.Time) bool {
	remote, relayed, ok := conn.agent.selectedPath()
	if !ok {
		return false
	}

	if !relayed {
		n.transmits = append(n.transmits, Transmit{Dst: remote, Payload: payload})
		return true
	}

	for _, alloc := range n.allocations {
		if t, ok := alloc.EncodeToTransmit(remote, payload, now); ok {
			n.transmits = append(n.transmits, t)
			return true
		}
	}

	n.log.Debug("node: no relay channel for selected path", "remote", remote)
	return false
}

// HandleTimeout advances every owned state machine.
func (n *Node) HandleTimeout(now time.Time) {
	n.updateNow(now)

	for id, alloc := range n.allocations {
		alloc.HandleTimeout(now)
		n.drainAllocation(alloc, now)

		if reason, ok := alloc.CanBeFreed(); ok {
			n.log.Info("node: freeing allocation", "relay", id, "reason", reason)
			delete(n.allocations, id)
			metrics.RelayAllocations.Set(float64(len(n.allocations)))
		}
	}

	for gateway, conn := range n.connections {
		conn.agent.handleTimeout(now)
		n.drainAgent(conn, now)

		if conn.peer == nil {
			continue
		}

		for _, pkt := range conn.peer.UpdateTimers(now) {
			n.sendOnSelectedPath(conn, pkt, now)
		}
		n.maybeEstablished(conn, now)

		if expired := conn.peer.ExpireResources(now); len(expired) > 0 {
			n.log.Info("node: resources expired", "gateway", gateway, "count", len(expired))
		}
		if conn.peer.IsEmptied() {
			n.log.Info("node: peer has no resources left", "gateway", gateway)
			delete(n.connections, gateway)
			n.events = append(n.events, EventPeerEmptied{Gateway: gateway})
			metrics.Connections.Set(float64(len(n.connections)))
		}
	}
}

// PollTransmit returns the next datagram to send.
func (n *Node) PollTransmit() (Transmit, bool) {
	if len(n.transmits) == 0 {
		return Transmit{}, false
	}
	t := n.transmits[0]
	n.transmits = n.transmits[1:]
	return t, true
}

// PollEvent returns the next node event.
func (n *Node) PollEvent() (Event, bool) {
	if len(n.events) == 0 {
		return nil, false
	}
	ev := n.events[0]
	n.events = n.events[1:]
	return ev, true
}

// PollTimeout returns the earliest wake-up instant across all owned state
// machines.
func (n *Node) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	var ok bool
	observe := func(t time.Time, valid bool) {
		if !valid {
			return
		}
		if !ok || t.Before(earliest) {
			earliest = t
			ok = true
		}
	}

	for _, alloc := range n.allocations {
		t, valid := alloc.PollTimeout()
		observe(t, valid)
	}
	for _, conn := range n.connections {
		t, valid := conn.agent.pollTimeout()
		observe(t, valid)
		if conn.peer != nil {
			t, valid = conn.peer.PollTimeout()
			observe(t, valid)
		}
	}

	return earliest, ok
}

// Reset drops every connection and allocation, emitting Invalid events for
// all current relay candidates.
func (n *Node) Reset(now time.Time) {
	n.updateNow(now)

	for _, alloc := range n.allocations {
		for _, candidate := range alloc.CurrentRelayCandidates() {
			n.invalidateCandidate(candidate)
		}
	}
	clear(n.allocations)
	clear(n.connections)
	n.transmits = nil
	metrics.RelayAllocations.Set(0)
	metrics.Connections.Set(0)
}

// Stats returns a snapshot of per-gateway peer state.
func (n *Node) Stats() map[GatewayID]peer.Stats {
	out := make(map[GatewayID]peer.Stats, len(n.connections))
	for gateway, conn := range n.connections {
		if conn.peer == nil {
			continue
		}
		out[gateway] = conn.peer.Stats()
	}
	return out
}

func (n *Node) seedLocalCandidates(conn *connection) {
	for _, addr := range n.localAddrs {
		candidate, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:   udpNetwork,
			Address:   addr.Addr().Unmap().String(),
			Port:      int(addr.Port()),
			Component: ice.ComponentRTP,
		})
		if err != nil {
			continue
		}
		conn.agent.addLocalCandidate(candidate)
		n.events = append(n.events, EventNewIceCandidate{Gateway: conn.gateway, Candidate: candidate.Marshal()})
	}

	// Existing allocations contribute their current candidates right away.
	for _, alloc := range n.allocations {
		for _, candidate := range alloc.CurrentRelayCandidates() {
			conn.agent.addLocalCandidate(candidate)
			n.events = append(n.events, EventNewIceCandidate{Gateway: conn.gateway, Candidate: candidate.Marshal()})
		}
	}
}

// drainAllocation moves an allocation's transmits and candidate events into
// the node queues.
func (n *Node) drainAllocation(alloc *relay.Allocation, now time.Time) {
	for {
		t, ok := alloc.PollTransmit()
		if !ok {
			break
		}
		n.transmits = append(n.transmits, t)
	}

	for {
		ev, ok := alloc.PollEvent()
		if !ok {
			break
		}
		if ev.Invalid {
			n.invalidateCandidate(ev.Candidate)
			continue
		}
		for _, conn := range n.connections {
			conn.agent.addLocalCandidate(ev.Candidate)
			n.events = append(n.events, EventNewIceCandidate{Gateway: conn.gateway, Candidate: ev.Candidate.Marshal()})
		}
	}
}

func (n *Node) invalidateCandidate(candidate ice.Candidate) {
	for _, conn := range n.connections {
		conn.agent.removeLocalCandidate(candidate)
		n.events = append(n.events, EventInvalidIceCandidate{Gateway: conn.gateway, Candidate: candidate.Marshal()})
	}
}

func (n *Node) drainAgent(conn *connection, now time.Time) {
	for {
		check, ok := conn.agent.pollTransmit()
		if !ok {
			break
		}

		if !check.relayed {
			n.transmits = append(n.transmits, Transmit{Dst: check.remote, Payload: check.payload})
			continue
		}

		sent := false
		for _, alloc := range n.allocations {
			if t, ok := alloc.EncodeToTransmit(check.remote, check.payload, now); ok {
				n.transmits = append(n.transmits, t)
				sent = true
				break
			}
		}
		if !sent {
			// No channel yet; request one so the next check can go out.
			for _, alloc := range n.allocations {
				alloc.BindChannel(check.remote, now)
				n.drainAllocation(alloc, now)
			}
		}
	}
}

func (n *Node) drainPeer(conn *connection, now time.Time) {
	if conn.peer == nil {
		return
	}
	for {
		pkt, ok := conn.peer.PollTransmit()
		if !ok {
			return
		}
		n.sendOnSelectedPath(conn, pkt, now)
	}
}

func (n *Node) maybeEstablished(conn *connection, now time.Time) {
	if conn.established || conn.peer == nil {
		return
	}
	_, _, nominated := conn.agent.selectedPath()
	if nominated && conn.peer.Established(now) {
		conn.established = true
		n.events = append(n.events, EventConnectionEstablished{Gateway: conn.gateway})
	}
}

func (n *Node) updateNow(now time.Time) {
	if now.After(n.lastNow) {
		n.lastNow = now
	}
}
