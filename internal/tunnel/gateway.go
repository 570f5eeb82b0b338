package tunnel

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/ippacket"
	"github.com/cordonlabs/cordon/internal/node"
	"github.com/cordonlabs/cordon/internal/portal"
	"github.com/cordonlabs/cordon/internal/resource"
	"github.com/cordonlabs/cordon/internal/tundev"
)

// Gateway is the gateway-side tunnel: it answers client offers, enforces
// per-client resource access with expiry, and translates DNS resource
// addresses on the data path.
type Gateway struct {
	log  *slog.Logger
	node *node.Node

	tun      tundev.Device
	resolver *resource.Resolver

	events []ClientEvent

	lastNow time.Time
}

// NewGateway creates the gateway tunnel around a fresh node.
func NewGateway(log *slog.Logger, privateKey wgtypes.Key, sessionID string, now time.Time) *Gateway {
	return &Gateway{
		log:      log,
		node:     node.NewNode(log, privateKey, sessionID, now),
		resolver: resource.NewResolver(log),
		lastNow:  now,
	}
}

// PublicKey returns the WireGuard public key announced to the portal.
func (g *Gateway) PublicKey() wgtypes.Key {
	return g.node.PublicKey()
}

// SetTun moves a TUN device into the tunnel.
func (g *Gateway) SetTun(dev tundev.Device) {
	g.tun = dev
}

// SetLocalAddresses seeds host candidates.
func (g *Gateway) SetLocalAddresses(addrs []netip.AddrPort) {
	g.node.SetLocalAddresses(addrs)
}

// SetDNSServers configures the resolver used for DNS resource translation.
func (g *Gateway) SetDNSServers(servers []netip.Addr) {
	g.resolver.SetServers(servers)
}

// UpdateRelays forwards relay presence to the node.
func (g *Gateway) UpdateRelays(disconnected []uuid.UUID, connected []portal.RelayDescription, now time.Time) {
	g.updateNow(now)
	g.node.UpdateRelays(disconnected, relaysFromDescriptions(g.log, connected), now)
}

// AcceptConnectionOffer answers a client's connection request: the peer is
// created with the requested resource installed and our ICE answer is
// returned for signaling back.
func (g *Gateway) AcceptConnectionOffer(clientID uuid.UUID, offer node.IceParameters, clientKey, presharedKey wgtypes.Key, clientAddrs []netip.Prefix, res resource.Resource, expiresAt, now time.Time) (node.IceParameters, error) {
	g.updateNow(now)

	resources := resource.NewTable()
	resources.Insert(res, expiresAt)

	answer, err := g.node.AcceptConnection(clientID, offer, clientKey, presharedKey, clientAddrs, resources, g.resolver.Lookup, now)
	if err != nil {
		return node.IceParameters{}, fmt.Errorf("tunnel: accepting offer from %s: %w", clientID, err)
	}
	return answer, nil
}

// AllowAccess installs an additional resource on an existing client peer.
func (g *Gateway) AllowAccess(clientID uuid.UUID, res resource.Resource, expiresAt, now time.Time) {
	g.updateNow(now)
	g.node.AllowAccess(clientID, res, expiresAt)
}

// AddIceCandidate feeds a client's candidate into the node.
func (g *Gateway) AddIceCandidate(clientID uuid.UUID, candidate string, now time.Time) {
	g.updateNow(now)
	g.node.AddRemoteCandidate(clientID, candidate, now)
}

// RemoveIceCandidate invalidates a client's candidate.
func (g *Gateway) RemoveIceCandidate(clientID uuid.UUID, candidate string, now time.Time) {
	g.updateNow(now)
	g.node.RemoveRemoteCandidate(clientID, candidate, now)
}

// HandleInboundDatagram feeds one UDP datagram into the node; decapsulated
// and policy-checked IP packets are written to the TUN device.
func (g *Gateway) HandleInboundDatagram(from, local netip.AddrPort, raw []byte, buf []byte, now time.Time) {
	g.updateNow(now)

	pkt, _, ok := g.node.HandleInput(from, local, raw, buf, now)
	g.forwardNodeEvents()
	if !ok {
		return
	}

	if g.tun == nil {
		return
	}
	if _, err := g.tun.Write(pkt.Bytes()); err != nil {
		g.log.Warn("tunnel: failed to write to TUN", "error", err)
	}
}

// HandleOutboundPacket routes return traffic from the TUN device back to
// the client whose session covers it.
func (g *Gateway) HandleOutboundPacket(raw []byte, now time.Time) {
	g.updateNow(now)

	pkt, err := ippacket.Parse(raw)
	if err != nil {
		return
	}

	// The destination is the client's tunnel address; every established
	// connection is offered the packet and the owning peer encrypts it.
	for clientID := range g.node.Stats() {
		sent, err := g.node.EncapsulateAndSend(clientID, pkt, now)
		if err != nil {
			g.log.Debug("tunnel: failed to send return traffic", "client", clientID, "error", err)
			continue
		}
		if sent {
			return
		}
	}
}

// HandleTimeout advances the node's timers; peers whose resources all
// expired are dropped by the node.
func (g *Gateway) HandleTimeout(now time.Time) {
	g.updateNow(now)
	g.node.HandleTimeout(now)
	g.forwardNodeEvents()
}

// PollTimeout returns the node's next deadline.
func (g *Gateway) PollTimeout() (time.Time, bool) {
	return g.node.PollTimeout()
}

// PollTransmit returns the next datagram for the UDP socket.
func (g *Gateway) PollTransmit() (node.Transmit, bool) {
	return g.node.PollTransmit()
}

// PollEvent returns the next tunnel event.
func (g *Gateway) PollEvent() (ClientEvent, bool) {
	if len(g.events) == 0 {
		return nil, false
	}
	ev := g.events[0]
	g.events = g.events[1:]
	return ev, true
}

func (g *Gateway) forwardNodeEvents() {
	for {
		ev, ok := g.node.PollEvent()
		if !ok {
			return
		}

		switch ev := ev.(type) {
		case node.EventNewIceCandidate:
			g.events = append(g.events, AddedIceCandidates{GatewayID: ev.Gateway, Candidates: []string{ev.Candidate}})
		case node.EventInvalidIceCandidate:
			g.events = append(g.events, RemovedIceCandidates{GatewayID: ev.Gateway, Candidates: []string{ev.Candidate}})
		case node.EventPeerEmptied:
			g.log.Info("tunnel: client access expired", "client", ev.Gateway)
		}
	}
}

func (g *Gateway) updateNow(now time.Time) {
	if now.After(g.lastNow) {
		g.lastNow = now
	}
}
