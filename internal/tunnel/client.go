package tunnel

import (
	"encoding/base64"
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

// intentCooldown rate-limits connection intents per resource so a burst of
// packets toward an unconnected resource produces one signaling round-trip.
const intentCooldown = 2 * time.Second

// defaultPersistentKeepalive keeps NAT bindings warm on every peer.
const defaultPersistentKeepalive = 25 * time.Second

// Client is the client-side tunnel: it owns the node, the resource set, and
// the TUN plumbing, and produces ClientEvents for the event loop.
type Client struct {
	log  *slog.Logger
	node *node.Node

	tun tundev.Device

	resources map[uuid.UUID]resource.Resource
	disabled  map[uuid.UUID]bool
	// routing resolves an outbound destination to a resource.
	routing *resource.Table

	// gatewayForResource is filled by connection details replies.
	gatewayForResource map[uuid.UUID]uuid.UUID
	// psks holds the preshared key generated for each gateway we offered a
	// connection to.
	psks map[uuid.UUID]wgtypes.Key

	// lastIntentAt rate-limits ConnectionIntent per resource.
	lastIntentAt map[uuid.UUID]time.Time

	interfaceIPv4  netip.Addr
	interfaceIPv6  netip.Addr
	upstreamDNS    []netip.Addr
	systemResolver []netip.Addr

	events []ClientEvent

	lastNow time.Time
}

// NewClient creates the client tunnel around a fresh node.
func NewClient(log *slog.Logger, privateKey wgtypes.Key, sessionID string, now time.Time) *Client {
	return &Client{
		log:                log,
		node:               node.NewNode(log, privateKey, sessionID, now),
		resources:          make(map[uuid.UUID]resource.Resource),
		disabled:           make(map[uuid.UUID]bool),
		routing:            resource.NewTable(),
		gatewayForResource: make(map[uuid.UUID]uuid.UUID),
		psks:               make(map[uuid.UUID]wgtypes.Key),
		lastIntentAt:       make(map[uuid.UUID]time.Time),
		lastNow:            now,
	}
}

// PublicKey returns the WireGuard public key announced to the portal.
func (c *Client) PublicKey() wgtypes.Key {
	return c.node.PublicKey()
}

// SetTun moves a TUN device into the tunnel.
func (c *Client) SetTun(dev tundev.Device) {
	c.tun = dev
}

// SetLocalAddresses seeds host candidates.
func (c *Client) SetLocalAddresses(addrs []netip.AddrPort) {
	c.node.SetLocalAddresses(addrs)
}

// Reset drops all data-plane state; the caller reconnects the portal, whose
// init message rebuilds us.
func (c *Client) Reset(now time.Time) {
	c.node.Reset(now)
	clear(c.gatewayForResource)
	clear(c.psks)
	clear(c.lastIntentAt)
}

// UpdateSystemResolvers records the OS resolvers (SetDns command).
func (c *Client) UpdateSystemResolvers(dns []netip.Addr) {
	c.systemResolver = dns
	c.emitInterfaceUpdate()
}

// UpdateInterfaceConfig applies portal-pushed interface settings.
func (c *Client) UpdateInterfaceConfig(cfg portal.InterfaceConfig) {
	c.interfaceIPv4 = cfg.IPv4
	c.interfaceIPv6 = cfg.IPv6
	c.upstreamDNS = cfg.UpstreamDNS
	c.emitInterfaceUpdate()
}

// SetResources replaces the resource set.
func (c *Client) SetResources(descs []portal.ResourceDescription) {
	clear(c.resources)
	c.routing = resource.NewTable()
	for _, desc := range descs {
		c.addResourceLocked(desc)
	}
	c.emitResourcesChanged()
	c.emitInterfaceUpdate()
}

// AddResource upserts one resource.
func (c *Client) AddResource(desc portal.ResourceDescription) {
	c.addResourceLocked(desc)
	c.emitResourcesChanged()
	c.emitInterfaceUpdate()
}

// RemoveResource deletes one resource.
func (c *Client) RemoveResource(id uuid.UUID) {
	delete(c.resources, id)
	c.routing.Remove(id)
	delete(c.gatewayForResource, id)
	c.emitResourcesChanged()
	c.emitInterfaceUpdate()
}

// SetDisabledResources replaces the set of user-disabled resources.
func (c *Client) SetDisabledResources(ids map[uuid.UUID]bool) {
	c.disabled = ids
	c.emitResourcesChanged()
	c.emitInterfaceUpdate()
}

func (c *Client) addResourceLocked(desc portal.ResourceDescription) {
	res, err := resourceFromDescription(desc)
	if err != nil {
		c.log.Warn("tunnel: ignoring resource", "error", err)
		return
	}
	c.resources[res.ID] = res
	// Client-side resources do not expire; the portal deletes them.
	c.routing.Insert(res, c.lastNow.Add(100*365*24*time.Hour))
}

// UpdateRelays forwards relay presence to the node.
func (c *Client) UpdateRelays(disconnected []uuid.UUID, connected []portal.RelayDescription, now time.Time) {
	c.updateNow(now)
	c.node.UpdateRelays(disconnected, relaysFromDescriptions(c.log, connected), now)
}

func relaysFromDescriptions(log *slog.Logger, descs []portal.RelayDescription) []node.Relay {
	out := make([]node.Relay, 0, len(descs))
	for _, desc := range descs {
		socket, err := parseRelaySocket(desc.AddrV4, desc.AddrV6)
		if err != nil {
			log.Warn("tunnel: ignoring relay", "relay", desc.ID, "error", err)
			continue
		}
		out = append(out, node.Relay{
			ID:       desc.ID,
			Socket:   socket,
			Username: desc.Username,
			Password: desc.Password,
			Realm:    desc.Realm,
		})
	}
	return out
}

// AddIceCandidate feeds a gateway's candidate into the node.
func (c *Client) AddIceCandidate(gateway uuid.UUID, candidate string, now time.Time) {
	c.updateNow(now)
	c.node.AddRemoteCandidate(gateway, candidate, now)
}

// RemoveIceCandidate invalidates a gateway's candidate.
func (c *Client) RemoveIceCandidate(gateway uuid.UUID, candidate string, now time.Time) {
	c.updateNow(now)
	c.node.RemoveRemoteCandidate(gateway, candidate, now)
}

// OnRoutingDetails reacts to the portal telling us which gateway serves a
// resource: reuse an existing connection or start a new one.
func (c *Client) OnRoutingDetails(resourceID, gatewayID uuid.UUID, now time.Time) error {
	c.updateNow(now)
	c.gatewayForResource[resourceID] = gatewayID

	exists, _ := c.node.Connection(gatewayID)
	if exists {
		c.events = append(c.events, RequestAccess{ResourceID: resourceID, GatewayID: gatewayID})
		return nil
	}

	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return fmt.Errorf("tunnel: generating preshared key: %w", err)
	}
	c.psks[gatewayID] = psk

	// The gateway's public key arrives with its answer; the connection is
	// created then. The offer only needs ICE credentials, which means we
	// must allocate them now.
	offer, err := c.node.PrepareConnection(gatewayID, psk, now)
	if err != nil {
		return fmt.Errorf("tunnel: preparing connection: %w", err)
	}

	c.events = append(c.events, RequestConnection{
		GatewayID:    gatewayID,
		ResourceID:   resourceID,
		Offer:        offer,
		PresharedKey: base64.StdEncoding.EncodeToString(psk[:]),
	})
	return nil
}

// AcceptAnswer finalizes a connection from the gateway's reply to our
// RequestConnection. The gateway is identified through the resource it was
// requested for.
func (c *Client) AcceptAnswer(resourceID uuid.UUID, gatewayKey wgtypes.Key, answer node.IceParameters, candidates []string, now time.Time) error {
	c.updateNow(now)

	gatewayID, ok := c.gatewayForResource[resourceID]
	if !ok {
		return fmt.Errorf("tunnel: answer for unknown resource %s", resourceID)
	}

	psk := c.psks[gatewayID]
	res, ok := c.resources[resourceID]
	if !ok {
		return fmt.Errorf("tunnel: answer for unknown resource %s", resourceID)
	}

	if err := c.node.CompleteConnection(gatewayID, gatewayKey, psk, answer, allowedIPsFor(res), defaultPersistentKeepalive, now); err != nil {
		return fmt.Errorf("tunnel: completing connection: %w", err)
	}

	for _, candidate := range candidates {
		c.node.AddRemoteCandidate(gatewayID, candidate, now)
	}
	return nil
}

// allowedIPsFor derives the allowed prefixes for traffic from a gateway.
func allowedIPsFor(res resource.Resource) []netip.Prefix {
	var out []netip.Prefix
	switch res.Kind {
	case resource.KindCIDR:
		out = append(out, res.Prefix)
	case resource.KindDNS:
		if res.IPv4.IsValid() {
			out = append(out, netip.PrefixFrom(res.IPv4, 32))
		}
		if res.IPv6.IsValid() {
			out = append(out, netip.PrefixFrom(res.IPv6, 128))
		}
	}
	return out
}

// HandleOutboundPacket routes one IP packet read from the TUN device.
func (c *Client) HandleOutboundPacket(raw []byte, now time.Time) {
	c.updateNow(now)

	pkt, err := ippacket.Parse(raw)
	if err != nil {
		c.log.Debug("tunnel: dropping malformed outbound packet", "error", err)
		return
	}

	res, ok := c.routing.GetByIP(pkt.Dst())
	if !ok {
		return
	}
	if c.disabled[res.ID] {
		return
	}

	gatewayID, known := c.gatewayForResource[res.ID]
	if !known {
		c.maybeEmitIntent(res.ID, now)
		return
	}

	sent, err := c.node.EncapsulateAndSend(gatewayID, pkt, now)
	if err != nil {
		c.log.Warn("tunnel: failed to send packet", "gateway", gatewayID, "error", err)
		return
	}
	if !sent {
		c.maybeEmitIntent(res.ID, now)
	}
}

func (c *Client) maybeEmitIntent(resourceID uuid.UUID, now time.Time) {
	if last, ok := c.lastIntentAt[resourceID]; ok && now.Sub(last) < intentCooldown {
		return
	}
	c.lastIntentAt[resourceID] = now

	connected := make([]uuid.UUID, 0, len(c.gatewayForResource))
	seen := map[uuid.UUID]bool{}
	for _, gw := range c.gatewayForResource {
		if exists, _ := c.node.Connection(gw); exists && !seen[gw] {
			connected = append(connected, gw)
			seen[gw] = true
		}
	}

	c.events = append(c.events, ConnectionIntent{ResourceID: resourceID, ConnectedGatewayIDs: connected})
}

// HandleInboundDatagram feeds one UDP datagram into the node; decapsulated
// IP packets are written to the TUN device.
func (c *Client) HandleInboundDatagram(from, local netip.AddrPort, raw []byte, buf []byte, now time.Time) {
	c.updateNow(now)

	pkt, _, ok := c.node.HandleInput(from, local, raw, buf, now)
	c.forwardNodeEvents()
	if !ok {
		return
	}

	if c.tun == nil {
		c.log.Debug("tunnel: no TUN device, dropping inbound packet")
		return
	}
	if _, err := c.tun.Write(pkt.Bytes()); err != nil {
		c.log.Warn("tunnel: failed to write to TUN", "error", err)
	}
}

// HandleTimeout advances the node's timers.
func (c *Client) HandleTimeout(now time.Time) {
	c.updateNow(now)
	c.node.HandleTimeout(now)
	c.forwardNodeEvents()
}

// PollTimeout returns the node's next deadline.
func (c *Client) PollTimeout() (time.Time, bool) {
	return c.node.PollTimeout()
}

// PollTransmit returns the next datagram for the UDP socket.
func (c *Client) PollTransmit() (node.Transmit, bool) {
	return c.node.PollTransmit()
}

// PollEvent returns the next tunnel event.
func (c *Client) PollEvent() (ClientEvent, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

// forwardNodeEvents translates node events into client events.
func (c *Client) forwardNodeEvents() {
	for {
		ev, ok := c.node.PollEvent()
		if !ok {
			return
		}

		switch ev := ev.(type) {
		case node.EventNewIceCandidate:
			c.events = append(c.events, AddedIceCandidates{GatewayID: ev.Gateway, Candidates: []string{ev.Candidate}})
		case node.EventInvalidIceCandidate:
			c.events = append(c.events, RemovedIceCandidates{GatewayID: ev.Gateway, Candidates: []string{ev.Candidate}})
		case node.EventConnectionEstablished:
			c.log.Info("tunnel: connection established", "gateway", ev.Gateway)
		case node.EventPeerEmptied:
			c.log.Debug("tunnel: peer emptied", "gateway", ev.Gateway)
		}
	}
}

func (c *Client) emitResourcesChanged() {
	resources := make([]resource.Resource, 0, len(c.resources))
	for id, res := range c.resources {
		if c.disabled[id] {
			continue
		}
		resources = append(resources, res)
	}
	c.events = append(c.events, ResourcesChanged{Resources: resources})
}

func (c *Client) emitInterfaceUpdate() {
	enabled := make([]resource.Resource, 0, len(c.resources))
	for id, res := range c.resources {
		if c.disabled[id] {
			continue
		}
		enabled = append(enabled, res)
	}
	v4, v6 := routesForResources(enabled)

	dns := c.upstreamDNS
	if len(dns) == 0 {
		dns = c.systemResolver
	}

	c.events = append(c.events, TunInterfaceUpdated{
		IPv4:       c.interfaceIPv4,
		IPv6:       c.interfaceIPv6,
		DNSServers: dns,
		RoutesV4:   v4,
		RoutesV6:   v6,
	})
}

func (c *Client) updateNow(now time.Time) {
	if now.After(c.lastNow) {
		c.lastNow = now
	}
}
