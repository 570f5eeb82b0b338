// Package eventloop composes the tunnel with the portal signaling channel:
// a single-goroutine cooperative loop that drains local commands first,
// tunnel events second, and portal events last, short-circuiting back to the
// top after every consumed event so user intent always preempts inbound
// work.
package eventloop

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/node"
	"github.com/cordonlabs/cordon/internal/portal"
	"github.com/cordonlabs/cordon/internal/relay"
	"github.com/cordonlabs/cordon/internal/resource"
	"github.com/cordonlabs/cordon/internal/tundev"
	"github.com/cordonlabs/cordon/internal/tunnel"
)

// Command is an instruction from the integration to the event loop.
type Command any

// CommandStop ends the loop.
type CommandStop struct{}

// CommandReset re-establishes the portal connection and resets the tunnel.
type CommandReset struct{}

// CommandSetDns updates the system resolvers.
type CommandSetDns struct {
	DNS []netip.Addr
}

// CommandSetTun moves a TUN device into the tunnel.
type CommandSetTun struct {
	Device tundev.Device
}

// CommandSetDisabledResources replaces the user-disabled resource set.
type CommandSetDisabledResources struct {
	IDs map[uuid.UUID]bool
}

// Datagram is one UDP datagram handed in by the socket pump.
type Datagram struct {
	From    netip.AddrPort
	Local   netip.AddrPort
	Payload []byte
}

// Callbacks surface integration points the loop invokes; the daemon wires
// them to netlink and to its log.
type Callbacks interface {
	OnSetInterfaceConfig(ipv4, ipv6 netip.Addr, dns []netip.Addr)
	OnUpdateRoutes(v4, v6 []netip.Prefix)
	OnUpdateResources(resources []resource.Resource)
}

// ErrPortalClosed reports a portal Closed event, which the client never
// initiates; seeing one is a logic error.
var ErrPortalClosed = errors.New("eventloop: portal channel closed")

// PortalChannel is the slice of the portal client the loop drives.
type PortalChannel interface {
	Connect(publicKey string)
	Join(topic string)
	Send(topic string, msg portal.EgressMessage) uint64
	Events() <-chan portal.Event
}

// Config provides the loop's collaborators.
type Config struct {
	Logger   *slog.Logger
	Tunnel   *tunnel.Client
	Portal   PortalChannel
	Commands <-chan Command
	// Outbound delivers IP packets read from the TUN device.
	Outbound <-chan []byte
	// Inbound delivers datagrams read from the UDP socket.
	Inbound <-chan Datagram
	// SendUDP puts a datagram on the wire.
	SendUDP   func(relay.Transmit)
	Callbacks Callbacks
	Clock     clockwork.Clock
}

func (cfg *Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tunnel == nil {
		return errors.New("tunnel is required")
	}
	if cfg.Portal == nil {
		return errors.New("portal is required")
	}
	if cfg.Commands == nil {
		return errors.New("command channel is required")
	}
	if cfg.SendUDP == nil {
		return errors.New("send function is required")
	}
	if cfg.Callbacks == nil {
		return errors.New("callbacks are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Eventloop is the composition root of the client data plane.
type Eventloop struct {
	log      *slog.Logger
	tunnel   *tunnel.Client
	portal   PortalChannel
	commands <-chan Command
	outbound <-chan []byte
	inbound  <-chan Datagram
	sendUDP  func(relay.Transmit)
	cb       Callbacks
	clock    clockwork.Clock

	// pendingPortal holds a portal event received while blocked so the
	// priority order at the top of Run is re-evaluated before handling it.
	pendingPortal portal.Event
}

// New creates the loop and connects the portal with our public key.
func New(cfg Config) (*Eventloop, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("eventloop: invalid config: %w", err)
	}

	e := &Eventloop{
		log:      cfg.Logger,
		tunnel:   cfg.Tunnel,
		portal:   cfg.Portal,
		commands: cfg.Commands,
		outbound: cfg.Outbound,
		inbound:  cfg.Inbound,
		sendUDP:  cfg.SendUDP,
		cb:       cfg.Callbacks,
		clock:    cfg.Clock,
	}

	e.portal.Connect(e.publicKeyParam())
	e.portal.Join(portal.PhoenixTopic)

	return e, nil
}

func (e *Eventloop) publicKeyParam() string {
	key := e.tunnel.PublicKey()
	return base64.StdEncoding.EncodeToString(key[:])
}

// Run drives the loop until Stop, a closed command channel, or ctx
// cancellation.
func (e *Eventloop) Run(ctx context.Context) error {
	for {
		// 1. Commands preempt everything.
		select {
		case cmd, ok := <-e.commands:
			if !ok {
				return nil
			}
			if stop := e.handleCommand(cmd); stop {
				return nil
			}
			continue
		default:
		}

		// 2. Tunnel events beat portal events.
		if ev, ok := e.tunnel.PollEvent(); ok {
			e.handleTunnelEvent(ev)
			continue
		}

		// 3. Portal events.
		if e.pendingPortal != nil {
			ev := e.pendingPortal
			e.pendingPortal = nil
			if err := e.handlePortalEvent(ev); err != nil {
				return err
			}
			continue
		}
		select {
		case ev := <-e.portal.Events():
			if err := e.handlePortalEvent(ev); err != nil {
				return err
			}
			continue
		default:
		}

		e.flushTransmits()

		// All sources idle: block until something happens or a timer fires.
		if stop, err := e.blockUntilReady(ctx); err != nil || stop {
			return err
		}
	}
}

// blockUntilReady waits for the next input or deadline. It consumes at most
// one item so the priority order at the top of Run is re-evaluated.
func (e *Eventloop) blockUntilReady(ctx context.Context) (stop bool, err error) {
	var timerCh <-chan time.Time
	if deadline, ok := e.tunnel.PollTimeout(); ok {
		wait := deadline.Sub(e.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := e.clock.NewTimer(wait)
		defer timer.Stop()
		timerCh = timer.Chan()
	}

	select {
	case <-ctx.Done():
		return true, nil

	case cmd, ok := <-e.commands:
		if !ok {
			return true, nil
		}
		return e.handleCommand(cmd), nil

	case ev := <-e.portal.Events():
		// Park it; a command may have arrived in the same wake-up and must
		// win.
		e.pendingPortal = ev

	case packet, ok := <-e.outbound:
		if !ok {
			return false, nil
		}
		e.tunnel.HandleOutboundPacket(packet, e.clock.Now())

	case dg, ok := <-e.inbound:
		if !ok {
			return false, nil
		}
		var scratch [maxScratch]byte
		e.tunnel.HandleInboundDatagram(dg.From, dg.Local, dg.Payload, scratch[:], e.clock.Now())

	case <-timerCh:
		e.tunnel.HandleTimeout(e.clock.Now())
	}

	e.flushTransmits()
	return false, nil
}

const maxScratch = 65535 + 32

func (e *Eventloop) flushTransmits() {
	for {
		t, ok := e.tunnel.PollTransmit()
		if !ok {
			return
		}
		e.sendUDP(t)
	}
}

// handleCommand returns true when the loop must stop.
func (e *Eventloop) handleCommand(cmd Command) bool {
	switch cmd := cmd.(type) {
	case CommandStop:
		return true
	case CommandReset:
		e.log.Info("eventloop: resetting")
		e.tunnel.Reset(e.clock.Now())
		e.portal.Connect(e.publicKeyParam())
	case CommandSetDns:
		e.tunnel.UpdateSystemResolvers(cmd.DNS)
	case CommandSetTun:
		e.tunnel.SetTun(cmd.Device)
	case CommandSetDisabledResources:
		e.tunnel.SetDisabledResources(cmd.IDs)
	}
	return false
}

func (e *Eventloop) handleTunnelEvent(ev tunnel.ClientEvent) {
	switch ev := ev.(type) {
	case tunnel.AddedIceCandidates:
		e.log.Debug("eventloop: sending new ICE candidates to gateway", "gateway", ev.GatewayID)
		e.portal.Send(portal.PhoenixTopic, portal.BroadcastIceCandidates{
			GatewayIDs: []uuid.UUID{ev.GatewayID},
			Candidates: ev.Candidates,
		})

	case tunnel.RemovedIceCandidates:
		e.log.Debug("eventloop: sending invalidated ICE candidates to gateway", "gateway", ev.GatewayID)
		e.portal.Send(portal.PhoenixTopic, portal.BroadcastInvalidatedIceCandidates{
			GatewayIDs: []uuid.UUID{ev.GatewayID},
			Candidates: ev.Candidates,
		})

	case tunnel.ConnectionIntent:
		e.portal.Send(portal.PhoenixTopic, portal.PrepareConnection{
			ResourceID:          ev.ResourceID,
			ConnectedGatewayIDs: ev.ConnectedGatewayIDs,
		})

	case tunnel.RequestAccess:
		e.portal.Send(portal.PhoenixTopic, portal.ReuseConnection{
			ResourceID: ev.ResourceID,
			GatewayID:  ev.GatewayID,
		})

	case tunnel.RequestConnection:
		e.portal.Send(portal.PhoenixTopic, portal.RequestConnection{
			GatewayID:          ev.GatewayID,
			ResourceID:         ev.ResourceID,
			ClientPresharedKey: ev.PresharedKey,
			ClientPayload: portal.ClientPayload{
				IceParameters: portal.IceParameters(ev.Offer),
			},
		})

	case tunnel.ResourcesChanged:
		e.cb.OnUpdateResources(ev.Resources)

	case tunnel.TunInterfaceUpdated:
		e.cb.OnSetInterfaceConfig(ev.IPv4, ev.IPv6, ev.DNSServers)
		e.cb.OnUpdateRoutes(ev.RoutesV4, ev.RoutesV6)
	}
}

func (e *Eventloop) handlePortalEvent(ev portal.Event) error {
	switch ev := ev.(type) {
	case portal.EventInboundMessage:
		e.handlePortalInbound(ev.Msg)

	case portal.EventSuccessResponse:
		e.handlePortalReply(ev.Reply)

	case portal.EventErrorResponse:
		e.handlePortalError(ev)

	case portal.EventHeartbeatSent, portal.EventJoinedRoom:

	case portal.EventClosed:
		// The client never actively closes the portal connection.
		return ErrPortalClosed
	}
	return nil
}

func (e *Eventloop) handlePortalInbound(msg portal.IngressMessage) {
	now := e.clock.Now()

	switch msg := msg.(type) {
	case portal.InitMessage:
		e.log.Info("eventloop: received init", "resources", len(msg.Resources), "relays", len(msg.Relays))
		e.tunnel.UpdateInterfaceConfig(msg.Interface)
		e.tunnel.SetResources(msg.Resources)
		e.tunnel.UpdateRelays(nil, msg.Relays, now)

	case portal.ConfigChanged:
		e.tunnel.UpdateInterfaceConfig(msg.Interface)

	case portal.IceCandidates:
		for _, candidate := range msg.Candidates {
			e.tunnel.AddIceCandidate(msg.GatewayID, candidate, now)
		}

	case portal.InvalidateIceCandidates:
		for _, candidate := range msg.Candidates {
			e.tunnel.RemoveIceCandidate(msg.GatewayID, candidate, now)
		}

	case portal.ResourceCreatedOrUpdated:
		e.tunnel.AddResource(msg.Resource)

	case portal.ResourceDeleted:
		e.tunnel.RemoveResource(msg.ID)

	case portal.RelaysPresence:
		e.tunnel.UpdateRelays(msg.DisconnectedIDs, msg.Connected, now)
	}
}

func (e *Eventloop) handlePortalReply(reply portal.Reply) {
	now := e.clock.Now()

	switch reply := reply.(type) {
	case portal.Connect:
		if reply.ConnectionAccepted == nil {
			// The resource-accepted flavor is deprecated; nothing to do.
			return
		}

		gatewayKey, err := parseKey(reply.GatewayPublicKey)
		if err != nil {
			e.log.Warn("eventloop: bad gateway public key", "error", err)
			return
		}

		accepted := reply.ConnectionAccepted
		err = e.tunnel.AcceptAnswer(
			reply.ResourceID,
			gatewayKey,
			node.IceParameters(accepted.IceParameters),
			accepted.Candidates,
			now,
		)
		if err != nil {
			e.log.Warn("eventloop: failed to accept connection", "error", err)
		}

	case portal.ConnectionDetails:
		if err := e.tunnel.OnRoutingDetails(reply.ResourceID, reply.GatewayID, now); err != nil {
			e.log.Warn("eventloop: failed to request new connection", "error", err)
		}
	}
}

func (e *Eventloop) handlePortalError(ev portal.EventErrorResponse) {
	switch ev.Err {
	case portal.ErrorReplyOffline:
		// The portal marks resources offline on its own; behavior here is
		// deliberately inert.
		e.log.Debug("eventloop: resource offline", "ref", ev.Ref)
	case portal.ErrorReplyDisabled:
		e.log.Debug("eventloop: functionality is disabled", "ref", ev.Ref)
	case portal.ErrorReplyUnmatchedTopic:
		e.portal.Join(ev.Topic)
	default:
		e.log.Debug("eventloop: request failed", "ref", ev.Ref, "reason", ev.Err)
	}
}

func parseKey(b64 string) (wgtypes.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("decoding key: %w", err)
	}
	return wgtypes.NewKey(raw)
}
