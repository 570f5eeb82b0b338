//go:build linux

// Package runtime wires the daemon together: sockets, TUN device, portal
// channel, event loop, and the netlink callbacks.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/eventloop"
	"github.com/cordonlabs/cordon/internal/portal"
	"github.com/cordonlabs/cordon/internal/relay"
	"github.com/cordonlabs/cordon/internal/resource"
	"github.com/cordonlabs/cordon/internal/routing"
	"github.com/cordonlabs/cordon/internal/tundev"
	"github.com/cordonlabs/cordon/internal/tunnel"
	"github.com/cordonlabs/cordon/internal/wgproto"
)

// Config is the daemon's runtime configuration.
type Config struct {
	Logger     *slog.Logger
	PortalURL  string
	Token      string
	PrivateKey wgtypes.Key
	TunName    string
}

// Run composes and drives the client until ctx is canceled or a component
// fails.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Logger
	sessionID := uuid.NewString()[:8]

	conn4, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("runtime: binding udp4 socket: %w", err)
	}
	defer conn4.Close()

	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{})
	if err != nil {
		log.Warn("runtime: no udp6 socket", "error", err)
	} else {
		defer conn6.Close()
	}

	tun, err := tundev.New(cfg.TunName)
	if err != nil {
		return fmt.Errorf("runtime: creating TUN device: %w", err)
	}
	defer tun.Close()

	routes := routing.NewManager(log, tun.Name())
	defer routes.Close()

	clock := clockwork.NewRealClock()
	client := tunnel.NewClient(log, cfg.PrivateKey, sessionID, clock.Now())
	client.SetLocalAddresses(localAddresses(log, conn4, conn6))

	channel, err := portal.NewChannel(portal.Config{
		Logger: log,
		URL:    cfg.PortalURL,
		Token:  cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("runtime: creating portal channel: %w", err)
	}

	commands := make(chan eventloop.Command, 16)
	outbound := make(chan []byte, 256)
	inbound := make(chan eventloop.Datagram, 256)

	loop, err := eventloop.New(eventloop.Config{
		Logger:   log,
		Tunnel:   client,
		Portal:   channel,
		Commands: commands,
		Outbound: outbound,
		Inbound:  inbound,
		SendUDP:  sender(log, conn4, conn6),
		Callbacks: &callbacks{
			log:    log,
			routes: routes,
		},
		Clock: clock,
	})
	if err != nil {
		return fmt.Errorf("runtime: creating event loop: %w", err)
	}

	commands <- eventloop.CommandSetTun{Device: tun}

	errCh := make(chan error)

	log.Info("portal: starting signaling channel")
	go func() {
		errCh <- channel.Run(ctx)
	}()

	go pumpTun(ctx, log, tun, outbound)
	go pumpUDP(ctx, log, conn4, inbound)
	if conn6 != nil {
		go pumpUDP(ctx, log, conn6, inbound)
	}

	log.Info("tunnel: starting event loop")
	go func() {
		errCh <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("teardown: cleaning up and closing")
		commands <- eventloop.CommandStop{}
		return nil
	case err := <-errCh:
		return err
	}
}

func localAddresses(log *slog.Logger, conns ...*net.UDPConn) []netip.AddrPort {
	var out []netip.AddrPort
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		local, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			continue
		}
		port := uint16(local.Port)

		addrs, err := net.InterfaceAddrs()
		if err != nil {
			log.Warn("runtime: listing interface addresses", "error", err)
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			parsed, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			parsed = parsed.Unmap()
			if parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, netip.AddrPortFrom(parsed, port))
		}
	}
	return out
}

func sender(log *slog.Logger, conn4, conn6 *net.UDPConn) func(relay.Transmit) {
	return func(t relay.Transmit) {
		conn := conn4
		if t.Dst.Addr().Is6() {
			conn = conn6
		}
		if conn == nil {
			log.Debug("runtime: no socket for destination", "dst", t.Dst)
			return
		}
		if _, err := conn.WriteToUDPAddrPort(t.Payload, t.Dst); err != nil {
			log.Debug("runtime: udp write failed", "dst", t.Dst, "error", err)
		}
	}
}

func pumpTun(ctx context.Context, log *slog.Logger, tun tundev.Device, outbound chan<- []byte) {
	buf := make([]byte, wgproto.MaxPacketSize)
	for {
		n, err := tun.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("runtime: TUN read failed", "error", err)
			}
			return
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case outbound <- packet:
		case <-ctx.Done():
			return
		}
	}
}

func pumpUDP(ctx context.Context, log *slog.Logger, conn *net.UDPConn, inbound chan<- eventloop.Datagram) {
	local, _ := conn.LocalAddr().(*net.UDPAddr)
	localAP := local.AddrPort()

	buf := make([]byte, wgproto.MaxPacketSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("runtime: udp read failed", "error", err)
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case inbound <- eventloop.Datagram{From: from.Unmap(), Local: localAP, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// callbacks applies interface and route updates via netlink and logs
// resource changes.
type callbacks struct {
	log    *slog.Logger
	routes *routing.Manager
}

func (c *callbacks) OnSetInterfaceConfig(ipv4, ipv6 netip.Addr, dns []netip.Addr) {
	if err := c.routes.SetInterfaceConfig(ipv4, ipv6); err != nil {
		c.log.Error("runtime: failed to configure interface", "error", err)
	}
	c.log.Info("runtime: interface configured", "ipv4", ipv4, "ipv6", ipv6, "dns", dns)
}

func (c *callbacks) OnUpdateRoutes(v4, v6 []netip.Prefix) {
	if err := c.routes.UpdateRoutes(v4, v6); err != nil {
		c.log.Error("runtime: failed to update routes", "error", err)
	}
}

func (c *callbacks) OnUpdateResources(resources []resource.Resource) {
	c.log.Info("runtime: resources updated", "count", len(resources))
}
