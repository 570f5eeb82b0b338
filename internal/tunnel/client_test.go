package tunnel

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/portal"
	"github.com/cordonlabs/cordon/internal/resource"
)

func newTestClient(t *testing.T, now time.Time) *Client {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return NewClient(slog.Default(), key, "test-session", now)
}

func ipPacketTo(t *testing.T, dst string) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("100.64.0.2").To4(), DstIP: net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 34000, DstPort: 443}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload([]byte("x"))))
	return buf.Bytes()
}

// drainClientEvents empties the tunnel event queue, returning everything seen.
func drainClientEvents(c *Client) []ClientEvent {
	var out []ClientEvent
	for {
		ev, ok := c.PollEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestOutboundPacketToUnknownGatewayEmitsIntent(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	resID := uuid.New()
	c.SetResources([]portal.ResourceDescription{
		{ID: resID, Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
	})
	drainClientEvents(c)

	c.HandleOutboundPacket(ipPacketTo(t, "10.0.0.7"), now)

	events := drainClientEvents(c)
	require.Len(t, events, 1)
	intent, ok := events[0].(ConnectionIntent)
	require.True(t, ok)
	require.Equal(t, resID, intent.ResourceID)
}

func TestIntentIsRateLimitedPerResource(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	resID := uuid.New()
	c.SetResources([]portal.ResourceDescription{
		{ID: resID, Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
	})
	drainClientEvents(c)

	c.HandleOutboundPacket(ipPacketTo(t, "10.0.0.7"), now)
	c.HandleOutboundPacket(ipPacketTo(t, "10.0.0.8"), now.Add(100*time.Millisecond))

	intents := 0
	for _, ev := range drainClientEvents(c) {
		if _, ok := ev.(ConnectionIntent); ok {
			intents++
		}
	}
	require.Equal(t, 1, intents, "a packet burst produces one intent")

	// After the cooldown a new intent may go out.
	c.HandleOutboundPacket(ipPacketTo(t, "10.0.0.9"), now.Add(intentCooldown+time.Second))
	require.Len(t, drainClientEvents(c), 1)
}

func TestDisabledResourceIsNotRouted(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	resID := uuid.New()
	c.SetResources([]portal.ResourceDescription{
		{ID: resID, Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
	})
	c.SetDisabledResources(map[uuid.UUID]bool{resID: true})
	drainClientEvents(c)

	c.HandleOutboundPacket(ipPacketTo(t, "10.0.0.7"), now)
	require.Empty(t, drainClientEvents(c))
}

func TestPacketOutsideResourcesIsIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	c.SetResources([]portal.ResourceDescription{
		{ID: uuid.New(), Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
	})
	drainClientEvents(c)

	c.HandleOutboundPacket(ipPacketTo(t, "8.8.8.8"), now)
	require.Empty(t, drainClientEvents(c))
}

func TestOnRoutingDetailsRequestsConnection(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	resID := uuid.New()
	gwID := uuid.New()
	c.SetResources([]portal.ResourceDescription{
		{ID: resID, Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
	})
	drainClientEvents(c)

	require.NoError(t, c.OnRoutingDetails(resID, gwID, now))

	events := drainClientEvents(c)
	var request *RequestConnection
	for _, ev := range events {
		if r, ok := ev.(RequestConnection); ok {
			request = &r
		}
	}
	require.NotNil(t, request)
	require.Equal(t, gwID, request.GatewayID)
	require.Equal(t, resID, request.ResourceID)
	require.NotEmpty(t, request.Offer.UsernameFragment)
	require.NotEmpty(t, request.Offer.Password)
	require.NotEmpty(t, request.PresharedKey)

	// A second resource behind the same gateway reuses the connection.
	res2 := uuid.New()
	c.AddResource(portal.ResourceDescription{ID: res2, Name: "other", Type: "cidr", Address: "10.1.0.0/24"})
	drainClientEvents(c)

	require.NoError(t, c.OnRoutingDetails(res2, gwID, now))
	events = drainClientEvents(c)
	require.Len(t, events, 1)
	reuse, ok := events[0].(RequestAccess)
	require.True(t, ok)
	require.Equal(t, res2, reuse.ResourceID)
	require.Equal(t, gwID, reuse.GatewayID)
}

func TestInterfaceUpdateCarriesRoutes(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestClient(t, now)

	c.UpdateInterfaceConfig(portal.InterfaceConfig{
		IPv4:        netip.MustParseAddr("100.64.0.2"),
		IPv6:        netip.MustParseAddr("fd00::2"),
		UpstreamDNS: []netip.Addr{netip.MustParseAddr("100.100.111.1")},
	})
	drainClientEvents(c)

	c.SetResources([]portal.ResourceDescription{
		{ID: uuid.New(), Name: "net", Type: "cidr", Address: "10.0.0.0/24"},
		{ID: uuid.New(), Name: "app", Type: "dns", Address: "app.internal", IPv4: netip.MustParseAddr("100.96.0.5")},
	})

	var update *TunInterfaceUpdated
	for _, ev := range drainClientEvents(c) {
		if u, ok := ev.(TunInterfaceUpdated); ok {
			update = &u
		}
	}
	require.NotNil(t, update)
	require.Equal(t, netip.MustParseAddr("100.64.0.2"), update.IPv4)
	require.Contains(t, update.RoutesV4, netip.MustParsePrefix("10.0.0.0/24"))
	require.Contains(t, update.RoutesV4, netip.MustParsePrefix("100.96.0.5/32"))
	require.Equal(t, []netip.Addr{netip.MustParseAddr("100.100.111.1")}, update.DNSServers)
}

func TestResourceFromDescription(t *testing.T) {
	res, err := resourceFromDescription(portal.ResourceDescription{
		ID: uuid.New(), Name: "net", Type: "cidr", Address: "10.0.0.0/24",
	})
	require.NoError(t, err)
	require.Equal(t, resource.KindCIDR, res.Kind)
	require.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), res.Prefix)

	_, err = resourceFromDescription(portal.ResourceDescription{
		ID: uuid.New(), Type: "cidr", Address: "not-a-prefix",
	})
	require.Error(t, err)

	_, err = resourceFromDescription(portal.ResourceDescription{
		ID: uuid.New(), Type: "bogus",
	})
	require.Error(t, err)
}

func TestParseRelaySocket(t *testing.T) {
	dual, err := parseRelaySocket("10.0.0.1:3478", "[2001:db8::1]:3478")
	require.NoError(t, err)
	v4, ok := dual.V4()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:3478"), v4)
	v6, ok := dual.V6()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:3478"), v6)

	_, err = parseRelaySocket("", "")
	require.Error(t, err)
}
