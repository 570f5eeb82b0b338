package tunnel

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/cordonlabs/cordon/internal/portal"
	"github.com/cordonlabs/cordon/internal/relay"
	"github.com/cordonlabs/cordon/internal/resource"
)

// resourceFromDescription converts a portal wire description into the
// internal resource model.
func resourceFromDescription(desc portal.ResourceDescription) (resource.Resource, error) {
	switch desc.Type {
	case "cidr":
		prefix, err := netip.ParsePrefix(desc.Address)
		if err != nil {
			return resource.Resource{}, fmt.Errorf("tunnel: resource %s has bad prefix %q: %w", desc.ID, desc.Address, err)
		}
		return resource.Resource{
			ID:     desc.ID,
			Kind:   resource.KindCIDR,
			Name:   desc.Name,
			Prefix: prefix,
		}, nil
	case "dns":
		return resource.Resource{
			ID:     desc.ID,
			Kind:   resource.KindDNS,
			Name:   desc.Name,
			Domain: desc.Address,
			IPv4:   desc.IPv4,
			IPv6:   desc.IPv6,
		}, nil
	}
	return resource.Resource{}, fmt.Errorf("tunnel: resource %s has unknown type %q", desc.ID, desc.Type)
}

// routesForResources aggregates the enabled resources into minimal v4/v6
// route sets.
func routesForResources(resources []resource.Resource) ([]netip.Prefix, []netip.Prefix) {
	var v4, v6 netipx.IPSetBuilder

	for _, res := range resources {
		switch res.Kind {
		case resource.KindCIDR:
			if res.Prefix.Addr().Is4() {
				v4.AddPrefix(res.Prefix)
			} else {
				v6.AddPrefix(res.Prefix)
			}
		case resource.KindDNS:
			if res.IPv4.IsValid() {
				v4.AddPrefix(netip.PrefixFrom(res.IPv4, 32))
			}
			if res.IPv6.IsValid() {
				v6.AddPrefix(netip.PrefixFrom(res.IPv6, 128))
			}
		}
	}

	return setPrefixes(&v4), setPrefixes(&v6)
}

func setPrefixes(b *netipx.IPSetBuilder) []netip.Prefix {
	set, err := b.IPSet()
	if err != nil {
		return nil
	}
	return set.Prefixes()
}

// parseRelaySocket builds a RelaySocket from the portal's address strings.
func parseRelaySocket(addrV4, addrV6 string) (relay.RelaySocket, error) {
	var v4, v6 netip.AddrPort

	if addrV4 != "" {
		parsed, err := netip.ParseAddrPort(addrV4)
		if err != nil {
			return relay.RelaySocket{}, fmt.Errorf("tunnel: bad relay v4 address %q: %w", addrV4, err)
		}
		v4 = parsed
	}
	if addrV6 != "" {
		parsed, err := netip.ParseAddrPort(addrV6)
		if err != nil {
			return relay.RelaySocket{}, fmt.Errorf("tunnel: bad relay v6 address %q: %w", addrV6, err)
		}
		v6 = parsed
	}

	switch {
	case v4.IsValid() && v6.IsValid():
		return relay.DualSocket(v4, v6), nil
	case v4.IsValid():
		return relay.V4Socket(v4), nil
	case v6.IsValid():
		return relay.V6Socket(v6), nil
	}
	return relay.RelaySocket{}, fmt.Errorf("tunnel: relay has no addresses")
}
