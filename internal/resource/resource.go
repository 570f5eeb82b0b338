// Package resource models the named endpoints a client may reach through a
// gateway: CIDR ranges and DNS names. The table is a bidirectional index
// with expiry; the resolver maps DNS resource names to addresses using the
// portal-provided DNS servers.
package resource

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Kind discriminates resource flavors.
type Kind int

const (
	// KindCIDR is a resource addressed by an IP range.
	KindCIDR Kind = iota
	// KindDNS is a resource addressed by a DNS name.
	KindDNS
)

// Resource is a named endpoint behind a gateway.
type Resource struct {
	ID   uuid.UUID
	Kind Kind
	// Name is the human-readable resource name.
	Name string

	// Prefix is the address range of a CIDR resource.
	Prefix netip.Prefix

	// Domain is the DNS name of a DNS resource.
	Domain string
	// IPv4/IPv6 are the canonical addresses a DNS resource is reached at
	// once its name has been translated.
	IPv4 netip.Addr
	IPv6 netip.Addr
}

func (r Resource) String() string {
	switch r.Kind {
	case KindCIDR:
		return fmt.Sprintf("%s (%s)", r.Name, r.Prefix)
	case KindDNS:
		return fmt.Sprintf("%s (%s)", r.Name, r.Domain)
	}
	return r.Name
}

// CanonicalAddr returns the resource's canonical address of the same family
// as want.
func (r Resource) CanonicalAddr(want netip.Addr) (netip.Addr, bool) {
	if want.Is4() {
		return r.IPv4, r.IPv4.IsValid()
	}
	return r.IPv6, r.IPv6.IsValid()
}
