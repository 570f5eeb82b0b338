package peer

import "net/netip"

// allowedIPs is the set of prefixes a peer may source traffic for. Peers
// hold a handful of prefixes; a linear scan keeps this free of dependencies
// and allocation.
type allowedIPs struct {
	prefixes []netip.Prefix
}

func (a *allowedIPs) insert(p netip.Prefix) {
	for _, existing := range a.prefixes {
		if existing == p {
			return
		}
	}
	a.prefixes = append(a.prefixes, p)
}

// contains reports whether addr falls inside any allowed prefix.
func (a *allowedIPs) contains(addr netip.Addr) bool {
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *allowedIPs) all() []netip.Prefix {
	out := make([]netip.Prefix, len(a.prefixes))
	copy(out, a.prefixes)
	return out
}
