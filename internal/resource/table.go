package resource

import (
	"time"

	"net/netip"

	"github.com/google/uuid"
)

type entry struct {
	resource  Resource
	expiresAt time.Time
}

// Table is a dual index over CIDR and DNS resources with per-resource
// expiry: id ↔ prefix for CIDR resources, id ↔ domain for DNS resources.
type Table struct {
	byID     map[uuid.UUID]*entry
	byDomain map[string]uuid.UUID
	// byPrefix holds CIDR resource ids; lookups scan for the longest
	// matching prefix. Resource sets are small, a scan beats carrying a
	// radix tree.
	byPrefix map[netip.Prefix]uuid.UUID
}

// NewTable returns an empty resource table.
func NewTable() *Table {
	return &Table{
		byID:     make(map[uuid.UUID]*entry),
		byDomain: make(map[string]uuid.UUID),
		byPrefix: make(map[netip.Prefix]uuid.UUID),
	}
}

// Insert adds or replaces a resource with its expiry deadline.
func (t *Table) Insert(r Resource, expiresAt time.Time) {
	if old, ok := t.byID[r.ID]; ok {
		t.removeIndexes(old.resource)
	}

	t.byID[r.ID] = &entry{resource: r, expiresAt: expiresAt}
	switch r.Kind {
	case KindCIDR:
		t.byPrefix[r.Prefix] = r.ID
	case KindDNS:
		t.byDomain[r.Domain] = r.ID
	}
}

// GetByID returns the resource with the given id.
func (t *Table) GetByID(id uuid.UUID) (Resource, bool) {
	e, ok := t.byID[id]
	if !ok {
		return Resource{}, false
	}
	return e.resource, true
}

// GetByDomain returns the DNS resource with the given domain.
func (t *Table) GetByDomain(domain string) (Resource, bool) {
	id, ok := t.byDomain[domain]
	if !ok {
		return Resource{}, false
	}
	return t.GetByID(id)
}

// GetByIP returns the resource matching addr: a DNS resource whose canonical
// address equals addr, or the CIDR resource with the longest matching
// prefix.
func (t *Table) GetByIP(addr netip.Addr) (Resource, bool) {
	for _, id := range t.byDomain {
		e := t.byID[id]
		if e.resource.IPv4 == addr || e.resource.IPv6 == addr {
			return e.resource, true
		}
	}

	var best Resource
	bestBits := -1
	for prefix, id := range t.byPrefix {
		if prefix.Contains(addr) && prefix.Bits() > bestBits {
			best = t.byID[id].resource
			bestBits = prefix.Bits()
		}
	}
	if bestBits < 0 {
		return Resource{}, false
	}
	return best, true
}

// ExpireBefore removes every resource whose deadline is at or before now and
// returns them.
func (t *Table) ExpireBefore(now time.Time) []Resource {
	var expired []Resource
	for id, e := range t.byID {
		if e.expiresAt.After(now) {
			continue
		}
		expired = append(expired, e.resource)
		t.removeIndexes(e.resource)
		delete(t.byID, id)
	}
	return expired
}

// Remove deletes the resource with the given id.
func (t *Table) Remove(id uuid.UUID) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	t.removeIndexes(e.resource)
	delete(t.byID, id)
	return true
}

// IsEmpty reports whether the table holds no resources.
func (t *Table) IsEmpty() bool {
	return len(t.byID) == 0
}

// Len returns the number of resources.
func (t *Table) Len() int {
	return len(t.byID)
}

// Values returns all resources in the table.
func (t *Table) Values() []Resource {
	out := make([]Resource, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e.resource)
	}
	return out
}

func (t *Table) removeIndexes(r Resource) {
	switch r.Kind {
	case KindCIDR:
		delete(t.byPrefix, r.Prefix)
	case KindDNS:
		delete(t.byDomain, r.Domain)
	}
}
