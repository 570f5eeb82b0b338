package resource

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func cidrResource(prefix string) Resource {
	return Resource{
		ID:     uuid.New(),
		Kind:   KindCIDR,
		Name:   prefix,
		Prefix: netip.MustParsePrefix(prefix),
	}
}

func dnsResource(domain, v4 string) Resource {
	return Resource{
		ID:     uuid.New(),
		Kind:   KindDNS,
		Name:   domain,
		Domain: domain,
		IPv4:   netip.MustParseAddr(v4),
	}
}

func TestLongestPrefixWins(t *testing.T) {
	table := NewTable()
	never := time.Unix(1<<40, 0)

	wide := cidrResource("10.0.0.0/8")
	narrow := cidrResource("10.1.0.0/16")
	table.Insert(wide, never)
	table.Insert(narrow, never)

	got, ok := table.GetByIP(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	require.Equal(t, narrow.ID, got.ID)

	got, ok = table.GetByIP(netip.MustParseAddr("10.2.0.1"))
	require.True(t, ok)
	require.Equal(t, wide.ID, got.ID)

	_, ok = table.GetByIP(netip.MustParseAddr("192.168.0.1"))
	require.False(t, ok)
}

func TestDNSResourceLookups(t *testing.T) {
	table := NewTable()
	never := time.Unix(1<<40, 0)

	res := dnsResource("app.internal", "100.96.0.5")
	table.Insert(res, never)

	got, ok := table.GetByDomain("app.internal")
	require.True(t, ok)
	require.Equal(t, res.ID, got.ID)

	got, ok = table.GetByIP(netip.MustParseAddr("100.96.0.5"))
	require.True(t, ok)
	require.Equal(t, res.ID, got.ID)
}

func TestExpireBefore(t *testing.T) {
	table := NewTable()
	now := time.Unix(1000, 0)

	expiring := cidrResource("10.0.0.0/24")
	staying := cidrResource("10.0.1.0/24")
	table.Insert(expiring, now.Add(time.Minute))
	table.Insert(staying, now.Add(time.Hour))

	expired := table.ExpireBefore(now.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	require.Equal(t, expiring.ID, expired[0].ID)

	_, ok := table.GetByID(expiring.ID)
	require.False(t, ok)
	_, ok = table.GetByIP(netip.MustParseAddr("10.0.0.1"))
	require.False(t, ok)

	require.False(t, table.IsEmpty())
	require.Equal(t, 1, table.Len())
}

func TestInsertReplacesIndexes(t *testing.T) {
	table := NewTable()
	never := time.Unix(1<<40, 0)

	res := cidrResource("10.0.0.0/24")
	table.Insert(res, never)

	// Same id, new range: the old prefix must no longer match.
	res.Prefix = netip.MustParsePrefix("10.9.0.0/24")
	table.Insert(res, never)

	_, ok := table.GetByIP(netip.MustParseAddr("10.0.0.1"))
	require.False(t, ok)
	got, ok := table.GetByIP(netip.MustParseAddr("10.9.0.1"))
	require.True(t, ok)
	require.Equal(t, res.ID, got.ID)
}

func TestRemove(t *testing.T) {
	table := NewTable()
	res := dnsResource("db.internal", "100.96.0.9")
	table.Insert(res, time.Unix(1<<40, 0))

	require.True(t, table.Remove(res.ID))
	require.False(t, table.Remove(res.ID))
	require.True(t, table.IsEmpty())
	_, ok := table.GetByDomain("db.internal")
	require.False(t, ok)
}
