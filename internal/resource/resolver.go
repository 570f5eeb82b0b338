package resource

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/miekg/dns"
)

const (
	resolveTimeout  = 2 * time.Second
	resolveCacheTTL = 30 * time.Second
	dnsPort         = "53"
)

// LookupFunc resolves a DNS name to addresses of the same family as want.
// The gateway's packet translation path depends on it; tests substitute a
// fixed mapping.
type LookupFunc func(domain string, want netip.Addr) ([]netip.Addr, error)

// Resolver resolves DNS resource names against the DNS servers supplied by
// the portal, memoizing answers briefly.
type Resolver struct {
	log     *slog.Logger
	client  *dns.Client
	servers []netip.Addr
	cache   *ttlcache.Cache[string, []netip.Addr]
}

// NewResolver returns a resolver with no configured servers; until
// SetServers is called, lookups fail.
func NewResolver(log *slog.Logger) *Resolver {
	return &Resolver{
		log:    log,
		client: &dns.Client{Timeout: resolveTimeout},
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []netip.Addr](resolveCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []netip.Addr](),
		),
	}
}

// SetServers replaces the upstream DNS servers and drops cached answers.
func (r *Resolver) SetServers(servers []netip.Addr) {
	r.servers = servers
	r.cache.DeleteAll()
}

// Lookup resolves domain to addresses of want's family.
func (r *Resolver) Lookup(domain string, want netip.Addr) ([]netip.Addr, error) {
	qtype := dns.TypeA
	if want.Is6() {
		qtype = dns.TypeAAAA
	}

	key := fmt.Sprintf("%s/%d", domain, qtype)
	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	if len(r.servers) == 0 {
		return nil, fmt.Errorf("resource: no DNS servers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		reply, _, err := r.client.Exchange(msg, net.JoinHostPort(server.String(), dnsPort))
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resource: lookup %s: rcode %s", domain, dns.RcodeToString[reply.Rcode])
			continue
		}

		addrs := addrsFromAnswer(reply)
		if len(addrs) == 0 {
			lastErr = fmt.Errorf("resource: lookup %s: no addresses", domain)
			continue
		}

		r.cache.Set(key, addrs, ttlcache.DefaultTTL)
		return addrs, nil
	}

	return nil, fmt.Errorf("resource: all DNS servers failed for %s: %w", domain, lastErr)
}

func addrsFromAnswer(reply *dns.Msg) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range reply.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}
