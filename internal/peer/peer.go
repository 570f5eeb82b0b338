// Package peer pairs a WireGuard session with routing policy: an allowed-IP
// table on both ends and, on the gateway side, the resource table that
// decides which inbound packet belongs to which resource and how DNS
// resource addresses translate.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cordonlabs/cordon/internal/ippacket"
	"github.com/cordonlabs/cordon/internal/resource"
	"github.com/cordonlabs/cordon/internal/wgproto"
)

var (
	// ErrControlProtocol marks impossible resource states pushed by the
	// control plane, e.g. a translation entry pointing at a CIDR resource.
	ErrControlProtocol = errors.New("peer: control protocol error")
	// ErrInvalidSource marks a packet addressed outside the range its
	// resource permits.
	ErrInvalidSource = errors.New("peer: invalid source")
	// ErrInvalidResource marks a DNS resource whose name cannot be
	// translated to a usable address.
	ErrInvalidResource = errors.New("peer: invalid resource")
)

// Config configures a Peer.
type Config struct {
	Logger              *slog.Logger
	LocalPrivateKey     wgtypes.Key
	RemotePublicKey     wgtypes.Key
	PresharedKey        wgtypes.Key
	PersistentKeepalive time.Duration
	AllowedIPs          []netip.Prefix
}

// Peer is one remote WireGuard endpoint. Inbound packets must be addressed
// inside the allowed IPs on both sides. On a client the remote is a gateway
// and no resource check applies; on a gateway the remote is a client and
// every inbound packet must also resolve to an owned resource.
type Peer struct {
	log     *slog.Logger
	session *wgproto.Session

	allowed allowedIPs

	// resources is nil on the client side.
	resources *resource.Table
	lookup    resource.LookupFunc

	// translated maps a translated destination address back to the DNS
	// resource it belongs to, so return traffic can be rewritten to the
	// resource's canonical address.
	translated map[netip.Addr]uuid.UUID
}

// New constructs a peer. resources must be non-nil for the gateway flavor
// and nil for the client flavor; lookup is only consulted on gateways.
func New(cfg Config, resources *resource.Table, lookup resource.LookupFunc) (*Peer, error) {
	session, err := wgproto.NewSession(wgproto.SessionConfig{
		Logger:              cfg.Logger,
		LocalPrivateKey:     cfg.LocalPrivateKey,
		RemotePublicKey:     cfg.RemotePublicKey,
		PresharedKey:        cfg.PresharedKey,
		PersistentKeepalive: cfg.PersistentKeepalive,
	})
	if err != nil {
		return nil, fmt.Errorf("peer: creating session: %w", err)
	}

	p := &Peer{
		log:        cfg.Logger,
		session:    session,
		resources:  resources,
		lookup:     lookup,
		translated: make(map[netip.Addr]uuid.UUID),
	}
	for _, prefix := range cfg.AllowedIPs {
		p.allowed.insert(prefix)
	}

	return p, nil
}

// AddAllowedIP installs an additional allowed prefix.
func (p *Peer) AddAllowedIP(prefix netip.Prefix) {
	p.allowed.insert(prefix)
}

// AllowedIPs returns the installed prefixes.
func (p *Peer) AllowedIPs() []netip.Prefix {
	return p.allowed.all()
}

// Established reports whether the underlying session has usable keys.
func (p *Peer) Established(now time.Time) bool {
	return p.session.Established(now)
}

// UpdateTimers runs the session's cooperative tick and returns any protocol
// packets (handshakes, keepalives) that must go on the wire.
func (p *Peer) UpdateTimers(now time.Time) [][]byte {
	p.session.UpdateTimers(now)
	return p.drainSession()
}

// PollTimeout returns the next instant UpdateTimers should run.
func (p *Peer) PollTimeout() (time.Time, bool) {
	return p.session.PollTimeout()
}

// Encapsulate encrypts an outbound IP packet for this peer. On the gateway,
// packets sourced from a translated DNS address are rewritten to the
// resource's canonical address first. A nil ciphertext with nil error means
// the packet was queued behind a pending handshake; drain PollTransmit.
func (p *Peer) Encapsulate(pkt ippacket.Packet, now time.Time) ([]byte, error) {
	if id, ok := p.translated[pkt.Src()]; ok {
		res, found := p.resourceByID(id)
		if !found || res.Kind != resource.KindDNS {
			p.log.Error("peer: only dns resources should have a translated address", "resource", id)
			return nil, ErrControlProtocol
		}

		canonical, ok := res.CanonicalAddr(pkt.Src())
		if !ok {
			return nil, ErrInvalidResource
		}
		if err := pkt.SetSrc(canonical); err != nil {
			return nil, fmt.Errorf("peer: rewriting source: %w", err)
		}
	}

	return p.session.Encapsulate(pkt.Bytes(), now)
}

// Decapsulate decrypts one inbound WireGuard message. ok is true iff a
// plaintext IP packet destined for the TUN device was produced; protocol
// responses (handshakes, keepalives) surface via PollTransmit. The returned
// packet borrows buf and must not outlive the caller's tick.
func (p *Peer) Decapsulate(ct []byte, buf []byte, now time.Time) (ippacket.Packet, bool, error) {
	plaintext, err := p.session.Decapsulate(ct, buf, now)
	if err != nil {
		return ippacket.Packet{}, false, fmt.Errorf("peer: decapsulating: %w", err)
	}
	if plaintext == nil {
		return ippacket.Packet{}, false, nil
	}

	pkt, err := ippacket.Parse(plaintext)
	if err != nil {
		return ippacket.Packet{}, false, err
	}

	dst := pkt.Dst()
	if !p.allowed.contains(dst) {
		p.log.Warn("peer: received packet with an unallowed destination", "dst", dst)
		return ippacket.Packet{}, false, nil
	}

	// Clients trust their gateways; no resource check applies.
	if p.resources == nil {
		return pkt, true, nil
	}

	res, ok := p.resources.GetByIP(dst)
	if !ok {
		p.log.Warn("peer: tunnel hijack attempt for a resource that isn't allowed", "dst", dst)
		return ippacket.Packet{}, false, nil
	}

	switch res.Kind {
	case resource.KindDNS:
		translatedDst, err := p.translateAddr(res, dst)
		if err != nil {
			return ippacket.Packet{}, false, err
		}
		p.translated[translatedDst] = res.ID
		if err := pkt.SetDst(translatedDst); err != nil {
			return ippacket.Packet{}, false, err
		}
	case resource.KindCIDR:
		if !res.Prefix.Contains(dst) {
			p.log.Warn("peer: tunnel hijack attempt for a range outside what is allowed", "dst", dst)
			return ippacket.Packet{}, false, ErrInvalidSource
		}
	}

	return pkt, true, nil
}

// PollTransmit returns the next protocol packet the session wants to send.
func (p *Peer) PollTransmit() ([]byte, bool) {
	return p.session.PollTransmit()
}

// AddResource installs a resource on a gateway peer.
func (p *Peer) AddResource(res resource.Resource, expiresAt time.Time) {
	if p.resources == nil {
		return
	}
	p.resources.Insert(res, expiresAt)
}

// ExpireResources drops resources past their deadline, along with any
// translated addresses pointing at them, and returns what was removed.
func (p *Peer) ExpireResources(now time.Time) []resource.Resource {
	if p.resources == nil {
		return nil
	}

	expired := p.resources.ExpireBefore(now)
	for _, res := range expired {
		for addr, id := range p.translated {
			if id == res.ID {
				delete(p.translated, addr)
			}
		}
	}
	return expired
}

// IsEmptied reports whether a gateway peer has no resources left and should
// be cleaned up by its owner.
func (p *Peer) IsEmptied() bool {
	return p.resources != nil && p.resources.IsEmpty()
}

func (p *Peer) resourceByID(id uuid.UUID) (resource.Resource, bool) {
	if p.resources == nil {
		return resource.Resource{}, false
	}
	return p.resources.GetByID(id)
}

// translateAddr resolves a DNS resource's name to an address of the same
// family as dst.
func (p *Peer) translateAddr(res resource.Resource, dst netip.Addr) (netip.Addr, error) {
	if p.lookup == nil {
		return netip.Addr{}, ErrInvalidResource
	}

	addrs, err := p.lookup(res.Domain, dst)
	if err != nil {
		p.log.Warn("peer: couldn't resolve name", "domain", res.Domain, "error", err)
		return netip.Addr{}, ErrInvalidResource
	}

	for _, addr := range addrs {
		if addr.Is4() == dst.Is4() {
			return addr, nil
		}
	}

	p.log.Warn("peer: no address of matching family", "domain", res.Domain, "dst", dst)
	return netip.Addr{}, ErrInvalidResource
}

func (p *Peer) drainSession() [][]byte {
	var out [][]byte
	for {
		pkt, ok := p.session.PollTransmit()
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

// Stats is a point-in-time snapshot of peer state.
type Stats struct {
	AllowedIPs          []netip.Prefix
	Resources           []resource.Resource
	TranslatedAddresses map[netip.Addr]uuid.UUID
}

// Stats returns a snapshot of the peer's routing state.
func (p *Peer) Stats() Stats {
	s := Stats{
		AllowedIPs:          p.allowed.all(),
		TranslatedAddresses: make(map[netip.Addr]uuid.UUID, len(p.translated)),
	}
	if p.resources != nil {
		s.Resources = p.resources.Values()
	}
	for addr, id := range p.translated {
		s.TranslatedAddresses[addr] = id
	}
	return s
}
