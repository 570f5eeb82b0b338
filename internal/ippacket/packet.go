// Package ippacket provides a mutable view over a raw IP packet: address
// accessors and in-place source/destination rewriting with incremental
// checksum updates. It sits on the per-packet hot path between WireGuard
// decapsulation and the TUN device, so it parses by hand instead of going
// through a generic decoder.
package ippacket

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	// ErrBadPacket marks data that is not a well-formed IP packet.
	ErrBadPacket = errors.New("ippacket: bad packet")
)

const (
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58

	ipv4MinHeaderSize = 20
	ipv6HeaderSize    = 40
)

// Packet is a view over a raw IPv4 or IPv6 packet. The underlying buffer is
// borrowed, not owned; mutations write through.
type Packet struct {
	b []byte
}

// Parse validates buf as an IP packet and returns a view over it.
func Parse(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return Packet{}, ErrBadPacket
	}

	switch buf[0] >> 4 {
	case 4:
		if len(buf) < ipv4MinHeaderSize {
			return Packet{}, ErrBadPacket
		}
		headerLen := int(buf[0]&0x0F) * 4
		if headerLen < ipv4MinHeaderSize || len(buf) < headerLen {
			return Packet{}, ErrBadPacket
		}
		totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
		if totalLen < headerLen || totalLen > len(buf) {
			return Packet{}, ErrBadPacket
		}
		return Packet{b: buf[:totalLen]}, nil
	case 6:
		if len(buf) < ipv6HeaderSize {
			return Packet{}, ErrBadPacket
		}
		payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
		if ipv6HeaderSize+payloadLen > len(buf) {
			return Packet{}, ErrBadPacket
		}
		return Packet{b: buf[:ipv6HeaderSize+payloadLen]}, nil
	}

	return Packet{}, ErrBadPacket
}

// Bytes returns the underlying packet bytes.
func (p Packet) Bytes() []byte { return p.b }

// Len returns the packet length.
func (p Packet) Len() int { return len(p.b) }

// Version returns 4 or 6.
func (p Packet) Version() int { return int(p.b[0] >> 4) }

func (p Packet) headerLen() int {
	if p.Version() == 4 {
		return int(p.b[0]&0x0F) * 4
	}
	return ipv6HeaderSize
}

// Protocol returns the transport protocol (IPv4 protocol / IPv6 next
// header).
func (p Packet) Protocol() byte {
	if p.Version() == 4 {
		return p.b[9]
	}
	return p.b[6]
}

// Src returns the source address.
func (p Packet) Src() netip.Addr {
	if p.Version() == 4 {
		return netip.AddrFrom4([4]byte(p.b[12:16]))
	}
	return netip.AddrFrom16([16]byte(p.b[8:24]))
}

// Dst returns the destination address.
func (p Packet) Dst() netip.Addr {
	if p.Version() == 4 {
		return netip.AddrFrom4([4]byte(p.b[16:20]))
	}
	return netip.AddrFrom16([16]byte(p.b[24:40]))
}

// SetSrc rewrites the source address and fixes up the affected checksums.
// The new address must match the packet's IP version.
func (p Packet) SetSrc(addr netip.Addr) error {
	if p.Version() == 4 {
		if !addr.Is4() {
			return ErrBadPacket
		}
		return p.rewriteV4(12, addr.As4())
	}
	if !addr.Is6() || addr.Is4In6() {
		return ErrBadPacket
	}
	return p.rewriteV6(8, addr.As16())
}

// SetDst rewrites the destination address and fixes up the affected
// checksums. The new address must match the packet's IP version.
func (p Packet) SetDst(addr netip.Addr) error {
	if p.Version() == 4 {
		if !addr.Is4() {
			return ErrBadPacket
		}
		return p.rewriteV4(16, addr.As4())
	}
	if !addr.Is6() || addr.Is4In6() {
		return ErrBadPacket
	}
	return p.rewriteV6(24, addr.As16())
}

func (p Packet) rewriteV4(offset int, addr [4]byte) error {
	old := [4]byte(p.b[offset : offset+4])
	copy(p.b[offset:offset+4], addr[:])

	// The IPv4 header checksum always covers the addresses.
	updateChecksum(p.b[10:12], old[:], addr[:])

	// TCP and UDP checksums cover the pseudo-header.
	p.updateTransportChecksum(old[:], addr[:])
	return nil
}

func (p Packet) rewriteV6(offset int, addr [16]byte) error {
	old := [16]byte(p.b[offset : offset+16])
	copy(p.b[offset:offset+16], addr[:])

	p.updateTransportChecksum(old[:], addr[:])
	return nil
}

func (p Packet) updateTransportChecksum(old, repl []byte) {
	headerLen := p.headerLen()
	payload := p.b[headerLen:]

	var checksumOffset int
	switch p.Protocol() {
	case protoTCP:
		checksumOffset = 16
	case protoUDP:
		checksumOffset = 6
	case protoICMPv6:
		checksumOffset = 2
	default:
		return
	}

	if len(payload) < checksumOffset+2 {
		return
	}

	field := payload[checksumOffset : checksumOffset+2]

	// An all-zero UDP checksum means "not computed" and must stay zero.
	if p.Protocol() == protoUDP && field[0] == 0 && field[1] == 0 {
		return
	}

	updateChecksum(field, old, repl)
}

// updateChecksum applies RFC 1624 incremental checksum update to a 16-bit
// checksum field for a change of old bytes to repl bytes.
func updateChecksum(field []byte, old, repl []byte) {
	sum := uint32(^binary.BigEndian.Uint16(field))

	for i := 0; i+1 < len(old); i += 2 {
		sum += uint32(^binary.BigEndian.Uint16(old[i : i+2]))
		sum += uint32(binary.BigEndian.Uint16(repl[i : i+2]))
	}

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	binary.BigEndian.PutUint16(field, ^uint16(sum))
}
