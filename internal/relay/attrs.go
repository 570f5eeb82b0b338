package relay

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/gortc/stun"
)

// ADDITIONAL-ADDRESS-FAMILY, RFC 8656 §18.8. Requests both an IPv4 and an
// IPv6 relayed address with a single ALLOCATE.
const attrAdditionalAddressFamily stun.AttrType = 0x8000

const (
	addressFamilyIPv4 byte = 0x01
	addressFamilyIPv6 byte = 0x02
)

// additionalAddressFamily is the ADDITIONAL-ADDRESS-FAMILY attribute.
type additionalAddressFamily byte

// additionalAddressFamilyV6 asks the relay for an IPv6 relayed address in
// addition to the default IPv4 one.
const additionalAddressFamilyV6 = additionalAddressFamily(addressFamilyIPv6)

// AddTo adds ADDITIONAL-ADDRESS-FAMILY to the message.
func (a additionalAddressFamily) AddTo(m *stun.Message) error {
	m.Add(attrAdditionalAddressFamily, []byte{byte(a), 0, 0, 0})
	return nil
}

// GetFrom decodes ADDITIONAL-ADDRESS-FAMILY from the message.
func (a *additionalAddressFamily) GetFrom(m *stun.Message) error {
	v, err := m.Get(attrAdditionalAddressFamily)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return errors.New("bad ADDITIONAL-ADDRESS-FAMILY length")
	}
	*a = additionalAddressFamily(v[0])
	return nil
}

const stunMagicCookie uint32 = 0x2112A442

// xorAddrFromValue decodes an XOR-mapped style address attribute value using
// the message's transaction id. Used to extract every XOR-RELAYED-ADDRESS
// from a dual-stack ALLOCATE response; the library getters only surface the
// first occurrence.
func xorAddrFromValue(m *stun.Message, value []byte) (netip.AddrPort, error) {
	if len(value) < 8 {
		return netip.AddrPort{}, errors.New("xor address attribute too short")
	}

	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(stunMagicCookie>>16)

	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], stunMagicCookie)

	switch family {
	case addressFamilyIPv4:
		var ip [4]byte
		for i := range ip {
			ip[i] = value[4+i] ^ cookie[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil
	case addressFamilyIPv6:
		if len(value) < 20 {
			return netip.AddrPort{}, errors.New("xor address attribute too short for IPv6")
		}
		xor := make([]byte, 16)
		copy(xor[0:4], cookie[:])
		copy(xor[4:16], m.TransactionID[:])
		var ip [16]byte
		for i := range ip {
			ip[i] = value[4+i] ^ xor[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	}

	return netip.AddrPort{}, errors.New("unknown address family")
}

// xorRelayedAddresses returns every XOR-RELAYED-ADDRESS in the message.
func xorRelayedAddresses(m *stun.Message) []netip.AddrPort {
	var out []netip.AddrPort
	for _, attr := range m.Attributes {
		if attr.Type != stun.AttrXORRelayedAddress {
			continue
		}
		addr, err := xorAddrFromValue(m, attr.Value)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}
