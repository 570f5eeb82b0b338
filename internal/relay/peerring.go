package relay

import "net/netip"

// peerRing is a bounded FIFO of peers waiting for a channel binding. On
// overflow the oldest entry is dropped; channel bindings are idempotent and
// will be retried, so losing one is harmless.
type peerRing struct {
	buf []netip.AddrPort
	cap int
}

func newPeerRing(capacity int) *peerRing {
	return &peerRing{cap: capacity}
}

func (r *peerRing) push(peer netip.AddrPort) {
	if len(r.buf) == r.cap {
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, peer)
}

func (r *peerRing) pop() (netip.AddrPort, bool) {
	if len(r.buf) == 0 {
		return netip.AddrPort{}, false
	}
	peer := r.buf[0]
	r.buf = r.buf[1:]
	return peer, true
}

func (r *peerRing) contains(peer netip.AddrPort) bool {
	for _, p := range r.buf {
		if p == peer {
			return true
		}
	}
	return false
}

func (r *peerRing) clear() {
	r.buf = r.buf[:0]
}
