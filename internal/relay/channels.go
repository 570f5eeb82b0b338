package relay

import (
	"log/slog"
	"net/netip"
	"time"
)

const (
	// firstChannel is the lowest channel number, per RFC 5766.
	firstChannel uint16 = 0x4000
	// lastChannel is the highest channel number, per RFC 5766.
	lastChannel uint16 = 0x4FFF

	// channelLifetime is how long a binding lasts on the relay.
	channelLifetime = 10 * time.Minute
	// channelRebindTimeout is the additional cooldown a client must observe
	// before rebinding an expired channel number to a different peer.
	channelRebindTimeout = 5 * time.Minute
)

// channelBindings tracks which channel numbers are bound to which peers on a
// single allocation.
type channelBindings struct {
	log         *slog.Logger
	inner       map[uint16]*channel
	nextChannel uint16
}

func newChannelBindings(log *slog.Logger) *channelBindings {
	return &channelBindings{
		log:         log,
		inner:       make(map[uint16]*channel),
		nextChannel: firstChannel,
	}
}

// tryDecode parses packet as a channel-data frame and resolves the channel to
// its peer. Frames for unknown or unconfirmed channels are dropped.
func (c *channelBindings) tryDecode(packet []byte, now time.Time) (netip.AddrPort, []byte, bool) {
	number, payload, err := decodeChannelData(packet)
	if err != nil {
		c.log.Debug("relay: malformed channel data message", "error", err)
		return netip.AddrPort{}, nil, false
	}

	ch, ok := c.inner[number]
	if !ok {
		c.log.Debug("relay: unknown channel", "channel", number)
		return netip.AddrPort{}, nil, false
	}

	if !ch.bound {
		c.log.Debug("relay: dropping message, channel not yet bound", "channel", number, "peer", ch.peer)
		return netip.AddrPort{}, nil, false
	}

	ch.recordReceived(now)

	return ch.peer, payload, true
}

// newChannelToPeer returns a channel number for peer, reusing a live binding
// if one exists, otherwise claiming the next free or rebind-eligible slot.
// It returns ok=false if every slot is occupied and non-reusable.
func (c *channelBindings) newChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	if number, ok := c.boundChannelToPeer(peer, now); ok {
		return number, true
	}

	number, ok := c.nextChannelNumber(now)
	if !ok {
		return 0, false
	}

	if number == lastChannel {
		c.nextChannel = firstChannel
	} else {
		c.nextChannel = number + 1
	}

	c.inner[number] = &channel{
		peer:         peer,
		bound:        false,
		boundAt:      now,
		lastReceived: now,
	}

	return number, true
}

// nextChannelNumber cycles through all channel numbers starting at
// nextChannel and returns the first slot that is empty or rebind-eligible.
func (c *channelBindings) nextChannelNumber(now time.Time) (uint16, bool) {
	number := c.nextChannel
	for i := 0; i <= int(lastChannel-firstChannel); i++ {
		ch, occupied := c.inner[number]
		if !occupied || ch.canRebind(now) {
			return number, true
		}
		if number == lastChannel {
			number = firstChannel
		} else {
			number++
		}
	}

	return 0, false
}

// channelsToRefresh returns (number, peer) for every channel that is due for
// a refresh and not already being refreshed according to isInflight.
func (c *channelBindings) channelsToRefresh(now time.Time, isInflight func(uint16) bool) []channelRefresh {
	var due []channelRefresh
	for number, ch := range c.inner {
		if !ch.needsRefresh(now) {
			continue
		}
		if isInflight(number) {
			continue
		}
		due = append(due, channelRefresh{number: number, peer: ch.peer})
	}
	return due
}

type channelRefresh struct {
	number uint16
	peer   netip.AddrPort
}

// connectedChannelToPeer returns a confirmed, unexpired channel to peer.
func (c *channelBindings) connectedChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	for number, ch := range c.inner {
		if ch.connectedToPeer(peer, now) {
			return number, true
		}
	}
	return 0, false
}

// boundChannelToPeer is connectedChannelToPeer extended by the rebind
// cooldown; used to dedup in-flight bindings.
func (c *channelBindings) boundChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	for number, ch := range c.inner {
		if ch.boundToPeer(peer, now) {
			return number, true
		}
	}
	return 0, false
}

func (c *channelBindings) handleFailedBinding(number uint16) {
	delete(c.inner, number)
}

// setConfirmed marks the channel as bound. It returns false for unknown
// channel numbers.
func (c *channelBindings) setConfirmed(number uint16, now time.Time) bool {
	ch, ok := c.inner[number]
	if !ok {
		return false
	}

	ch.setConfirmed(now)
	c.log.Debug("relay: bound channel", "channel", number, "peer", ch.peer)

	return true
}

func (c *channelBindings) clear() {
	clear(c.inner)
}

// channel is a single binding of a channel number to a peer.
type channel struct {
	peer netip.AddrPort

	// bound is false until the relay confirms the binding.
	bound bool

	// boundAt is when the channel was created or last refreshed.
	boundAt      time.Time
	lastReceived time.Time
}

// connectedToPeer reports whether this channel is usable for sending to peer.
// Past its lifetime the relay will have de-allocated the channel.
func (ch *channel) connectedToPeer(peer netip.AddrPort, now time.Time) bool {
	return ch.peer == peer && ch.age(now) < channelLifetime && ch.bound
}

func (ch *channel) boundToPeer(peer netip.AddrPort, now time.Time) bool {
	return ch.peer == peer && ch.age(now) < channelLifetime+channelRebindTimeout && ch.bound
}

func (ch *channel) canRebind(now time.Time) bool {
	return ch.noActivity() && ch.age(now) >= channelLifetime+channelRebindTimeout
}

// needsRefresh reports whether the channel should be rebound: older than half
// its lifetime, with data received since it was bound.
func (ch *channel) needsRefresh(now time.Time) bool {
	if ch.age(now) < channelLifetime/2 {
		return false
	}
	if ch.noActivity() {
		return false
	}
	return true
}

// noActivity reports whether no data has been received since binding.
func (ch *channel) noActivity() bool {
	return ch.lastReceived.Equal(ch.boundAt)
}

func (ch *channel) age(now time.Time) time.Duration {
	return now.Sub(ch.boundAt)
}

func (ch *channel) setConfirmed(now time.Time) {
	ch.bound = true
	ch.boundAt = now
	ch.lastReceived = now
}

func (ch *channel) recordReceived(now time.Time) {
	ch.lastReceived = now
}
