package relay

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	peer1 = netip.MustParseAddrPort("127.0.0.1:10000")
	peer2 = netip.MustParseAddrPort("127.0.0.1:20000")
)

func newTestBindings() *channelBindings {
	return newChannelBindings(slog.Default())
}

func TestReturnsFirstAvailableChannel(t *testing.T) {
	c := newTestBindings()
	now := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, now)
	require.True(t, ok)
	require.Equal(t, firstChannel, number)
}

func TestRecyclesChannelsNotInUse(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	// Bind every channel number.
	for i := 0; i <= int(lastChannel-firstChannel); i++ {
		peer := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(i+1))
		number, ok := c.newChannelToPeer(peer, start)
		require.True(t, ok)
		require.True(t, c.setConfirmed(number, start))
	}

	_, ok := c.newChannelToPeer(peer1, start)
	require.False(t, ok, "no channel should be available while all are live")

	// After lifetime + cooldown, idle channels may be rebound.
	later := start.Add(channelLifetime + channelRebindTimeout)
	number, ok := c.newChannelToPeer(peer1, later)
	require.True(t, ok)
	require.Equal(t, firstChannel, number)
}

func TestUsesUnusedChannelsBeforeReusingExpired(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	// Even once the first channel is rebind-eligible, a fresh number is
	// preferred because the scan starts at nextChannel.
	later := start.Add(channelLifetime + channelRebindTimeout + time.Second)
	second, ok := c.newChannelToPeer(peer2, later)
	require.True(t, ok)
	require.Equal(t, firstChannel+1, second)
}

func TestOldestRebindEligibleSlotWinsAfterWrap(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	// Fill the whole space with confirmed, idle channels.
	for i := 0; i <= int(lastChannel-firstChannel); i++ {
		peer := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(i+1))
		number, ok := c.newChannelToPeer(peer, start)
		require.True(t, ok)
		require.True(t, c.setConfirmed(number, start))
	}

	// Re-confirm the last channel much later; it alone is not rebindable.
	later := start.Add(channelLifetime + channelRebindTimeout + time.Second)
	require.True(t, c.setConfirmed(lastChannel, later))

	number, ok := c.newChannelToPeer(netip.MustParseAddrPort("127.0.0.1:65000"), later)
	require.True(t, ok)
	require.Equal(t, firstChannel, number, "oldest rebind-eligible slot must be reused, not the freshly confirmed one")
}

func TestBoundChannelCanDecodeData(t *testing.T) {
	c := newTestBindings()
	now := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, now)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, now))

	packet := encodeChannelData(number, []byte("hello"))
	peer, payload, ok := c.tryDecode(packet, now)
	require.True(t, ok)
	require.Equal(t, peer1, peer)
	require.Equal(t, []byte("hello"), payload)
}

func TestUnconfirmedChannelDropsData(t *testing.T) {
	c := newTestBindings()
	now := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, now)
	require.True(t, ok)

	_, _, ok = c.tryDecode(encodeChannelData(number, []byte("hello")), now)
	require.False(t, ok)
}

func TestChannelWithActivityIsRefreshed(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	_, _, ok = c.tryDecode(encodeChannelData(number, []byte("data")), start.Add(time.Minute))
	require.True(t, ok)

	due := c.channelsToRefresh(start.Add(6*time.Minute), func(uint16) bool { return false })
	require.Len(t, due, 1)
	require.Equal(t, number, due[0].number)
	require.Equal(t, peer1, due[0].peer)
}

func TestChannelWithoutActivityIsNotRefreshed(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	due := c.channelsToRefresh(start.Add(6*time.Minute), func(uint16) bool { return false })
	require.Empty(t, due)
}

func TestYoungChannelIsNotRefreshed(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	_, _, ok = c.tryDecode(encodeChannelData(number, []byte("data")), start.Add(time.Minute))
	require.True(t, ok)

	due := c.channelsToRefresh(start.Add(4*time.Minute), func(uint16) bool { return false })
	require.Empty(t, due)
}

func TestInflightChannelIsNotRefreshedAgain(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	_, _, ok = c.tryDecode(encodeChannelData(number, []byte("data")), start.Add(time.Minute))
	require.True(t, ok)

	due := c.channelsToRefresh(start.Add(6*time.Minute), func(n uint16) bool { return n == number })
	require.Empty(t, due)
}

func TestWhenInCooldownReusesSameChannelForPeer(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	// Past the lifetime but within the rebind cooldown: the same number is
	// handed back for the same peer instead of claiming a new slot.
	inCooldown := start.Add(channelLifetime + time.Minute)
	again, ok := c.newChannelToPeer(peer1, inCooldown)
	require.True(t, ok)
	require.Equal(t, number, again)
}

func TestConnectedChannelExpiresAfterLifetime(t *testing.T) {
	c := newTestBindings()
	start := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, start)
	require.True(t, ok)
	require.True(t, c.setConfirmed(number, start))

	_, ok = c.connectedChannelToPeer(peer1, start.Add(channelLifetime-time.Second))
	require.True(t, ok)

	_, ok = c.connectedChannelToPeer(peer1, start.Add(channelLifetime))
	require.False(t, ok)
}

func TestNextChannelWrapsAround(t *testing.T) {
	c := newTestBindings()
	c.nextChannel = lastChannel
	now := time.Unix(0, 0)

	number, ok := c.newChannelToPeer(peer1, now)
	require.True(t, ok)
	require.Equal(t, lastChannel, number)
	require.Equal(t, firstChannel, c.nextChannel)
}

func TestSetConfirmedUnknownChannel(t *testing.T) {
	c := newTestBindings()
	require.False(t, c.setConfirmed(0x4123, time.Unix(0, 0)))
}

func TestChannelDataRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	packet := encodeChannelData(0x4001, payload)

	number, decoded, err := decodeChannelData(packet)
	require.NoError(t, err)
	require.Equal(t, uint16(0x4001), number)
	require.Equal(t, payload, decoded)
}

func TestChannelDataRejectsTruncated(t *testing.T) {
	_, _, err := decodeChannelData([]byte{0x40})
	require.Error(t, err)

	// Header claims more payload than the packet carries.
	packet := encodeChannelData(0x4001, []byte("data"))
	packet[3] = 0xFF
	_, _, err = decodeChannelData(packet)
	require.Error(t, err)
}
