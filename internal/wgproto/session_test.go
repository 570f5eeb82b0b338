package wgproto

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()

	clientKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	gatewayKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	psk, err := wgtypes.GenerateKey()
	require.NoError(t, err)

	client, err := NewSession(SessionConfig{
		Logger:          slog.Default(),
		LocalPrivateKey: clientKey,
		RemotePublicKey: gatewayKey.PublicKey(),
		PresharedKey:    psk,
	})
	require.NoError(t, err)

	gateway, err := NewSession(SessionConfig{
		Logger:          slog.Default(),
		LocalPrivateKey: gatewayKey,
		RemotePublicKey: clientKey.PublicKey(),
		PresharedKey:    psk,
	})
	require.NoError(t, err)

	return client, gateway
}

// establish drives a full handshake started by a client Encapsulate call.
// The packet queued behind the handshake is left on the client's
// PollTransmit.
func establish(t *testing.T, client, gateway *Session, now time.Time) {
	t.Helper()

	ct, err := client.Encapsulate([]byte{1, 2, 3}, now)
	require.NoError(t, err)
	require.Nil(t, ct, "no keys yet; the packet must be queued")

	initiation, ok := client.PollTransmit()
	require.True(t, ok)

	var buf [MaxPacketSize]byte
	plain, err := gateway.Decapsulate(initiation, buf[:], now)
	require.NoError(t, err)
	require.Nil(t, plain)

	response, ok := gateway.PollTransmit()
	require.True(t, ok)

	plain, err = client.Decapsulate(response, buf[:], now)
	require.NoError(t, err)
	require.Nil(t, plain)

	require.True(t, client.Established(now))
	require.True(t, gateway.Established(now))
}

func TestHandshakeAndTransport(t *testing.T) {
	now := time.Unix(0, 0)
	client, gateway := newSessionPair(t)

	establish(t, client, gateway, now)

	// The packet queued before the handshake must now flush.
	flushed, ok := client.PollTransmit()
	require.True(t, ok)

	var buf [MaxPacketSize]byte
	plain, err := gateway.Decapsulate(flushed, buf[:], now)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, plain)

	// And transport works both ways from here.
	ct, err := gateway.Encapsulate([]byte("pong"), now)
	require.NoError(t, err)
	require.NotNil(t, ct)

	plain, err = client.Decapsulate(ct, buf[:], now)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), plain)
}

func TestReplayedTransportIsRejected(t *testing.T) {
	now := time.Unix(0, 0)
	client, gateway := newSessionPair(t)
	establish(t, client, gateway, now)
	client.PollTransmit() // discard flushed packet

	ct, err := client.Encapsulate([]byte("once"), now)
	require.NoError(t, err)

	var buf [MaxPacketSize]byte
	_, err = gateway.Decapsulate(ct, buf[:], now)
	require.NoError(t, err)

	_, err = gateway.Decapsulate(ct, buf[:], now)
	require.ErrorIs(t, err, errReplayedCounter)
}

func TestKeepaliveAfterReceiving(t *testing.T) {
	now := time.Unix(0, 0)
	client, gateway := newSessionPair(t)
	establish(t, client, gateway, now)
	client.PollTransmit()

	ct, err := client.Encapsulate([]byte("data"), now)
	require.NoError(t, err)
	var buf [MaxPacketSize]byte
	received := now.Add(time.Second)
	_, err = gateway.Decapsulate(ct, buf[:], received)
	require.NoError(t, err)

	// The gateway received data and sent nothing since; after the
	// keepalive timeout it must answer with an empty transport message.
	later := received.Add(keepaliveTimeout)
	gateway.UpdateTimers(later)

	keepalive, ok := gateway.PollTransmit()
	require.True(t, ok)

	plain, err := client.Decapsulate(keepalive, buf[:], later)
	require.NoError(t, err)
	require.Nil(t, plain, "keepalives carry no payload")
}

func TestHandshakeRetries(t *testing.T) {
	now := time.Unix(0, 0)
	client, _ := newSessionPair(t)

	_, err := client.Encapsulate([]byte("data"), now)
	require.NoError(t, err)
	_, ok := client.PollTransmit()
	require.True(t, ok)

	// No response arrives; the initiation is retried after the rekey
	// timeout.
	client.UpdateTimers(now.Add(rekeyTimeout))
	retry, ok := client.PollTransmit()
	require.True(t, ok)
	require.Len(t, retry, messageInitiationSize)
}

func TestKeysExpire(t *testing.T) {
	now := time.Unix(0, 0)
	client, gateway := newSessionPair(t)
	establish(t, client, gateway, now)

	require.False(t, client.Established(now.Add(rejectAfterTime)))
}

func TestRejectsInitiationFromUnexpectedStatic(t *testing.T) {
	now := time.Unix(0, 0)

	clientKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	gatewayKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	strangerKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	// The client initiates toward the gateway, but the gateway's session is
	// pinned to a different remote static key.
	client, err := NewSession(SessionConfig{
		Logger:          slog.Default(),
		LocalPrivateKey: clientKey,
		RemotePublicKey: gatewayKey.PublicKey(),
	})
	require.NoError(t, err)

	gateway, err := NewSession(SessionConfig{
		Logger:          slog.Default(),
		LocalPrivateKey: gatewayKey,
		RemotePublicKey: strangerKey.PublicKey(),
	})
	require.NoError(t, err)

	_, err = client.Encapsulate([]byte("data"), now)
	require.NoError(t, err)
	initiation, ok := client.PollTransmit()
	require.True(t, ok)

	var buf [MaxPacketSize]byte
	_, err = gateway.Decapsulate(initiation, buf[:], now)
	require.ErrorIs(t, err, errWrongStatic)
}
