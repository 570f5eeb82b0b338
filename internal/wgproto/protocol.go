// Package wgproto implements a single WireGuard peer session: the Noise-IK
// handshake, transport-data encryption, and the cooperative timer logic that
// keeps the session alive. It is a sans-IO state machine driven by an
// explicit logical clock; packets in and out travel through byte slices.
//
// The protocol constants and message layouts follow wireguard-go. Only the
// per-peer session is implemented here; routing belongs to the owning node.
// Cookies are not implemented: mac2 is always zero and cookie replies are
// ignored.
package wgproto

import (
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1         = "mac1----"
	labelCookie       = "cookie--"
)

const (
	messageInitiationType  uint32 = 1
	messageResponseType    uint32 = 2
	messageCookieReplyType uint32 = 3
	messageTransportType   uint32 = 4
)

const (
	keySize       = 32
	timestampSize = 12
	macSize       = blake2s.Size128
	tagSize       = chacha20poly1305.Overhead

	messageInitiationSize = 148
	messageResponseSize   = 92
	messageCookieSize     = 64

	messageTransportHeaderSize = 16
	messageTransportOverhead   = messageTransportHeaderSize + tagSize

	// MaxPacketSize bounds the scratch buffer a caller must supply: the
	// largest IP packet we carry plus transport overhead.
	MaxPacketSize = 65535 + messageTransportOverhead
)

const (
	rekeyAfterTime      = 120 * time.Second
	rejectAfterTime     = 180 * time.Second
	rekeyTimeout        = 5 * time.Second
	keepaliveTimeout    = 10 * time.Second
	rekeyAfterMessages  = 1 << 60
	rejectAfterMessages = (1 << 64) - (1 << 13) - 1
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	initialHash = blake2s.Sum256(append(initialChainKey[:], []byte(wgIdentifier)...))
}
