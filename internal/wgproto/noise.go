package wgproto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"
)

var (
	errMACMismatch      = errors.New("wgproto: mac1 mismatch")
	errDecrypt          = errors.New("wgproto: decryption failed")
	errWrongStatic      = errors.New("wgproto: initiation from unexpected static key")
	errReplayedStamp    = errors.New("wgproto: replayed handshake timestamp")
	errNoHandshake      = errors.New("wgproto: no handshake in progress")
	errWrongReceiver    = errors.New("wgproto: response for unknown handshake")
	errShortMessage     = errors.New("wgproto: message too short")
	errUnknownMessage   = errors.New("wgproto: unknown message type")
	errNoKeypair        = errors.New("wgproto: no established keypair")
	errStaleKeypair     = errors.New("wgproto: keypair past rejection threshold")
	errCounterExhausted = errors.New("wgproto: sending counter exhausted")
	errReplayedCounter  = errors.New("wgproto: replayed or out-of-window counter")
)

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func hmacSum(key, data []byte) [blake2s.Size]byte {
	mac := hmac.New(newBlake2s, key)
	mac.Write(data)
	var out [blake2s.Size]byte
	mac.Sum(out[:0])
	return out
}

// kdfN is the HKDF-like chain from the WireGuard paper built on
// HMAC-BLAKE2s.
func kdf1(key, input []byte) [blake2s.Size]byte {
	t0 := hmacSum(key, input)
	return hmacSum(t0[:], []byte{0x1})
}

func kdf2(key, input []byte) ([blake2s.Size]byte, [blake2s.Size]byte) {
	t0 := hmacSum(key, input)
	t1 := hmacSum(t0[:], []byte{0x1})
	t2 := hmacSum(t0[:], append(t1[:], 0x2))
	return t1, t2
}

func kdf3(key, input []byte) ([blake2s.Size]byte, [blake2s.Size]byte, [blake2s.Size]byte) {
	t0 := hmacSum(key, input)
	t1 := hmacSum(t0[:], []byte{0x1})
	t2 := hmacSum(t0[:], append(t1[:], 0x2))
	t3 := hmacSum(t0[:], append(t2[:], 0x3))
	return t1, t2, t3
}

func mixHash(h *[blake2s.Size]byte, data []byte) {
	hh, _ := blake2s.New256(nil)
	hh.Write(h[:])
	hh.Write(data)
	hh.Sum(h[:0])
}

func aeadSeal(key [blake2s.Size]byte, counter uint64, plaintext, ad []byte) []byte {
	aead, _ := chacha20poly1305.New(key[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return aead.Seal(nil, nonce[:], plaintext, ad)
}

func aeadOpen(key [blake2s.Size]byte, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, _ := chacha20poly1305.New(key[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	out, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, errDecrypt
	}
	return out, nil
}

func dh(privateKey, publicKey [keySize]byte) ([keySize]byte, error) {
	var out [keySize]byte
	shared, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

func newEphemeralKey() ([keySize]byte, [keySize]byte, error) {
	var private [keySize]byte
	if _, err := rand.Read(private[:]); err != nil {
		return private, private, err
	}
	private[0] &= 248
	private[31] = (private[31] & 127) | 64

	var public [keySize]byte
	curve25519.ScalarBaseMult(&public, &private)
	return private, public, nil
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// macKey derives the keyed-BLAKE2s key used for mac1 of messages sent TO the
// holder of publicKey.
func macKey(label string, publicKey [keySize]byte) [blake2s.Size]byte {
	hh, _ := blake2s.New256(nil)
	hh.Write([]byte(label))
	hh.Write(publicKey[:])
	var out [blake2s.Size]byte
	hh.Sum(out[:0])
	return out
}

// appendMACs writes mac1 over msg[:len(msg)-2*macSize] into the mac1 slot
// and leaves mac2 zeroed (we never carry cookies; see package doc).
func appendMACs(msg []byte, receiverPublic [keySize]byte) {
	key := macKey(labelMAC1, receiverPublic)
	mac, _ := blake2s.New128(key[:16])
	macOffset := len(msg) - 2*macSize
	mac.Write(msg[:macOffset])
	mac.Sum(msg[macOffset:macOffset])
}

func verifyMAC1(msg []byte, ourPublic [keySize]byte) bool {
	key := macKey(labelMAC1, ourPublic)
	mac, _ := blake2s.New128(key[:16])
	macOffset := len(msg) - 2*macSize
	mac.Write(msg[:macOffset])
	var expected [macSize]byte
	mac.Sum(expected[:0])
	return subtle.ConstantTimeCompare(expected[:], msg[macOffset:macOffset+macSize]) == 1
}

// handshake holds the in-progress Noise-IK state of one exchange.
type handshake struct {
	chainKey       [blake2s.Size]byte
	hash           [blake2s.Size]byte
	localEphemeral [keySize]byte
	localIndex     uint32
	remoteIndex    uint32
	initiated      bool
}

// createInitiation builds a type-1 handshake initiation message.
func (s *Session) createInitiation() ([]byte, error) {
	hs := &handshake{chainKey: initialChainKey, hash: initialHash}
	mixHash(&hs.hash, s.remoteStatic[:])

	ephemeralPrivate, ephemeralPublic, err := newEphemeralKey()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = ephemeralPrivate

	hs.localIndex, err = randUint32()
	if err != nil {
		return nil, err
	}

	msg := make([]byte, messageInitiationSize)
	binary.LittleEndian.PutUint32(msg[0:4], messageInitiationType)
	binary.LittleEndian.PutUint32(msg[4:8], hs.localIndex)
	copy(msg[8:40], ephemeralPublic[:])

	hs.chainKey = kdf1(hs.chainKey[:], ephemeralPublic[:])
	mixHash(&hs.hash, ephemeralPublic[:])

	ss, err := dh(ephemeralPrivate, s.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [blake2s.Size]byte
	hs.chainKey, key = kdf2(hs.chainKey[:], ss[:])

	encryptedStatic := aeadSeal(key, 0, s.localPublic[:], hs.hash[:])
	copy(msg[40:88], encryptedStatic)
	mixHash(&hs.hash, encryptedStatic)

	ssStatic, err := dh(s.localStatic, s.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.chainKey, key = kdf2(hs.chainKey[:], ssStatic[:])

	now := tai64n.Now()
	encryptedTimestamp := aeadSeal(key, 0, now[:], hs.hash[:])
	copy(msg[88:116], encryptedTimestamp)
	mixHash(&hs.hash, encryptedTimestamp)

	appendMACs(msg, s.remoteStatic)

	hs.initiated = true
	s.handshake = hs

	return msg, nil
}

// consumeInitiation processes a type-1 message and builds the type-2
// response, installing the responder keypair.
func (s *Session) consumeInitiation(msg []byte) ([]byte, error) {
	if len(msg) != messageInitiationSize {
		return nil, errShortMessage
	}
	if !verifyMAC1(msg, s.localPublic) {
		return nil, errMACMismatch
	}

	hs := &handshake{chainKey: initialChainKey, hash: initialHash}
	mixHash(&hs.hash, s.localPublic[:])

	var remoteEphemeral [keySize]byte
	copy(remoteEphemeral[:], msg[8:40])
	senderIndex := binary.LittleEndian.Uint32(msg[4:8])

	hs.chainKey = kdf1(hs.chainKey[:], remoteEphemeral[:])
	mixHash(&hs.hash, remoteEphemeral[:])

	ss, err := dh(s.localStatic, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	var key [blake2s.Size]byte
	hs.chainKey, key = kdf2(hs.chainKey[:], ss[:])

	staticDecrypted, err := aeadOpen(key, 0, msg[40:88], hs.hash[:])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(staticDecrypted, s.remoteStatic[:]) != 1 {
		return nil, errWrongStatic
	}
	mixHash(&hs.hash, msg[40:88])

	ssStatic, err := dh(s.localStatic, s.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.chainKey, key = kdf2(hs.chainKey[:], ssStatic[:])

	timestampPlain, err := aeadOpen(key, 0, msg[88:116], hs.hash[:])
	if err != nil {
		return nil, err
	}
	var timestamp tai64n.Timestamp
	copy(timestamp[:], timestampPlain)
	if s.lastInitiationStamp.After(timestamp) || s.lastInitiationStamp == timestamp {
		return nil, errReplayedStamp
	}
	s.lastInitiationStamp = timestamp
	mixHash(&hs.hash, msg[88:116])

	hs.remoteIndex = senderIndex

	// Build the response.
	ephemeralPrivate, ephemeralPublic, err := newEphemeralKey()
	if err != nil {
		return nil, err
	}
	hs.localIndex, err = randUint32()
	if err != nil {
		return nil, err
	}

	resp := make([]byte, messageResponseSize)
	binary.LittleEndian.PutUint32(resp[0:4], messageResponseType)
	binary.LittleEndian.PutUint32(resp[4:8], hs.localIndex)
	binary.LittleEndian.PutUint32(resp[8:12], hs.remoteIndex)
	copy(resp[12:44], ephemeralPublic[:])

	hs.chainKey = kdf1(hs.chainKey[:], ephemeralPublic[:])
	mixHash(&hs.hash, ephemeralPublic[:])

	ee, err := dh(ephemeralPrivate, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	hs.chainKey = kdf1(hs.chainKey[:], ee[:])

	se, err := dh(ephemeralPrivate, s.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.chainKey = kdf1(hs.chainKey[:], se[:])

	var tau [blake2s.Size]byte
	hs.chainKey, tau, key = kdf3(hs.chainKey[:], s.presharedKey[:])
	mixHash(&hs.hash, tau[:])

	encryptedEmpty := aeadSeal(key, 0, nil, hs.hash[:])
	copy(resp[44:60], encryptedEmpty)
	mixHash(&hs.hash, encryptedEmpty)

	appendMACs(resp, s.remoteStatic)

	// Responder derives receive-first.
	recvKey, sendKey := kdf2(hs.chainKey[:], nil)
	s.installKeypair(sendKey, recvKey, hs.localIndex, hs.remoteIndex, false)
	s.handshake = nil

	return resp, nil
}

// consumeResponse processes a type-2 message, completing an exchange we
// initiated, and installs the initiator keypair.
func (s *Session) consumeResponse(msg []byte) error {
	if len(msg) != messageResponseSize {
		return errShortMessage
	}
	hs := s.handshake
	if hs == nil || !hs.initiated {
		return errNoHandshake
	}
	if binary.LittleEndian.Uint32(msg[8:12]) != hs.localIndex {
		return errWrongReceiver
	}
	if !verifyMAC1(msg, s.localPublic) {
		return errMACMismatch
	}

	var remoteEphemeral [keySize]byte
	copy(remoteEphemeral[:], msg[12:44])

	chainKey := kdf1(hs.chainKey[:], remoteEphemeral[:])
	hash := hs.hash
	mixHash(&hash, remoteEphemeral[:])

	ee, err := dh(hs.localEphemeral, remoteEphemeral)
	if err != nil {
		return err
	}
	chainKey = kdf1(chainKey[:], ee[:])

	se, err := dh(s.localStatic, remoteEphemeral)
	if err != nil {
		return err
	}
	chainKey = kdf1(chainKey[:], se[:])

	var tau, key [blake2s.Size]byte
	chainKey, tau, key = kdf3(chainKey[:], s.presharedKey[:])
	mixHash(&hash, tau[:])

	if _, err := aeadOpen(key, 0, msg[44:60], hash[:]); err != nil {
		return err
	}

	sendKey, recvKey := kdf2(chainKey[:], nil)
	s.installKeypair(sendKey, recvKey, hs.localIndex, binary.LittleEndian.Uint32(msg[4:8]), true)
	s.handshake = nil

	return nil
}
