package wgproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/replay"
	"golang.zx2c4.com/wireguard/tai64n"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// maxQueuedPackets bounds how many outbound packets wait for the handshake
// to complete. Overflow drops the oldest; upper layers retransmit.
const maxQueuedPackets = 16

// keypair is one set of transport keys derived from a completed handshake.
type keypair struct {
	sendKey     [blake2s.Size]byte
	recvKey     [blake2s.Size]byte
	localIndex  uint32
	remoteIndex uint32
	isInitiator bool
	createdAt   time.Time
	sendNonce   uint64
	replay      replay.Filter
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Logger              *slog.Logger
	LocalPrivateKey     wgtypes.Key
	RemotePublicKey     wgtypes.Key
	PresharedKey        wgtypes.Key
	PersistentKeepalive time.Duration
}

func (cfg *SessionConfig) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	var zero wgtypes.Key
	if cfg.LocalPrivateKey == zero {
		return errors.New("local private key is required")
	}
	if cfg.RemotePublicKey == zero {
		return errors.New("remote public key is required")
	}
	return nil
}

// Session is a WireGuard session toward one remote peer. It is not safe for
// concurrent use; the owning node is its sole driver.
type Session struct {
	log *slog.Logger

	localStatic  [keySize]byte
	localPublic  [keySize]byte
	remoteStatic [keySize]byte
	presharedKey [keySize]byte

	persistentKeepalive time.Duration

	handshake           *handshake
	lastInitiationStamp tai64n.Timestamp
	handshakeInitiated  time.Time

	current *keypair

	queued [][]byte

	transmits [][]byte

	lastSent     time.Time
	lastReceived time.Time
	lastNow      time.Time
}

// NewSession creates a session keyed by (local private key, remote public
// key, preshared key).
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("wgproto: invalid config: %w", err)
	}

	s := &Session{
		log:                 cfg.Logger,
		persistentKeepalive: cfg.PersistentKeepalive,
	}
	copy(s.localStatic[:], cfg.LocalPrivateKey[:])
	pub := cfg.LocalPrivateKey.PublicKey()
	copy(s.localPublic[:], pub[:])
	copy(s.remoteStatic[:], cfg.RemotePublicKey[:])
	copy(s.presharedKey[:], cfg.PresharedKey[:])

	return s, nil
}

// LocalPublicKey returns our static public key.
func (s *Session) LocalPublicKey() wgtypes.Key {
	var k wgtypes.Key
	copy(k[:], s.localPublic[:])
	return k
}

// RemotePublicKey returns the peer's static public key.
func (s *Session) RemotePublicKey() wgtypes.Key {
	var k wgtypes.Key
	copy(k[:], s.remoteStatic[:])
	return k
}

// Established reports whether transport keys are installed and usable.
func (s *Session) Established(now time.Time) bool {
	return s.usableKeypair(now) != nil
}

// Encapsulate encrypts an IP packet for the remote. If no transport keys are
// installed yet, the packet is queued, a handshake is initiated if necessary,
// and nil is returned; the caller drains PollTransmit either way.
func (s *Session) Encapsulate(packet []byte, now time.Time) ([]byte, error) {
	s.updateNow(now)

	kp := s.usableKeypair(now)
	if kp == nil {
		s.queuePacket(packet)
		if err := s.initiateHandshake(now, false); err != nil {
			return nil, err
		}
		return nil, nil
	}

	out, err := s.seal(kp, packet, now)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decapsulate processes one inbound WireGuard message. The returned slice,
// if non-nil, is a plaintext IP packet backed by buf and must not outlive
// the caller's tick. Handshake traffic produced in response is retrieved via
// PollTransmit.
func (s *Session) Decapsulate(packet []byte, buf []byte, now time.Time) ([]byte, error) {
	s.updateNow(now)

	if len(packet) < 4 {
		return nil, errShortMessage
	}

	switch binary.LittleEndian.Uint32(packet[0:4]) {
	case messageInitiationType:
		resp, err := s.consumeInitiation(packet)
		if err != nil {
			return nil, err
		}
		s.transmits = append(s.transmits, resp)
		s.lastSent = now
		s.lastReceived = now
		s.flushQueued(now)
		return nil, nil

	case messageResponseType:
		if err := s.consumeResponse(packet); err != nil {
			return nil, err
		}
		s.lastReceived = now
		s.flushQueued(now)
		return nil, nil

	case messageCookieReplyType:
		// Cookies matter for servers under load; a client session ignores
		// them and relies on the handshake retry schedule.
		return nil, nil

	case messageTransportType:
		return s.openTransport(packet, buf, now)
	}

	return nil, errUnknownMessage
}

// UpdateTimers advances the session's cooperative timers: handshake
// retries, rekeys, keepalives, and key expiry. Anything to send is queued on
// PollTransmit.
func (s *Session) UpdateTimers(now time.Time) {
	s.updateNow(now)

	// Retry an unanswered handshake.
	if s.handshake != nil && now.Sub(s.handshakeInitiated) >= rekeyTimeout {
		if err := s.initiateHandshake(now, true); err != nil {
			s.log.Debug("wgproto: handshake retry failed", "error", err)
		}
	}

	if s.current != nil {
		age := now.Sub(s.current.createdAt)

		// Drop keys that are past the rejection threshold.
		if age >= rejectAfterTime*3 {
			s.current = nil
		} else if s.current.isInitiator && age >= rekeyAfterTime && s.handshake == nil {
			if err := s.initiateHandshake(now, true); err != nil {
				s.log.Debug("wgproto: rekey failed", "error", err)
			}
		}
	}

	// Passive keepalive: answer received data so the peer knows the path is
	// alive.
	if kp := s.usableKeypair(now); kp != nil {
		needPassive := s.lastReceived.After(s.lastSent) && now.Sub(s.lastReceived) >= keepaliveTimeout
		needPersistent := s.persistentKeepalive > 0 && now.Sub(s.lastSent) >= s.persistentKeepalive

		if needPassive || needPersistent {
			keepalive, err := s.seal(kp, nil, now)
			if err != nil {
				s.log.Debug("wgproto: keepalive failed", "error", err)
				return
			}
			s.transmits = append(s.transmits, keepalive)
		}
	}
}

// PollTransmit returns the next protocol packet to put on the wire.
func (s *Session) PollTransmit() ([]byte, bool) {
	if len(s.transmits) == 0 {
		return nil, false
	}
	out := s.transmits[0]
	s.transmits = s.transmits[1:]
	return out, true
}

// PollTimeout returns the earliest instant UpdateTimers wants to run.
func (s *Session) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	var ok bool

	observe := func(t time.Time) {
		if !ok || t.Before(earliest) {
			earliest = t
			ok = true
		}
	}

	if s.handshake != nil {
		observe(s.handshakeInitiated.Add(rekeyTimeout))
	}
	if s.current != nil {
		if s.current.isInitiator {
			observe(s.current.createdAt.Add(rekeyAfterTime))
		}
		observe(s.current.createdAt.Add(rejectAfterTime * 3))
	}
	if s.persistentKeepalive > 0 && !s.lastSent.IsZero() {
		observe(s.lastSent.Add(s.persistentKeepalive))
	}
	if s.lastReceived.After(s.lastSent) {
		observe(s.lastReceived.Add(keepaliveTimeout))
	}

	return earliest, ok
}

func (s *Session) initiateHandshake(now time.Time, force bool) error {
	if s.handshake != nil && !force && now.Sub(s.handshakeInitiated) < rekeyTimeout {
		return nil
	}

	msg, err := s.createInitiation()
	if err != nil {
		return err
	}

	s.handshakeInitiated = now
	s.transmits = append(s.transmits, msg)
	s.lastSent = now
	return nil
}

func (s *Session) installKeypair(sendKey, recvKey [blake2s.Size]byte, localIndex, remoteIndex uint32, isInitiator bool) {
	s.current = &keypair{
		sendKey:     sendKey,
		recvKey:     recvKey,
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		isInitiator: isInitiator,
		createdAt:   s.lastNow,
	}
	s.log.Debug("wgproto: installed new keypair", "initiator", isInitiator)
}

func (s *Session) usableKeypair(now time.Time) *keypair {
	if s.current == nil {
		return nil
	}
	if now.Sub(s.current.createdAt) >= rejectAfterTime {
		return nil
	}
	if s.current.sendNonce >= rejectAfterMessages {
		return nil
	}
	return s.current
}

func (s *Session) seal(kp *keypair, packet []byte, now time.Time) ([]byte, error) {
	if kp.sendNonce >= rejectAfterMessages {
		return nil, errCounterExhausted
	}

	counter := kp.sendNonce
	kp.sendNonce++

	out := make([]byte, messageTransportHeaderSize+len(packet)+tagSize)
	binary.LittleEndian.PutUint32(out[0:4], messageTransportType)
	binary.LittleEndian.PutUint32(out[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(out[8:16], counter)

	aead, _ := chacha20poly1305.New(kp.sendKey[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	aead.Seal(out[messageTransportHeaderSize:messageTransportHeaderSize], nonce[:], packet, nil)

	s.lastSent = now
	return out, nil
}

func (s *Session) openTransport(packet []byte, buf []byte, now time.Time) ([]byte, error) {
	if len(packet) < messageTransportOverhead {
		return nil, errShortMessage
	}

	kp := s.current
	if kp == nil {
		return nil, errNoKeypair
	}
	if now.Sub(kp.createdAt) >= rejectAfterTime {
		return nil, errStaleKeypair
	}
	if binary.LittleEndian.Uint32(packet[4:8]) != kp.localIndex {
		return nil, errWrongReceiver
	}

	counter := binary.LittleEndian.Uint64(packet[8:16])

	aead, _ := chacha20poly1305.New(kp.recvKey[:])
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := aead.Open(buf[:0], nonce[:], packet[messageTransportHeaderSize:], nil)
	if err != nil {
		return nil, errDecrypt
	}

	// Only authenticated packets may advance the replay window.
	if !kp.replay.ValidateCounter(counter, rejectAfterMessages) {
		return nil, errReplayedCounter
	}

	s.lastReceived = now

	if len(plaintext) == 0 {
		// Keepalive.
		return nil, nil
	}

	return plaintext, nil
}

func (s *Session) queuePacket(packet []byte) {
	if len(s.queued) == maxQueuedPackets {
		s.queued = s.queued[1:]
	}
	buf := make([]byte, len(packet))
	copy(buf, packet)
	s.queued = append(s.queued, buf)
}

func (s *Session) flushQueued(now time.Time) {
	kp := s.usableKeypair(now)
	if kp == nil {
		return
	}

	for _, packet := range s.queued {
		out, err := s.seal(kp, packet, now)
		if err != nil {
			s.log.Debug("wgproto: failed to flush queued packet", "error", err)
			continue
		}
		s.transmits = append(s.transmits, out)
	}
	s.queued = nil
}

func (s *Session) updateNow(now time.Time) {
	if now.After(s.lastNow) {
		s.lastNow = now
	}
}
