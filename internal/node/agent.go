package node

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/gortc/stun"
	"github.com/pion/ice/v2"
)

const udpNetwork = "udp"

const (
	// checkInterval paces connectivity checks for pairs still waiting.
	checkInterval = 50 * time.Millisecond
	// checkTimeout fails a single check attempt.
	checkTimeout = 2 * time.Second
	// keepaliveInterval keeps the selected pair's NAT binding alive.
	keepaliveInterval = 5 * time.Second
	// pairFailureThreshold gives up on a pair after this many lost checks.
	pairFailureThreshold = 5
)

type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
	pairFailed
)

// checkTransmit is a connectivity check (or response) the agent wants sent.
// Relayed is true when it must be wrapped in channel-data toward the remote.
type checkTransmit struct {
	remote  netip.AddrPort
	payload []byte
	relayed bool
}

// candidatePair is one local/remote combination under test.
type candidatePair struct {
	local    ice.Candidate
	remote   ice.Candidate
	remoteAP netip.AddrPort
	priority uint64
	relayed  bool

	state     pairState
	txID      [stun.TransactionIDSize]byte
	sentAt    time.Time
	failures  int
	lastAlive time.Time
}

// agent is a compact ICE check-list: it pairs local candidates (host,
// server-reflexive, relayed) with signaled remote candidates, probes them
// with STUN binding requests under short-term credentials, and nominates the
// first pair that succeeds, switching to a higher-priority pair whenever one
// succeeds later. pion's Agent owns sockets and goroutines; this state
// machine stays sans-IO so the node can drive it from its poll loop.
type agent struct {
	log *slog.Logger

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string
	controlling bool

	locals  []ice.Candidate
	remotes []ice.Candidate
	pairs   []*candidatePair

	selected *candidatePair

	transmits []checkTransmit

	lastCheck     time.Time
	lastKeepalive time.Time
}

func randomCredential(bytes int) string {
	buf := make([]byte, bytes)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func newAgent(log *slog.Logger, controlling bool) *agent {
	return &agent{
		log:         log,
		localUfrag:  randomCredential(4),
		localPwd:    randomCredential(12),
		controlling: controlling,
	}
}

func (a *agent) setRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

func (a *agent) addLocalCandidate(c ice.Candidate) {
	for _, existing := range a.locals {
		if existing.Equal(c) {
			return
		}
	}
	a.locals = append(a.locals, c)
	for _, remote := range a.remotes {
		a.formPair(c, remote)
	}
}

func (a *agent) removeLocalCandidate(c ice.Candidate) {
	a.locals = deleteCandidate(a.locals, c)
	a.prunePairs(func(p *candidatePair) bool { return p.local.Equal(c) })
}

func (a *agent) addRemoteCandidate(c ice.Candidate) {
	for _, existing := range a.remotes {
		if existing.Equal(c) {
			return
		}
	}
	a.remotes = append(a.remotes, c)
	for _, local := range a.locals {
		a.formPair(local, c)
	}
}

func (a *agent) removeRemoteCandidate(c ice.Candidate) {
	a.remotes = deleteCandidate(a.remotes, c)
	a.prunePairs(func(p *candidatePair) bool { return p.remote.Equal(c) })
}

func deleteCandidate(list []ice.Candidate, c ice.Candidate) []ice.Candidate {
	out := list[:0]
	for _, existing := range list {
		if !existing.Equal(c) {
			out = append(out, existing)
		}
	}
	return out
}

func (a *agent) prunePairs(drop func(*candidatePair) bool) {
	out := a.pairs[:0]
	for _, p := range a.pairs {
		if drop(p) {
			if a.selected == p {
				a.selected = nil
			}
			continue
		}
		out = append(out, p)
	}
	a.pairs = out
}

func (a *agent) formPair(local, remote ice.Candidate) {
	localAddr, err := netip.ParseAddr(local.Address())
	if err != nil {
		return
	}
	remoteAddr, err := netip.ParseAddr(remote.Address())
	if err != nil {
		return
	}
	// Only same-family pairs are viable.
	if localAddr.Is4() != remoteAddr.Is4() {
		return
	}

	a.pairs = append(a.pairs, &candidatePair{
		local:    local,
		remote:   remote,
		remoteAP: netip.AddrPortFrom(remoteAddr, uint16(remote.Port())),
		priority: pairPriority(local.Priority(), remote.Priority(), a.controlling),
		relayed:  local.Type() == ice.CandidateTypeRelay,
	})
}

// pairPriority is the RFC 8445 §6.1.2.3 formula.
func pairPriority(local, remote uint32, controlling bool) uint64 {
	g, d := uint64(remote), uint64(local)
	if controlling {
		g, d = uint64(local), uint64(remote)
	}
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return (min << 32) + (max << 1) + extra
}

// handleTimeout drives checks: launches waiting pairs, retransmits stale
// ones, and keeps the selected pair alive.
func (a *agent) handleTimeout(now time.Time) {
	if a.remotePwd == "" {
		return
	}

	for _, p := range a.pairs {
		switch p.state {
		case pairWaiting:
			if now.Sub(a.lastCheck) < checkInterval {
				continue
			}
			a.sendCheck(p, now)
		case pairInProgress:
			if now.Sub(p.sentAt) < checkTimeout {
				continue
			}
			p.failures++
			if p.failures >= pairFailureThreshold {
				p.state = pairFailed
				if a.selected == p {
					a.selected = nil
				}
				continue
			}
			a.sendCheck(p, now)
		case pairSucceeded:
			if a.selected == p && now.Sub(a.lastKeepalive) >= keepaliveInterval {
				a.sendCheck(p, now)
				a.lastKeepalive = now
			}
		}
	}
}

func (a *agent) sendCheck(p *candidatePair, now time.Time) {
	msg := stun.New()
	msg.TransactionID = stun.NewTransactionID()
	msg.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassRequest}
	msg.WriteHeader()

	username := stun.NewUsername(a.remoteUfrag + ":" + a.localUfrag)
	integrity := stun.NewShortTermIntegrity(a.remotePwd)
	for _, s := range []stun.Setter{username, integrity, stun.Fingerprint} {
		if err := s.AddTo(msg); err != nil {
			a.log.Warn("node: building connectivity check", "error", err)
			return
		}
	}

	if p.state != pairSucceeded {
		p.state = pairInProgress
	}
	p.txID = msg.TransactionID
	p.sentAt = now
	a.lastCheck = now

	a.transmits = append(a.transmits, checkTransmit{
		remote:  p.remoteAP,
		payload: msg.Raw,
		relayed: p.relayed,
	})
}

// handleInput processes a STUN packet attributed to this agent. relayed
// records whether it arrived through our relayed candidate. It returns true
// iff the packet was consumed.
func (a *agent) handleInput(from netip.AddrPort, packet []byte, relayed bool, now time.Time) bool {
	if !stun.IsMessage(packet) {
		return false
	}

	msg := &stun.Message{Raw: packet}
	if err := msg.Decode(); err != nil {
		return false
	}

	switch msg.Type.Class {
	case stun.ClassRequest:
		return a.handleCheckRequest(from, msg, relayed)
	case stun.ClassSuccessResponse:
		return a.handleCheckResponse(from, msg, now)
	}

	return false
}

// handleCheckRequest answers the remote's connectivity check.
func (a *agent) handleCheckRequest(from netip.AddrPort, msg *stun.Message, relayed bool) bool {
	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return false
	}
	expected := a.localUfrag + ":" + a.remoteUfrag
	if username.String() != expected {
		a.log.Debug("node: check with unexpected username", "username", username.String())
		return false
	}

	if err := stun.NewShortTermIntegrity(a.localPwd).Check(msg); err != nil {
		a.log.Debug("node: check failed integrity", "error", err)
		return true
	}

	resp := stun.New()
	resp.TransactionID = msg.TransactionID
	resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
	resp.WriteHeader()

	mapped := stun.XORMappedAddress{IP: net.IP(from.Addr().Unmap().AsSlice()), Port: int(from.Port())}
	integrity := stun.NewShortTermIntegrity(a.localPwd)
	for _, s := range []stun.Setter{&mapped, integrity, stun.Fingerprint} {
		if err := s.AddTo(resp); err != nil {
			a.log.Warn("node: building check response", "error", err)
			return true
		}
	}

	a.transmits = append(a.transmits, checkTransmit{remote: from, payload: resp.Raw, relayed: relayed})
	return true
}

// handleCheckResponse completes one of our checks and possibly nominates.
func (a *agent) handleCheckResponse(_ netip.AddrPort, msg *stun.Message, now time.Time) bool {
	for _, p := range a.pairs {
		if p.txID != msg.TransactionID {
			continue
		}

		p.state = pairSucceeded
		p.failures = 0
		p.lastAlive = now

		if a.selected == nil || p.priority > a.selected.priority {
			a.selected = p
			a.log.Debug("node: nominated candidate pair",
				"local", p.local.String(), "remote", p.remote.String(), "relayed", p.relayed)
		}
		return true
	}

	return false
}

// selectedPath returns where WireGuard traffic should go: the remote
// address and whether it must be wrapped via our relay.
func (a *agent) selectedPath() (netip.AddrPort, bool, bool) {
	if a.selected == nil {
		return netip.AddrPort{}, false, false
	}
	return a.selected.remoteAP, a.selected.relayed, true
}

// hasRemote reports whether from is one of the remote candidate addresses.
func (a *agent) hasRemote(from netip.AddrPort) bool {
	for _, p := range a.pairs {
		if p.remoteAP == from {
			return true
		}
	}
	return false
}

func (a *agent) pollTransmit() (checkTransmit, bool) {
	if len(a.transmits) == 0 {
		return checkTransmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

func (a *agent) pollTimeout() (time.Time, bool) {
	if a.remotePwd == "" {
		return time.Time{}, false
	}

	var earliest time.Time
	var ok bool
	observe := func(t time.Time) {
		if !ok || t.Before(earliest) {
			earliest = t
			ok = true
		}
	}

	for _, p := range a.pairs {
		switch p.state {
		case pairWaiting:
			observe(a.lastCheck.Add(checkInterval))
		case pairInProgress:
			observe(p.sentAt.Add(checkTimeout))
		case pairSucceeded:
			if a.selected == p {
				observe(a.lastKeepalive.Add(keepaliveInterval))
			}
		}
	}

	return earliest, ok
}
