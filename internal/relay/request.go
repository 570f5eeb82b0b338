package relay

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/gortc/stun"
	"github.com/gortc/turn"

	"github.com/cordonlabs/cordon/internal/backoff"
)

// request is the recipe for a TURN request. Keeping the recipe rather than
// the encoded message lets us rebuild it with a fresh transaction id and
// up-to-date credentials when the server demands re-authentication.
type request struct {
	method  stun.Method
	peer    netip.AddrPort // CHANNEL-BIND only
	channel uint16         // CHANNEL-BIND only
	// deleteAllocation turns a REFRESH into a delete by pinning LIFETIME to 0.
	deleteAllocation bool
}

func bindingRequest() request {
	return request{method: stun.MethodBinding}
}

func allocateRequest() request {
	return request{method: stun.MethodAllocate}
}

func refreshRequest() request {
	return request{method: stun.MethodRefresh}
}

func deleteAllocationRequest() request {
	return request{method: stun.MethodRefresh, deleteAllocation: true}
}

func channelBindRequest(peer netip.AddrPort, channel uint16) request {
	return request{method: stun.MethodChannelBind, peer: peer, channel: channel}
}

// build encodes the recipe into a STUN message with a fresh transaction id.
// creds may be nil for the unauthenticated BINDING probe; for all other
// methods it must carry our long-term credentials.
func (r request) build(software stun.Software, creds *credentials) (*stun.Message, error) {
	m := stun.New()
	m.TransactionID = stun.NewTransactionID()
	m.Type = stun.MessageType{Method: r.method, Class: stun.ClassRequest}
	m.WriteHeader()

	setters := []stun.Setter{software}

	switch r.method {
	case stun.MethodAllocate:
		setters = append(setters,
			turn.RequestedTransport{Protocol: turn.ProtoUDP},
			additionalAddressFamilyV6,
		)
	case stun.MethodRefresh:
		setters = append(setters,
			turn.RequestedTransport{Protocol: turn.ProtoUDP},
			additionalAddressFamilyV6,
		)
		if r.deleteAllocation {
			setters = append(setters, turn.Lifetime{Duration: 0})
		}
	case stun.MethodChannelBind:
		setters = append(setters,
			turn.PeerAddress{IP: net.IP(r.peer.Addr().Unmap().AsSlice()), Port: int(r.peer.Port())},
			turn.ChannelNumber(r.channel),
		)
	}

	if creds != nil {
		setters = append(setters, creds.username, creds.realm)
		if len(creds.nonce) > 0 {
			setters = append(setters, creds.nonce)
		}
		// MESSAGE-INTEGRITY is computed over the final message; it must be
		// the last attribute added.
		setters = append(setters, creds.integrity)
	}

	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return nil, fmt.Errorf("relay: building %s request: %w", r.method, err)
		}
	}

	return m, nil
}

// credentials are the long-term credentials for a relay. The nonce is
// server-issued and may rotate mid-session.
type credentials struct {
	username  stun.Username
	password  string
	realm     stun.Realm
	nonce     stun.Nonce
	integrity stun.MessageIntegrity
}

func newCredentials(username, password, realm string) *credentials {
	return &credentials{
		username:  stun.NewUsername(username),
		password:  password,
		realm:     stun.NewRealm(realm),
		integrity: stun.NewLongTermIntegrity(username, realm, password),
	}
}

// sentRequest is an outstanding request awaiting a response. Each request
// owns its backoff; several request families interleave on one allocation
// and back off independently.
type sentRequest struct {
	dst    netip.AddrPort
	msg    *stun.Message
	recipe request
	// nonced records whether the request carried a NONCE; a 401 in response
	// to a nonced request means our credentials are wrong.
	nonced  bool
	sentAt  time.Time
	timeout time.Duration
	backoff *backoff.Backoff
}
