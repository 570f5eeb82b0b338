// Package portal implements the persistent signaling channel to the control
// plane: a phoenix-style topic protocol over websocket with heartbeats,
// reconnection, and request/reply correlation. The event loop consumes it
// purely as a message port.
package portal

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// PhoenixTopic is the room every client joins after connecting.
const PhoenixTopic = "client"

// InterfaceConfig is the TUN interface configuration pushed by the portal.
type InterfaceConfig struct {
	IPv4        netip.Addr   `json:"ipv4"`
	IPv6        netip.Addr   `json:"ipv6"`
	UpstreamDNS []netip.Addr `json:"upstream_dns"`
}

// ResourceDescription describes one resource the client may reach.
type ResourceDescription struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Type    string    `json:"type"` // "cidr" or "dns"
	Address string    `json:"address"`
	// IPv4/IPv6 are the canonical mapped addresses of a DNS resource.
	IPv4 netip.Addr `json:"ipv4,omitzero"`
	IPv6 netip.Addr `json:"ipv6,omitzero"`
}

// RelayDescription describes one TURN relay and its credentials.
type RelayDescription struct {
	ID       uuid.UUID `json:"id"`
	AddrV4   string    `json:"addr_v4,omitempty"`
	AddrV6   string    `json:"addr_v6,omitempty"`
	Username string    `json:"username"`
	Password string    `json:"password"`
	Realm    string    `json:"realm"`
}

// GatewayIceCandidates carries candidates for (or from) a set of gateways.
type GatewayIceCandidates struct {
	GatewayID  uuid.UUID `json:"gateway_id"`
	Candidates []string  `json:"candidates"`
}

// GatewaysIceCandidates broadcasts candidates to several gateways.
type GatewaysIceCandidates struct {
	GatewayIDs []uuid.UUID `json:"gateway_ids"`
	Candidates []string    `json:"candidates"`
}

// IceParameters mirrors node.IceParameters on the wire.
type IceParameters struct {
	UsernameFragment string `json:"username_fragment"`
	Password         string `json:"password"`
}

// IngressMessage is one portal → client message.
type IngressMessage interface{ ingress() }

// InitMessage seeds interface config, resources, and relays.
type InitMessage struct {
	Interface InterfaceConfig       `json:"interface"`
	Resources []ResourceDescription `json:"resources"`
	Relays    []RelayDescription    `json:"relays"`
}

// ConfigChanged updates the interface configuration.
type ConfigChanged struct {
	Interface InterfaceConfig `json:"interface"`
}

// IceCandidates delivers remote candidates for a gateway.
type IceCandidates GatewayIceCandidates

// InvalidateIceCandidates withdraws remote candidates for a gateway.
type InvalidateIceCandidates GatewayIceCandidates

// ResourceCreatedOrUpdated upserts one resource.
type ResourceCreatedOrUpdated struct {
	Resource ResourceDescription `json:"resource"`
}

// ResourceDeleted removes one resource.
type ResourceDeleted struct {
	ID uuid.UUID `json:"id"`
}

// RelaysPresence reports relay churn.
type RelaysPresence struct {
	DisconnectedIDs []uuid.UUID        `json:"disconnected_ids"`
	Connected       []RelayDescription `json:"connected"`
}

func (InitMessage) ingress()              {}
func (ConfigChanged) ingress()            {}
func (IceCandidates) ingress()            {}
func (InvalidateIceCandidates) ingress()  {}
func (ResourceCreatedOrUpdated) ingress() {}
func (ResourceDeleted) ingress()          {}
func (RelaysPresence) ingress()           {}

// EgressMessage is one client → portal message.
type EgressMessage interface{ event() string }

// BroadcastIceCandidates sends fresh local candidates to gateways.
type BroadcastIceCandidates GatewaysIceCandidates

// BroadcastInvalidatedIceCandidates withdraws local candidates.
type BroadcastInvalidatedIceCandidates GatewaysIceCandidates

// PrepareConnection asks the portal for routing details for a resource.
type PrepareConnection struct {
	ResourceID          uuid.UUID   `json:"resource_id"`
	ConnectedGatewayIDs []uuid.UUID `json:"connected_gateway_ids"`
}

// ReuseConnection asks to reach a resource over an existing connection.
type ReuseConnection struct {
	ResourceID uuid.UUID `json:"resource_id"`
	GatewayID  uuid.UUID `json:"gateway_id"`
}

// RequestConnection carries our ICE offer and preshared key to a gateway.
type RequestConnection struct {
	GatewayID          uuid.UUID     `json:"gateway_id"`
	ResourceID         uuid.UUID     `json:"resource_id"`
	ClientPresharedKey string        `json:"client_preshared_key"`
	ClientPayload      ClientPayload `json:"client_payload"`
}

// ClientPayload is the offer half of connection setup.
type ClientPayload struct {
	IceParameters IceParameters `json:"ice_parameters"`
}

func (BroadcastIceCandidates) event() string            { return "broadcast_ice_candidates" }
func (BroadcastInvalidatedIceCandidates) event() string { return "broadcast_invalidated_ice_candidates" }
func (PrepareConnection) event() string                 { return "prepare_connection" }
func (ReuseConnection) event() string                   { return "reuse_connection" }
func (RequestConnection) event() string                 { return "request_connection" }

// Reply is one successful portal response to a request we sent.
type Reply interface{ reply() }

// ConnectionAccepted is a gateway's answer to RequestConnection.
type ConnectionAccepted struct {
	IceParameters IceParameters `json:"ice_parameters"`
	Candidates    []string      `json:"candidates"`
}

// ResourceAccepted acknowledges a ReuseConnection.
type ResourceAccepted struct {
	GatewayPublicKey string `json:"gateway_public_key"`
}

// Connect wraps a gateway's response to connection setup.
type Connect struct {
	GatewayPublicKey   string              `json:"gateway_public_key"`
	ResourceID         uuid.UUID           `json:"resource_id"`
	ConnectionAccepted *ConnectionAccepted `json:"connection_accepted,omitempty"`
	ResourceAccepted   *ResourceAccepted   `json:"resource_accepted,omitempty"`
}

// ConnectionDetails is the portal's answer to PrepareConnection.
type ConnectionDetails struct {
	ResourceID uuid.UUID `json:"resource_id"`
	GatewayID  uuid.UUID `json:"gateway_id"`
	SiteID     uuid.UUID `json:"site_id"`
}

func (Connect) reply()           {}
func (ConnectionDetails) reply() {}

// ErrorReply classifies a portal error response.
type ErrorReply int

const (
	ErrorReplyOther ErrorReply = iota
	ErrorReplyOffline
	ErrorReplyDisabled
	ErrorReplyUnmatchedTopic
	ErrorReplyInvalidVersion
	ErrorReplyNotFound
)

func (e ErrorReply) String() string {
	switch e {
	case ErrorReplyOffline:
		return "offline"
	case ErrorReplyDisabled:
		return "disabled"
	case ErrorReplyUnmatchedTopic:
		return "unmatched topic"
	case ErrorReplyInvalidVersion:
		return "invalid version"
	case ErrorReplyNotFound:
		return "not found"
	}
	return "other"
}

func errorReplyFromReason(reason string) ErrorReply {
	switch reason {
	case "offline":
		return ErrorReplyOffline
	case "disabled":
		return ErrorReplyDisabled
	case "unmatched topic":
		return ErrorReplyUnmatchedTopic
	case "invalid_version":
		return ErrorReplyInvalidVersion
	case "not_found":
		return ErrorReplyNotFound
	}
	return ErrorReplyOther
}

// envelope is the on-wire phoenix frame.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     *uint64         `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

// replyPayload is the payload of a phx_reply frame.
type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// decodeIngress maps an event name to its message type.
func decodeIngress(event string, payload json.RawMessage) (IngressMessage, error) {
	var (
		msg IngressMessage
		err error
	)

	switch event {
	case "init":
		var m InitMessage
		err = json.Unmarshal(payload, &m)
		msg = m
	case "config_changed":
		var m ConfigChanged
		err = json.Unmarshal(payload, &m)
		msg = m
	case "ice_candidates":
		var m IceCandidates
		err = json.Unmarshal(payload, &m)
		msg = m
	case "invalidate_ice_candidates":
		var m InvalidateIceCandidates
		err = json.Unmarshal(payload, &m)
		msg = m
	case "resource_created_or_updated":
		var m ResourceCreatedOrUpdated
		err = json.Unmarshal(payload, &m)
		msg = m
	case "resource_deleted":
		var m ResourceDeleted
		err = json.Unmarshal(payload, &m)
		msg = m
	case "relays_presence":
		var m RelaysPresence
		err = json.Unmarshal(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("portal: unknown event %q", event)
	}

	if err != nil {
		return nil, fmt.Errorf("portal: decoding %q: %w", event, err)
	}
	return msg, nil
}

// decodeReply maps a success response to its reply type. The portal tags
// replies with their kind.
func decodeReply(payload json.RawMessage) (Reply, error) {
	var probe struct {
		Connect           *Connect           `json:"connect"`
		ConnectionDetails *ConnectionDetails `json:"connection_details"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("portal: decoding reply: %w", err)
	}

	switch {
	case probe.Connect != nil:
		return *probe.Connect, nil
	case probe.ConnectionDetails != nil:
		return *probe.ConnectionDetails, nil
	}
	return nil, fmt.Errorf("portal: unknown reply shape")
}
