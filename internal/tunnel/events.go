// Package tunnel composes the node with resource routing and interface
// state into the client- and gateway-side data planes consumed by the event
// loop.
package tunnel

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/internal/node"
	"github.com/cordonlabs/cordon/internal/resource"
)

// ClientEvent is a state change the event loop translates into signaling or
// integration callbacks.
type ClientEvent any

// AddedIceCandidates carries fresh local candidates for a gateway.
type AddedIceCandidates struct {
	GatewayID  uuid.UUID
	Candidates []string
}

// RemovedIceCandidates carries invalidated local candidates for a gateway.
type RemovedIceCandidates struct {
	GatewayID  uuid.UUID
	Candidates []string
}

// ConnectionIntent asks the portal where a resource lives.
type ConnectionIntent struct {
	ResourceID          uuid.UUID
	ConnectedGatewayIDs []uuid.UUID
}

// RequestAccess reuses an existing gateway connection for a resource.
type RequestAccess struct {
	ResourceID uuid.UUID
	GatewayID  uuid.UUID
}

// RequestConnection carries our offer to a new gateway.
type RequestConnection struct {
	GatewayID    uuid.UUID
	ResourceID   uuid.UUID
	Offer        node.IceParameters
	PresharedKey string
}

// ResourcesChanged reports the current resource set for the integration.
type ResourcesChanged struct {
	Resources []resource.Resource
}

// TunInterfaceUpdated reports interface configuration and routes.
type TunInterfaceUpdated struct {
	IPv4       netip.Addr
	IPv6       netip.Addr
	DNSServers []netip.Addr
	RoutesV4   []netip.Prefix
	RoutesV6   []netip.Prefix
}
