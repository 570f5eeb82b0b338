package portal

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDecodeInit(t *testing.T) {
	payload := []byte(`{
		"interface": {"ipv4": "100.64.0.2", "ipv6": "fd00::2", "upstream_dns": ["1.1.1.1"]},
		"resources": [
			{"id": "5f4d2b0e-58ab-4f40-9c4f-99d232c1f0bd", "name": "internal net", "type": "cidr", "address": "10.0.0.0/24"},
			{"id": "9dd9a25a-5693-4ff0-9158-3ac411469ef8", "name": "app", "type": "dns", "address": "app.internal", "ipv4": "100.96.0.5"}
		],
		"relays": [
			{"id": "9e4c4a59-7f40-42c4-b57e-0c9a52c2f1a1", "addr_v4": "10.0.0.1:3478", "username": "u", "password": "p", "realm": "cordon"}
		]
	}`)

	msg, err := decodeIngress("init", payload)
	require.NoError(t, err)

	init, ok := msg.(InitMessage)
	require.True(t, ok)
	require.Equal(t, "100.64.0.2", init.Interface.IPv4.String())
	require.Len(t, init.Resources, 2)
	require.Equal(t, "cidr", init.Resources[0].Type)
	require.Equal(t, "app.internal", init.Resources[1].Address)
	require.Equal(t, "100.96.0.5", init.Resources[1].IPv4.String())
	require.Len(t, init.Relays, 1)
	require.Equal(t, "10.0.0.1:3478", init.Relays[0].AddrV4)
}

func TestDecodeRelaysPresence(t *testing.T) {
	gone := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"disconnected_ids": []uuid.UUID{gone},
		"connected":        []RelayDescription{{ID: uuid.New(), AddrV4: "10.0.0.2:3478", Username: "u", Password: "p"}},
	})
	require.NoError(t, err)

	msg, err := decodeIngress("relays_presence", payload)
	require.NoError(t, err)

	presence, ok := msg.(RelaysPresence)
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{gone}, presence.DisconnectedIDs)
	require.Len(t, presence.Connected, 1)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := decodeIngress("no_such_event", []byte(`{}`))
	require.Error(t, err)
}

func TestDecodeConnectReply(t *testing.T) {
	payload := []byte(`{
		"connect": {
			"gateway_public_key": "AAAA",
			"resource_id": "5f4d2b0e-58ab-4f40-9c4f-99d232c1f0bd",
			"connection_accepted": {
				"ice_parameters": {"username_fragment": "abcd", "password": "s3cret"},
				"candidates": ["candidate:1 1 udp 2130706431 10.0.0.5 51000 typ host"]
			}
		}
	}`)

	reply, err := decodeReply(payload)
	require.NoError(t, err)

	connect, ok := reply.(Connect)
	require.True(t, ok)
	require.NotNil(t, connect.ConnectionAccepted)
	require.Equal(t, "abcd", connect.ConnectionAccepted.IceParameters.UsernameFragment)
	require.Len(t, connect.ConnectionAccepted.Candidates, 1)
}

func TestDecodeConnectionDetailsReply(t *testing.T) {
	gateway := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"connection_details": ConnectionDetails{ResourceID: uuid.New(), GatewayID: gateway},
	})
	require.NoError(t, err)

	reply, err := decodeReply(payload)
	require.NoError(t, err)

	details, ok := reply.(ConnectionDetails)
	require.True(t, ok)
	require.Equal(t, gateway, details.GatewayID)
}

func TestErrorReplyClassification(t *testing.T) {
	cases := map[string]ErrorReply{
		"offline":         ErrorReplyOffline,
		"disabled":        ErrorReplyDisabled,
		"unmatched topic": ErrorReplyUnmatchedTopic,
		"invalid_version": ErrorReplyInvalidVersion,
		"not_found":       ErrorReplyNotFound,
		"anything else":   ErrorReplyOther,
	}
	for reason, want := range cases {
		require.Equal(t, want, errorReplyFromReason(reason), reason)
	}
}

func TestEgressEventNames(t *testing.T) {
	cases := map[string]EgressMessage{
		"broadcast_ice_candidates":             BroadcastIceCandidates{},
		"broadcast_invalidated_ice_candidates": BroadcastInvalidatedIceCandidates{},
		"prepare_connection":                   PrepareConnection{},
		"reuse_connection":                     ReuseConnection{},
		"request_connection":                   RequestConnection{},
	}
	for want, msg := range cases {
		require.Equal(t, want, msg.event())
	}
}
