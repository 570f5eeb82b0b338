// Package config maps a named environment to its portal endpoints.
package config

import "fmt"

const (
	EnvProd    = "prod"
	EnvStaging = "staging"
	EnvDev     = "dev"
)

// NetworkConfig holds the control-plane endpoints for one environment.
type NetworkConfig struct {
	// PortalURL is the websocket endpoint of the portal.
	PortalURL string
	// Realm is the TURN long-term-credential realm used by the
	// environment's relays.
	Realm string
}

var networkConfigs = map[string]NetworkConfig{
	EnvProd: {
		PortalURL: "wss://portal.cordon.dev/client/websocket",
		Realm:     "cordon",
	},
	EnvStaging: {
		PortalURL: "wss://portal.staging.cordon.dev/client/websocket",
		Realm:     "cordon",
	},
	EnvDev: {
		PortalURL: "ws://localhost:8081/client/websocket",
		Realm:     "cordon",
	},
}

// NetworkConfigForEnv returns the endpoints for env.
func NetworkConfigForEnv(env string) (NetworkConfig, error) {
	cfg, ok := networkConfigs[env]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("config: unknown environment %q", env)
	}
	return cfg, nil
}
