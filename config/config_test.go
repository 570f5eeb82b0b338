package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetworkConfigForEnv(t *testing.T) {
	for _, env := range []string{EnvProd, EnvStaging, EnvDev} {
		cfg, err := NetworkConfigForEnv(env)
		require.NoError(t, err, env)
		require.NotEmpty(t, cfg.PortalURL, env)
		require.NotEmpty(t, cfg.Realm, env)
	}

	_, err := NetworkConfigForEnv("moon")
	require.Error(t, err)
}
