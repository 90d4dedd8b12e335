package cni

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNetworkConfig(t *testing.T) {
	nwCfg, err := ParseNetworkConfig([]byte(`{
		"cniVersion": "0.3.1",
		"name": "overlay",
		"type": "overlay-cni",
		"bridge": "cni0",
		"network": "10.244.0.0/16",
		"subnet": "10.244.1.0/24"
	}`))
	require.NoError(t, err)

	require.Equal(t, "0.3.1", nwCfg.CNIVersion)
	require.Equal(t, "overlay", nwCfg.Name)
	require.Equal(t, "overlay-cni", nwCfg.Type)
	require.Equal(t, "cni0", nwCfg.Bridge)
	require.Equal(t, "10.244.0.0/16", nwCfg.Network)
	require.Equal(t, "10.244.1.0/24", nwCfg.Subnet)
}

func TestParseNetworkConfigDefaultsCNIVersion(t *testing.T) {
	nwCfg, err := ParseNetworkConfig([]byte(`{"name": "overlay", "subnet": "10.244.1.0/24"}`))
	require.NoError(t, err)
	require.Equal(t, Version, nwCfg.CNIVersion)
}

func TestParseNetworkConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"malformed json", `{"name": `},
		{"missing name", `{"subnet": "10.244.1.0/24"}`},
		{"missing subnet", `{"name": "overlay"}`},
		{"subnet not cidr", `{"name": "overlay", "subnet": "10.244.1.0"}`},
		{"subnet not ipv4", `{"name": "overlay", "subnet": "fd00::/64"}`},
		{"invalid network", `{"name": "overlay", "network": "banana", "subnet": "10.244.1.0/24"}`},
		{"subnet outside network", `{"name": "overlay", "network": "10.244.0.0/16", "subnet": "192.168.1.0/24"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNetworkConfig([]byte(tt.input))
			require.Error(t, err)
		})
	}
}

func TestNetworkConfigSerializeRoundTrips(t *testing.T) {
	in := &NetworkConfig{
		CNIVersion: "0.3.1",
		Name:       "overlay",
		Type:       "overlay-cni",
		Subnet:     "10.244.1.0/24",
	}

	out, err := ParseNetworkConfig(in.Serialize())
	require.NoError(t, err)
	require.Equal(t, in, out)
}
