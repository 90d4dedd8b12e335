package cni

import (
	"encoding/json"
	"net"

	"github.com/pkg/errors"
)

// NetworkConfig represents the plugin's network configuration, supplied on
// stdin by the container runtime. Immutable once parsed.
type NetworkConfig struct {
	CNIVersion string `json:"cniVersion,omitempty"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	Bridge     string `json:"bridge,omitempty"`
	Network    string `json:"network,omitempty"`
	Subnet     string `json:"subnet,omitempty"`
}

// ParseNetworkConfig unmarshals and validates network configuration bytes.
func ParseNetworkConfig(b []byte) (*NetworkConfig, error) {
	nwCfg := NetworkConfig{}

	if err := json.Unmarshal(b, &nwCfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal network configuration")
	}

	if nwCfg.CNIVersion == "" {
		nwCfg.CNIVersion = Version
	}

	if nwCfg.Name == "" {
		return nil, errors.New("missing network name in configuration")
	}

	if nwCfg.Subnet == "" {
		return nil, errors.New("missing subnet in configuration")
	}

	subnetIP, _, err := net.ParseCIDR(nwCfg.Subnet)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid subnet %q", nwCfg.Subnet)
	}
	if subnetIP.To4() == nil {
		return nil, errors.Errorf("subnet %q is not IPv4, only IPv4 is supported", nwCfg.Subnet)
	}

	// The overlay range is informational, but when present the node subnet
	// must fall inside it.
	if nwCfg.Network != "" {
		_, overlay, err := net.ParseCIDR(nwCfg.Network)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid network %q", nwCfg.Network)
		}
		if !overlay.Contains(subnetIP) {
			return nil, errors.Errorf("subnet %s is outside network %s", nwCfg.Subnet, nwCfg.Network)
		}
	}

	return &nwCfg, nil
}

// Serialize marshals a network configuration to bytes.
func (nwCfg *NetworkConfig) Serialize() []byte {
	bytes, _ := json.Marshal(nwCfg)
	return bytes
}
