// Package network provisions container network interfaces: veth pairs
// bridged on the host side and addressed inside the container's network
// namespace.
package network

import (
	"net"

	"github.com/pkg/errors"
)

// Errors returned by endpoint operations.
var (
	ErrBridgeNotFound    = errors.New("bridge device not found")
	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrNamespaceNotFound = errors.New("network namespace not found")
)

// EndpointInfo contains the information needed to wire a container into the
// node bridge.
type EndpointInfo struct {
	ContainerID string
	NetNsPath   string
	IfName      string
	BridgeName  string
	IPAddress   net.IPNet
	Gateway     net.IP
}

// Endpoint describes a wired container interface.
type Endpoint struct {
	HostIfName string
	IfName     string
	MacAddress net.HardwareAddr
	Sandbox    string
	IPAddress  net.IPNet
	Gateway    net.IP
}

// NetworkManager provisions and tears down container network interfaces.
type NetworkManager interface {
	Attach(epInfo *EndpointInfo) (*Endpoint, error)
	Detach(epInfo *EndpointInfo) error
	GetEndpointAddress(epInfo *EndpointInfo) (*net.IPNet, error)
}
