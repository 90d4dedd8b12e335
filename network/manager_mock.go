package network

import (
	"net"

	"github.com/pkg/errors"
)

// MockNetworkManager is a mock NetworkManager for tests. It records attached
// endpoints by container ID instead of touching kernel state.
type MockNetworkManager struct {
	TestEndpoints map[string]*Endpoint
	AttachErr     error
	DetachErr     error
}

// NewMockNetworkManager returns a new MockNetworkManager.
func NewMockNetworkManager() *MockNetworkManager {
	return &MockNetworkManager{
		TestEndpoints: make(map[string]*Endpoint),
	}
}

// Attach records the endpoint.
func (nm *MockNetworkManager) Attach(epInfo *EndpointInfo) (*Endpoint, error) {
	if nm.AttachErr != nil {
		return nil, nm.AttachErr
	}

	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	ep := &Endpoint{
		HostIfName: hostVethPrefix + "mock0",
		IfName:     epInfo.IfName,
		MacAddress: mac,
		Sandbox:    epInfo.NetNsPath,
		IPAddress:  epInfo.IPAddress,
		Gateway:    epInfo.Gateway,
	}

	nm.TestEndpoints[epInfo.ContainerID] = ep

	return ep, nil
}

// Detach forgets the endpoint.
func (nm *MockNetworkManager) Detach(epInfo *EndpointInfo) error {
	if nm.DetachErr != nil {
		return nm.DetachErr
	}

	delete(nm.TestEndpoints, epInfo.ContainerID)

	return nil
}

// GetEndpointAddress returns the recorded endpoint address.
func (nm *MockNetworkManager) GetEndpointAddress(epInfo *EndpointInfo) (*net.IPNet, error) {
	ep, ok := nm.TestEndpoints[epInfo.ContainerID]
	if !ok {
		return nil, errors.Wrapf(ErrEndpointNotFound, "%s", epInfo.ContainerID)
	}

	return &ep.IPAddress, nil
}
