// Package network implements the overlay network plugin: it wires containers
// into the node-local bridge and manages their addresses within the node's
// subnet.
package network

import (
	"net"

	cniSkel "github.com/containernetworking/cni/pkg/skel"
	cniTypes "github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/overlaynet/overlay-container-networking/cni"
	"github.com/overlaynet/overlay-container-networking/ipam"
	"github.com/overlaynet/overlay-container-networking/network"
	"github.com/overlaynet/overlay-container-networking/store"
)

const (
	// Name of the node bridge when the configuration does not set one. The
	// bridge is created by node setup, not by the plugin.
	defaultBridgeName = "cni0"
)

// netPlugin represents the overlay CNI network plugin.
type netPlugin struct {
	*cni.Plugin
	am ipam.AddressManager
	nm network.NetworkManager
}

// NewPlugin creates a new overlay network plugin.
func NewPlugin(config *cni.PluginConfig) (*netPlugin, error) {
	plugin, err := cni.NewPlugin(config.Name, config.Version)
	if err != nil {
		return nil, err
	}

	am, err := ipam.NewAddressManager()
	if err != nil {
		return nil, err
	}

	return &netPlugin{
		Plugin: plugin,
		am:     am,
	}, nil
}

// SetNetworkManager overrides the network manager, for tests.
func (plugin *netPlugin) SetNetworkManager(nm network.NetworkManager) {
	plugin.nm = nm
}

// Start initializes the base plugin, acquires the store lock and restores
// persisted IPAM state.
func (plugin *netPlugin) Start(config *cni.PluginConfig) error {
	if err := plugin.Initialize(config); err != nil {
		return errors.Wrap(err, "failed to initialize base plugin")
	}

	if plugin.nm == nil {
		plugin.nm = network.NewNetworkManager(plugin.Logger())
	}

	if err := plugin.am.Initialize(plugin.Store, plugin.Logger()); err != nil {
		plugin.Uninitialize()
		return errors.Wrap(err, "failed to initialize address manager")
	}

	plugin.Logger().Debug("Plugin started", zap.String("name", plugin.Name))

	return nil
}

// Stop releases the address manager and the store lock.
func (plugin *netPlugin) Stop() {
	plugin.am.Uninitialize()
	plugin.Uninitialize()
	plugin.Logger().Debug("Plugin stopped")
}

// configure parses and validates the invocation inputs.
func (plugin *netPlugin) configure(args *cniSkel.CmdArgs, netnsRequired bool) (*cni.NetworkConfig, *cniTypes.Error) {
	nwCfg, err := cni.ParseNetworkConfig(args.StdinData)
	if err != nil {
		return nil, plugin.Errorf(cni.ErrInvalidConfig, "failed to parse network configuration: %v", err)
	}

	if args.ContainerID == "" {
		return nil, plugin.Errorf(cni.ErrInvalidConfig, "missing container ID")
	}
	if args.IfName == "" {
		return nil, plugin.Errorf(cni.ErrInvalidConfig, "missing container interface name")
	}
	if netnsRequired && args.Netns == "" {
		return nil, plugin.Errorf(cni.ErrInvalidConfig, "missing network namespace")
	}

	if nwCfg.Bridge == "" {
		nwCfg.Bridge = defaultBridgeName
	}

	return nwCfg, nil
}

// ipamError maps address manager failures onto the plugin error taxonomy.
func (plugin *netPlugin) ipamError(err error) *cniTypes.Error {
	switch {
	case errors.Is(err, ipam.ErrNoAvailableAddresses):
		return plugin.Error(cni.ErrPoolExhausted, err)
	case errors.Is(err, ipam.ErrInvalidSubnet):
		return plugin.Error(cni.ErrInvalidConfig, err)
	case errors.Is(err, store.ErrTimeoutLockingStore):
		return plugin.Error(cni.ErrLockTimeout, err)
	default:
		return plugin.Error(cni.ErrRuntime, err)
	}
}

//
// CNI implementation
// https://github.com/containernetworking/cni/blob/master/SPEC.md
//

// Add handles CNI ADD commands.
func (plugin *netPlugin) Add(args *cniSkel.CmdArgs) error {
	logger := plugin.Logger()
	logger.Info("ADD called",
		zap.String("containerID", args.ContainerID),
		zap.String("netns", args.Netns),
		zap.String("ifName", args.IfName))

	nwCfg, cniErr := plugin.configure(args, true)
	if cniErr != nil {
		return cniErr
	}
	logger.Debug("Parsed network config", zap.Any("netconf", nwCfg))

	address, err := plugin.am.RequestAddress(nwCfg.Subnet, args.ContainerID)
	if err != nil {
		return plugin.ipamError(err)
	}

	// From here on, a failure hands the reservation back.
	releaseOnError := func() {
		if rerr := plugin.am.ReleaseAddress(nwCfg.Subnet, address); rerr != nil {
			logger.Error("Failed to roll back address reservation", zap.Error(rerr))
		}
	}

	poolInfo, err := plugin.am.GetPoolInfo(nwCfg.Subnet)
	if err != nil {
		releaseOnError()
		return plugin.ipamError(err)
	}

	ip, ipNet, err := net.ParseCIDR(address)
	if err != nil {
		releaseOnError()
		return plugin.Errorf(cni.ErrRuntime, "failed to parse allocated address %q: %v", address, err)
	}
	ipNet.IP = ip

	epInfo := &network.EndpointInfo{
		ContainerID: args.ContainerID,
		NetNsPath:   args.Netns,
		IfName:      args.IfName,
		BridgeName:  nwCfg.Bridge,
		IPAddress:   *ipNet,
		Gateway:     poolInfo.Gateway,
	}

	ep, err := plugin.nm.Attach(epInfo)
	if err != nil {
		releaseOnError()
		return plugin.Errorf(cni.ErrInterfaceCreationFailed, "failed to attach endpoint: %v", err)
	}

	result := &types100.Result{
		CNIVersion: types100.ImplementedSpecVersion,
		Interfaces: []*types100.Interface{
			{
				Name:    ep.IfName,
				Mac:     ep.MacAddress.String(),
				Sandbox: ep.Sandbox,
			},
		},
		IPs: []*types100.IPConfig{
			{
				Address:   ep.IPAddress,
				Gateway:   ep.Gateway,
				Interface: types100.Int(0),
			},
		},
	}

	if err := plugin.PrintResult(result, nwCfg.CNIVersion); err != nil {
		if derr := plugin.nm.Detach(epInfo); derr != nil {
			logger.Error("Failed to roll back endpoint", zap.Error(derr))
		}
		releaseOnError()
		return plugin.Errorf(cni.ErrRuntime, "failed to print result: %v", err)
	}

	logger.Info("ADD succeeded",
		zap.String("address", address),
		zap.String("gateway", poolInfo.Gateway.String()),
		zap.String("hostIfName", ep.HostIfName))

	return nil
}

// Get handles CNI GET commands. The command is recognized but deliberately
// unsupported.
func (plugin *netPlugin) Get(args *cniSkel.CmdArgs) error {
	plugin.Logger().Info("GET called", zap.String("containerID", args.ContainerID))

	return plugin.Errorf(cni.ErrNotImplemented, "the GET command is not supported")
}

// Delete handles CNI DEL commands. DEL is idempotent: a missing reservation,
// interface or namespace is success.
func (plugin *netPlugin) Delete(args *cniSkel.CmdArgs) error {
	logger := plugin.Logger()
	logger.Info("DEL called",
		zap.String("containerID", args.ContainerID),
		zap.String("netns", args.Netns),
		zap.String("ifName", args.IfName))

	nwCfg, cniErr := plugin.configure(args, false)
	if cniErr != nil {
		return cniErr
	}

	address, found, err := plugin.am.LookupAddress(nwCfg.Subnet, args.ContainerID)
	if err != nil {
		return plugin.ipamError(err)
	}

	epInfo := &network.EndpointInfo{
		ContainerID: args.ContainerID,
		NetNsPath:   args.Netns,
		IfName:      args.IfName,
		BridgeName:  nwCfg.Bridge,
	}

	// Fall back to the live interface configuration for reservations made
	// before the container mapping existed.
	if !found && args.Netns != "" {
		if ipNet, gerr := plugin.nm.GetEndpointAddress(epInfo); gerr == nil {
			address = ipNet.String()
			found = true
			logger.Debug("Resolved address from live interface", zap.String("address", address))
		} else {
			logger.Info("Could not resolve address from live interface", zap.Error(gerr))
		}
	}

	if derr := plugin.nm.Detach(epInfo); derr != nil {
		logger.Info("Detach did not complete", zap.Error(derr))
	}

	if !found {
		logger.Info("No address to release", zap.String("containerID", args.ContainerID))
		return nil
	}

	if err := plugin.am.ReleaseAddress(nwCfg.Subnet, address); err != nil {
		return plugin.ipamError(err)
	}

	logger.Info("DEL succeeded", zap.String("address", address))

	return nil
}
