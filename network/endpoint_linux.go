//go:build linux
// +build linux

package network

import (
	"fmt"
	"net"
	"os"
	"strings"

	cniNs "github.com/containernetworking/plugins/pkg/ns"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

const (
	// Prefix for host virtual network interface names.
	hostVethPrefix = "veth"

	// Attempts at creating a veth pair before giving up on name collisions.
	vethCreateAttempts = 2
)

// networkManager is the Linux implementation of NetworkManager.
type networkManager struct {
	logger *zap.Logger
}

// NewNetworkManager creates a new network manager.
func NewNetworkManager(logger *zap.Logger) NetworkManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &networkManager{logger: logger}
}

// generateHostIfName returns a random host-side interface name. The suffix is
// wide enough that a collision between concurrent invocations is a non-issue,
// and creation is retried once regardless.
func generateHostIfName() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return hostVethPrefix + suffix
}

// Attach wires the container into the node bridge: it registers the target
// namespace under a local alias, creates a veth pair, attaches the host end
// to the bridge and configures addressing and the default route on the
// container end. Resources acquired before a failure are unwound.
func (nm *networkManager) Attach(epInfo *EndpointInfo) (ep *Endpoint, err error) {
	// The bridge is created once by node setup and must already exist.
	bridge, err := netlink.LinkByName(epInfo.BridgeName)
	if err != nil {
		return nil, errors.Wrapf(ErrBridgeNotFound, "%s: %v", epInfo.BridgeName, err)
	}

	nsPath, err := registerNamespace(epInfo.ContainerID, epInfo.NetNsPath)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			if uerr := unregisterNamespace(epInfo.ContainerID); uerr != nil {
				nm.logger.Error("Failed to unregister namespace alias during unwind", zap.Error(uerr))
			}
		}
	}()

	// Create the veth pair. The container end carries a transient name until
	// it is renamed inside the target namespace.
	var hostIfName, contIfName string
	var veth *netlink.Veth

	for i := 0; ; i++ {
		hostIfName = generateHostIfName()
		contIfName = hostIfName + "-2"

		attrs := netlink.NewLinkAttrs()
		attrs.Name = hostIfName
		veth = &netlink.Veth{LinkAttrs: attrs, PeerName: contIfName}

		nm.logger.Info("Creating veth pair",
			zap.String("hostIfName", hostIfName),
			zap.String("contIfName", contIfName))

		err = netlink.LinkAdd(veth)
		if err == nil {
			break
		}
		if i+1 >= vethCreateAttempts {
			return nil, errors.Wrap(err, "failed to create veth pair")
		}
		nm.logger.Warn("Veth creation failed, retrying with a fresh name", zap.Error(err))
	}

	// On any later failure, delete the veth pair so no host-side interface
	// leaks out of a failed ADD.
	defer func() {
		if err != nil {
			if derr := netlink.LinkDel(veth); derr != nil {
				nm.logger.Error("Failed to delete veth pair during unwind", zap.Error(derr))
			}
		}
	}()

	// Host end: up, then enslave to the bridge.
	if err = netlink.LinkSetUp(veth); err != nil {
		return nil, errors.Wrapf(err, "failed to set %s up", hostIfName)
	}

	if err = netlink.LinkSetMasterByIndex(veth, bridge.Attrs().Index); err != nil {
		return nil, errors.Wrapf(err, "failed to attach %s to bridge %s", hostIfName, epInfo.BridgeName)
	}

	// Container end: move into the target namespace.
	peer, err := netlink.LinkByName(contIfName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find veth peer %s", contIfName)
	}

	nsHandle, err := netns.GetFromPath(nsPath)
	if err != nil {
		return nil, errors.Wrapf(ErrNamespaceNotFound, "%s: %v", nsPath, err)
	}
	defer nsHandle.Close()

	if err = netlink.LinkSetNsFd(peer, int(nsHandle)); err != nil {
		return nil, errors.Wrapf(err, "failed to move %s into namespace %s", contIfName, nsPath)
	}

	// Inside the namespace: rename, bring up, address, default route.
	var macAddress net.HardwareAddr

	err = cniNs.WithNetNSPath(nsPath, func(cniNs.NetNS) error {
		link, nerr := netlink.LinkByName(contIfName)
		if nerr != nil {
			return errors.Wrapf(nerr, "failed to find %s in namespace", contIfName)
		}

		// Interface needs to be down before renaming.
		if nerr := netlink.LinkSetDown(link); nerr != nil {
			return errors.Wrapf(nerr, "failed to set %s down", contIfName)
		}

		if nerr := netlink.LinkSetName(link, epInfo.IfName); nerr != nil {
			return errors.Wrapf(nerr, "failed to rename %s to %s", contIfName, epInfo.IfName)
		}

		link, nerr = netlink.LinkByName(epInfo.IfName)
		if nerr != nil {
			return errors.Wrapf(nerr, "failed to find %s in namespace", epInfo.IfName)
		}

		if nerr := netlink.LinkSetUp(link); nerr != nil {
			return errors.Wrapf(nerr, "failed to set %s up", epInfo.IfName)
		}

		addr := &netlink.Addr{IPNet: &epInfo.IPAddress}
		if nerr := netlink.AddrAdd(link, addr); nerr != nil {
			return errors.Wrapf(nerr, "failed to assign %s to %s", epInfo.IPAddress.String(), epInfo.IfName)
		}

		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        epInfo.Gateway,
		}
		if nerr := netlink.RouteAdd(route); nerr != nil {
			return errors.Wrapf(nerr, "failed to add default route via %s", epInfo.Gateway.String())
		}

		macAddress = link.Attrs().HardwareAddr

		return nil
	})
	if err != nil {
		return nil, err
	}

	nm.logger.Info("Attached endpoint",
		zap.String("hostIfName", hostIfName),
		zap.String("ifName", epInfo.IfName),
		zap.String("mac", macAddress.String()),
		zap.String("address", epInfo.IPAddress.String()))

	return &Endpoint{
		HostIfName: hostIfName,
		IfName:     epInfo.IfName,
		MacAddress: macAddress,
		Sandbox:    epInfo.NetNsPath,
		IPAddress:  epInfo.IPAddress,
		Gateway:    epInfo.Gateway,
	}, nil
}

// Detach deletes the container-side interface, which destroys both ends of
// the veth pair, and unregisters the namespace alias. A missing interface or
// namespace is success, so retried DEL commands stay idempotent.
func (nm *networkManager) Detach(epInfo *EndpointInfo) error {
	nsPath := nm.namespacePath(epInfo)

	if nsPath != "" {
		err := cniNs.WithNetNSPath(nsPath, func(cniNs.NetNS) error {
			link, nerr := netlink.LinkByName(epInfo.IfName)
			if nerr != nil {
				if _, ok := nerr.(netlink.LinkNotFoundError); ok {
					return nil
				}
				return errors.Wrapf(nerr, "failed to find %s in namespace", epInfo.IfName)
			}

			return netlink.LinkDel(link)
		})
		if err != nil {
			// The namespace may already be gone; the kernel reclaims the veth
			// pair with it.
			nm.logger.Info("Could not enter namespace during detach", zap.Error(err))
		}
	}

	return unregisterNamespace(epInfo.ContainerID)
}

// GetEndpointAddress reports the IPv4 address currently configured on the
// container-side interface.
func (nm *networkManager) GetEndpointAddress(epInfo *EndpointInfo) (*net.IPNet, error) {
	nsPath := nm.namespacePath(epInfo)
	if nsPath == "" {
		return nil, errors.Wrap(ErrNamespaceNotFound, "no namespace handle for endpoint")
	}

	var ipNet *net.IPNet

	err := cniNs.WithNetNSPath(nsPath, func(cniNs.NetNS) error {
		link, nerr := netlink.LinkByName(epInfo.IfName)
		if nerr != nil {
			return errors.Wrapf(ErrEndpointNotFound, "%s: %v", epInfo.IfName, nerr)
		}

		addrs, nerr := netlink.AddrList(link, netlink.FAMILY_V4)
		if nerr != nil {
			return errors.Wrapf(nerr, "failed to list addresses on %s", epInfo.IfName)
		}
		if len(addrs) == 0 {
			return errors.Wrapf(ErrEndpointNotFound, "no IPv4 address on %s", epInfo.IfName)
		}

		ipNet = addrs[0].IPNet

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ipNet, nil
}

// namespacePath prefers the registered alias and falls back to the handle
// supplied by the runtime.
func (nm *networkManager) namespacePath(epInfo *EndpointInfo) string {
	alias := namespaceAliasPath(epInfo.ContainerID)
	if _, err := os.Stat(alias); err == nil {
		return alias
	}

	return epInfo.NetNsPath
}

// String returns a printable form of the endpoint for diagnostics.
func (ep *Endpoint) String() string {
	return fmt.Sprintf("%s@%s %s %s", ep.IfName, ep.Sandbox, ep.MacAddress, ep.IPAddress.String())
}
