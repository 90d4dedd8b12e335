// Package ipam manages the per-subnet address pools allocated to containers.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	// Errors returned by address pool operations.
	ErrInvalidSubnet        = errors.New("invalid subnet")
	ErrNoAvailableAddresses = errors.New("no available addresses in pool")
	ErrPoolNotFound         = errors.New("address pool not found")
)

// addressRecord represents an IP address reserved in a pool. Records with an
// empty container ID are infrastructure addresses (network, gateway) and are
// never released.
type addressRecord struct {
	Addr        string
	ContainerID string `json:",omitempty"`
	InUse       bool
}

// addressPool represents a subnet and the set of addresses reserved in it.
type addressPool struct {
	Id        string
	Subnet    string
	Gateway   string
	Addresses map[string]*addressRecord
}

// AddressPoolInfo contains summary information about an address pool.
type AddressPoolInfo struct {
	Subnet    net.IPNet
	Gateway   net.IP
	Available int
	Capacity  int
}

// newAddressPool derives a fresh pool from the given subnet. The lowest host
// address is the gateway; it and the network address seed the reserved set.
func newAddressPool(subnet string) (*addressPool, error) {
	ipNet, err := parseSubnet(subnet)
	if err != nil {
		return nil, err
	}

	network := ipNet.IP.To4()
	gateway := uint32ToIP(ipToUint32(network) + 1)

	ap := &addressPool{
		Id:        ipNet.String(),
		Subnet:    ipNet.String(),
		Gateway:   gateway.String(),
		Addresses: make(map[string]*addressRecord),
	}

	ap.Addresses[network.String()] = &addressRecord{Addr: network.String(), InUse: true}
	ap.Addresses[gateway.String()] = &addressRecord{Addr: gateway.String(), InUse: true}

	return ap, nil
}

// parseSubnet validates an IPv4 subnet in CIDR notation.
func parseSubnet(subnet string) (*net.IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%q: %v", subnet, err)
	}

	if ip.To4() == nil {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%q is not IPv4", subnet)
	}

	if ones, bits := ipNet.Mask.Size(); bits != 32 || ones > 30 {
		return nil, errors.Wrapf(ErrInvalidSubnet, "%q leaves no host addresses", subnet)
	}

	return ipNet, nil
}

// hostRange returns the first and last candidate host addresses of the pool,
// excluding the network address, the gateway and the broadcast address.
func (ap *addressPool) hostRange() (uint32, uint32, error) {
	ipNet, err := parseSubnet(ap.Subnet)
	if err != nil {
		return 0, 0, err
	}

	network := ipToUint32(ipNet.IP.To4())
	broadcast := network | ^binary.BigEndian.Uint32(ipNet.Mask)

	return network + 2, broadcast - 1, nil
}

// prefixLen returns the subnet's prefix length.
func (ap *addressPool) prefixLen() int {
	ipNet, err := parseSubnet(ap.Subnet)
	if err != nil {
		return 0
	}

	ones, _ := ipNet.Mask.Size()
	return ones
}

// requestAddress reserves the lowest free candidate address for the given
// container and returns it in CIDR notation.
func (ap *addressPool) requestAddress(containerID string) (string, error) {
	first, last, err := ap.hostRange()
	if err != nil {
		return "", err
	}

	for n := first; n <= last; n++ {
		addr := uint32ToIP(n).String()

		ar := ap.Addresses[addr]
		if ar == nil {
			ar = &addressRecord{Addr: addr}
			ap.Addresses[addr] = ar
		}

		if !ar.InUse {
			ar.InUse = true
			ar.ContainerID = containerID
			return fmt.Sprintf("%s/%d", addr, ap.prefixLen()), nil
		}
	}

	return "", ErrNoAvailableAddresses
}

// releaseAddress returns a previously reserved address to the pool. Releasing
// an address that is not reserved is a no-op, so retried DEL commands and
// partially failed ADD commands stay idempotent. Reports whether the pool
// changed.
func (ap *addressPool) releaseAddress(address string) bool {
	ar := ap.Addresses[trimPrefix(address)]
	if ar == nil || !ar.InUse {
		return false
	}

	// Infrastructure addresses stay reserved for the pool's lifetime.
	if ar.ContainerID == "" {
		return false
	}

	ar.InUse = false
	ar.ContainerID = ""

	return true
}

// lookupByContainer returns the address reserved for the given container, in
// CIDR notation.
func (ap *addressPool) lookupByContainer(containerID string) (string, bool) {
	for _, ar := range ap.Addresses {
		if ar.InUse && ar.ContainerID == containerID {
			return fmt.Sprintf("%s/%d", ar.Addr, ap.prefixLen()), true
		}
	}

	return "", false
}

// getInfo returns summary information about the pool.
func (ap *addressPool) getInfo() (*AddressPoolInfo, error) {
	ipNet, err := parseSubnet(ap.Subnet)
	if err != nil {
		return nil, err
	}

	first, last, err := ap.hostRange()
	if err != nil {
		return nil, err
	}

	capacity := int(last - first + 1)
	available := capacity

	for _, ar := range ap.Addresses {
		if ar.InUse && ar.ContainerID != "" {
			available--
		}
	}

	return &AddressPoolInfo{
		Subnet:    *ipNet,
		Gateway:   net.ParseIP(ap.Gateway),
		Available: available,
		Capacity:  capacity,
	}, nil
}

func trimPrefix(address string) string {
	if i := strings.IndexByte(address, '/'); i != -1 {
		return address[:i]
	}
	return address
}

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
