package ipam

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/overlaynet/overlay-container-networking/store"
)

const (
	// IPAM store key.
	storeKey = "IPAM"
)

// addressManager manages the set of address pools allocated to containers.
// Its persisted state is shared across concurrent invocations on the node;
// the caller holds the store's exclusive lock for the full lifetime of the
// manager, so every read-decide-write cycle here is serialized.
type addressManager struct {
	Version   string
	TimeStamp time.Time
	Pools     map[string]*addressPool `json:"Pools"`
	store     store.KeyValueStore
	logger    *zap.Logger
	mu        sync.Mutex
}

// AddressManager API.
type AddressManager interface {
	Initialize(kvs store.KeyValueStore, logger *zap.Logger) error
	Uninitialize()

	RequestAddress(subnet, containerID string) (string, error)
	ReleaseAddress(subnet, address string) error
	LookupAddress(subnet, containerID string) (string, bool, error)
	GetPoolInfo(subnet string) (*AddressPoolInfo, error)
}

// NewAddressManager creates a new address manager.
func NewAddressManager() (AddressManager, error) {
	am := &addressManager{
		Pools: make(map[string]*addressPool),
	}

	return am, nil
}

// Initialize configures the address manager and restores persisted state.
func (am *addressManager) Initialize(kvs store.KeyValueStore, logger *zap.Logger) error {
	if kvs == nil {
		return errors.New("address manager requires a store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	am.store = kvs
	am.logger = logger

	return am.restore()
}

// Uninitialize cleans up the address manager. The store lock is owned and
// released by the plugin, not here.
func (am *addressManager) Uninitialize() {
}

// restore reads address manager state from the persistent store.
func (am *addressManager) restore() error {
	err := am.store.Read(storeKey, am)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			am.logger.Debug("No persisted IPAM state, starting fresh")
			return nil
		}
		return errors.Wrap(err, "failed to restore IPAM state")
	}

	if am.Pools == nil {
		am.Pools = make(map[string]*addressPool)
	}

	am.logger.Debug("Restored IPAM state", zap.Int("pools", len(am.Pools)))

	return nil
}

// save writes address manager state to the persistent store.
func (am *addressManager) save() error {
	am.TimeStamp = time.Now()

	if err := am.store.Write(storeKey, am); err != nil {
		return errors.Wrap(err, "failed to persist IPAM state")
	}

	return nil
}

// getPool returns the pool for the given subnet, creating and seeding it on
// first use.
func (am *addressManager) getPool(subnet string) (*addressPool, error) {
	ipNet, err := parseSubnet(subnet)
	if err != nil {
		return nil, err
	}

	if ap, ok := am.Pools[ipNet.String()]; ok {
		return ap, nil
	}

	ap, err := newAddressPool(subnet)
	if err != nil {
		return nil, err
	}

	am.logger.Info("Seeded new address pool",
		zap.String("subnet", ap.Subnet),
		zap.String("gateway", ap.Gateway))

	am.Pools[ap.Id] = ap

	return ap, nil
}

// RequestAddress reserves an address in the subnet's pool for the given
// container and returns it in CIDR notation. The reservation is persisted
// before the address is handed out.
func (am *addressManager) RequestAddress(subnet, containerID string) (string, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	ap, err := am.getPool(subnet)
	if err != nil {
		return "", err
	}

	address, err := ap.requestAddress(containerID)
	if err != nil {
		return "", err
	}

	if err := am.save(); err != nil {
		// The reservation did not make it to disk, hand it back.
		ap.releaseAddress(address)
		return "", err
	}

	am.logger.Info("Reserved address",
		zap.String("address", address),
		zap.String("containerID", containerID))

	return address, nil
}

// ReleaseAddress returns an address to the subnet's pool. Releasing an
// address that is not reserved, or releasing into an unknown pool, succeeds
// without effect.
func (am *addressManager) ReleaseAddress(subnet, address string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	ipNet, err := parseSubnet(subnet)
	if err != nil {
		return err
	}

	ap, ok := am.Pools[ipNet.String()]
	if !ok {
		am.logger.Info("Release on unknown pool, nothing to do", zap.String("subnet", subnet))
		return nil
	}

	if !ap.releaseAddress(address) {
		am.logger.Info("Address not reserved, nothing to do", zap.String("address", address))
		return nil
	}

	if err := am.save(); err != nil {
		return err
	}

	am.logger.Info("Released address", zap.String("address", address))

	return nil
}

// LookupAddress returns the address reserved for the given container, if any.
func (am *addressManager) LookupAddress(subnet, containerID string) (string, bool, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	ipNet, err := parseSubnet(subnet)
	if err != nil {
		return "", false, err
	}

	ap, ok := am.Pools[ipNet.String()]
	if !ok {
		return "", false, nil
	}

	address, found := ap.lookupByContainer(containerID)

	return address, found, nil
}

// GetPoolInfo returns summary information about the subnet's pool.
func (am *addressManager) GetPoolInfo(subnet string) (*AddressPoolInfo, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	ipNet, err := parseSubnet(subnet)
	if err != nil {
		return nil, err
	}

	ap, ok := am.Pools[ipNet.String()]
	if !ok {
		return nil, ErrPoolNotFound
	}

	return ap.getInfo()
}
