//go:build linux
// +build linux

package network

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Well-known directory where named network namespaces live.
const netnsRunDir = "/var/run/netns"

// namespaceAliasPath returns the path of the local alias registered for the
// given container's namespace.
func namespaceAliasPath(containerID string) string {
	return filepath.Join(netnsRunDir, containerID)
}

// registerNamespace binds the runtime-supplied namespace handle under the
// well-known namespace directory, giving subsequent namespace-scoped
// operations a stable local alias. Registering an existing alias is a no-op.
func registerNamespace(containerID, nsPath string) (string, error) {
	if err := os.MkdirAll(netnsRunDir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", netnsRunDir)
	}

	target := namespaceAliasPath(containerID)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_RDONLY, 0444)
	if err != nil {
		if os.IsExist(err) {
			// Already registered by a previous attempt.
			return target, nil
		}
		return "", errors.Wrapf(err, "failed to create namespace alias %s", target)
	}
	f.Close()

	if err := unix.Mount(nsPath, target, "none", unix.MS_BIND, ""); err != nil {
		_ = os.Remove(target)
		return "", errors.Wrapf(err, "failed to bind %s to %s", nsPath, target)
	}

	return target, nil
}

// unregisterNamespace removes the container's namespace alias. A missing
// alias is not an error.
func unregisterNamespace(containerID string) error {
	target := namespaceAliasPath(containerID)

	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		return errors.Wrapf(err, "failed to unmount namespace alias %s", target)
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove namespace alias %s", target)
	}

	return nil
}
