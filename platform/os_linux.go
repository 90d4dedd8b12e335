package platform

import (
	"os"

	"github.com/pkg/errors"
)

const (
	// RuntimePath is the path where runtime files are stored.
	RuntimePath = "/var/run/"

	// LogPath is the path where log files are stored.
	LogPath = "/var/log/"
)

// GetOSInfo returns OS version information.
func GetOSInfo() string {
	info, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}

	return string(info)
}

// ReplaceFile replaces the destination file with the source file atomically.
func ReplaceFile(source, destination string) error {
	if err := os.Rename(source, destination); err != nil {
		return errors.Wrapf(err, "failed to replace %s with %s", destination, source)
	}

	return nil
}
