// Package cni implements the plugin side of the Container Network Interface
// contract: environment and stdin parsing, command dispatch and the strict
// JSON result channel.
package cni

import (
	"fmt"

	cniSkel "github.com/containernetworking/cni/pkg/skel"
)

// Environment variables set by the container runtime.
const (
	EnvCommand     = "CNI_COMMAND"
	EnvContainerID = "CNI_CONTAINERID"
	EnvNetNs       = "CNI_NETNS"
	EnvIfName      = "CNI_IFNAME"
	EnvArgs        = "CNI_ARGS"
	EnvPath        = "CNI_PATH"
	EnvDebug       = "DEBUG"
)

// Command is the closed set of operations a runtime can request. Keeping it
// a typed enumeration makes command handling exhaustively checkable instead
// of a stringly-typed fallthrough.
type Command int

const (
	CmdAdd Command = iota
	CmdDel
	CmdGet
	CmdVersion
)

// ParseCommand maps the CNI_COMMAND value onto the command enumeration.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "ADD":
		return CmdAdd, nil
	case "DEL":
		return CmdDel, nil
	case "GET":
		return CmdGet, nil
	case "VERSION":
		return CmdVersion, nil
	}

	return 0, fmt.Errorf("unrecognized CNI command %q", s)
}

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CmdAdd:
		return "ADD"
	case CmdDel:
		return "DEL"
	case CmdGet:
		return "GET"
	case CmdVersion:
		return "VERSION"
	}

	return fmt.Sprintf("Command(%d)", int(c))
}

// Plugin error codes. The CNI spec reserves codes 100 and above for plugins.
const (
	ErrInvalidConfig uint = iota + 100
	ErrPoolExhausted
	ErrInterfaceCreationFailed
	ErrNotImplemented
	ErrInvalidCommand
	ErrLockTimeout
	ErrRuntime
)

var errorNames = map[uint]string{
	ErrInvalidConfig:           "InvalidConfig",
	ErrPoolExhausted:           "PoolExhausted",
	ErrInterfaceCreationFailed: "InterfaceCreationFailed",
	ErrNotImplemented:          "NotImplemented",
	ErrInvalidCommand:          "InvalidCommand",
	ErrLockTimeout:             "LockTimeout",
	ErrRuntime:                 "Runtime",
}

// ErrorName returns the taxonomy name surfaced in structured errors.
func ErrorName(code uint) string {
	if name, ok := errorNames[code]; ok {
		return name
	}

	return fmt.Sprintf("Error%d", code)
}

// Version is the CNI spec version the plugin implements.
const Version = "0.3.1"

// Supported CNI versions.
var supportedVersions = []string{"0.1.0", "0.2.0", "0.3.0", "0.3.1", "0.4.0"}

// PluginApi is the CNI contract implemented by network plugins.
type PluginApi interface {
	Add(args *cniSkel.CmdArgs) error
	Get(args *cniSkel.CmdArgs) error
	Delete(args *cniSkel.CmdArgs) error
}
