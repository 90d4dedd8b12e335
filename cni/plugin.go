package cni

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	cniSkel "github.com/containernetworking/cni/pkg/skel"
	cniTypes "github.com/containernetworking/cni/pkg/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/overlaynet/overlay-container-networking/platform"
	"github.com/overlaynet/overlay-container-networking/store"
)

// Plugin is the parent class for CNI plugins. It owns the store lock for the
// lifetime of the invocation and the result channel (stdout), which carries
// exactly one JSON object per invocation.
type Plugin struct {
	Name    string
	Version string
	Store   store.KeyValueStore

	logger *zap.Logger
	in     io.Reader
	out    io.Writer
}

// PluginConfig is the common plugin configuration.
type PluginConfig struct {
	Name    string
	Version string
	Store   store.KeyValueStore
	Logger  *zap.Logger
}

// NewPlugin creates a new CNI plugin.
func NewPlugin(name, version string) (*Plugin, error) {
	return &Plugin{
		Name:    name,
		Version: version,
		in:      os.Stdin,
		out:     os.Stdout,
	}, nil
}

// Initialize initializes the plugin: logging, then the shared store, whose
// exclusive lock is held until Uninitialize so concurrent invocations on the
// node serialize their pool mutations.
func (plugin *Plugin) Initialize(config *PluginConfig) error {
	if config.Logger != nil {
		plugin.logger = config.Logger
	} else {
		plugin.logger = zap.NewNop()
	}

	if config.Store == nil {
		kvs, err := store.NewJsonFileStore(platform.RuntimePath + plugin.Name + ".json")
		if err != nil {
			return errors.Wrap(err, "failed to create store")
		}

		if err := kvs.Lock(true); err != nil {
			return errors.Wrap(err, "failed to lock store")
		}

		config.Store = kvs
	}

	plugin.Store = config.Store

	return nil
}

// Uninitialize releases the store lock.
func (plugin *Plugin) Uninitialize() {
	if plugin.Store != nil {
		if err := plugin.Store.Unlock(); err != nil {
			plugin.logger.Error("Failed to unlock store", zap.Error(err))
		}
	}
}

// Logger returns the plugin's logger.
func (plugin *Plugin) Logger() *zap.Logger {
	return plugin.logger
}

// SetIO redirects the plugin's input and result channels.
func (plugin *Plugin) SetIO(in io.Reader, out io.Writer) {
	plugin.in = in
	plugin.out = out
}

// Execute parses the invocation environment and routes to exactly one
// operation. Unrecognized commands fail without touching any state.
func (plugin *Plugin) Execute(api PluginApi) (err error) {
	// Recover from panics and convert them to CNI errors.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 1<<12)
			n := runtime.Stack(buf, false)

			cniErr := cniTypes.NewError(ErrRuntime, ErrorName(ErrRuntime), fmt.Sprintf("%v", r))
			plugin.PrintError(cniErr)
			err = cniErr

			plugin.logger.Error("Recovered panic",
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.String("stack", string(buf[:n])))
		}
	}()

	cmd, cmdErr := ParseCommand(os.Getenv(EnvCommand))
	if cmdErr != nil {
		cniErr := cniTypes.NewError(ErrInvalidCommand, ErrorName(ErrInvalidCommand), cmdErr.Error())
		plugin.PrintError(cniErr)
		return cniErr
	}

	if cmd == CmdVersion {
		return plugin.printVersion()
	}

	stdinData, readErr := io.ReadAll(plugin.in)
	if readErr != nil {
		cniErr := cniTypes.NewError(ErrInvalidConfig, ErrorName(ErrInvalidConfig), readErr.Error())
		plugin.PrintError(cniErr)
		return cniErr
	}

	args := &cniSkel.CmdArgs{
		ContainerID: os.Getenv(EnvContainerID),
		Netns:       os.Getenv(EnvNetNs),
		IfName:      os.Getenv(EnvIfName),
		Args:        os.Getenv(EnvArgs),
		Path:        os.Getenv(EnvPath),
		StdinData:   stdinData,
	}

	plugin.logger.Info("Processing command",
		zap.Stringer("command", cmd),
		zap.String("containerID", args.ContainerID),
		zap.String("netns", args.Netns),
		zap.String("ifName", args.IfName))

	switch cmd {
	case CmdAdd:
		err = api.Add(args)
	case CmdGet:
		err = api.Get(args)
	case CmdDel:
		err = api.Delete(args)
	}

	if err != nil {
		cniErr := plugin.Error(ErrRuntime, err)
		plugin.PrintError(cniErr)
		return cniErr
	}

	return nil
}

// versionInfo advertises the plugin's CNI version and the spec versions it
// accepts.
type versionInfo struct {
	CNIVersion        string   `json:"cniVersion"`
	SupportedVersions []string `json:"supportedVersions"`
}

func (plugin *Plugin) printVersion() error {
	info := versionInfo{
		CNIVersion:        Version,
		SupportedVersions: supportedVersions,
	}

	if err := json.NewEncoder(plugin.out).Encode(&info); err != nil {
		return errors.Wrap(err, "failed to print version payload")
	}

	return nil
}

// PrintResult writes an operation result to the result channel in the shape
// of the requested CNI version.
func (plugin *Plugin) PrintResult(result cniTypes.Result, cniVersion string) error {
	versioned, err := result.GetAsVersion(cniVersion)
	if err != nil {
		return errors.Wrapf(err, "failed to convert result to CNI version %s", cniVersion)
	}

	if err := versioned.PrintTo(plugin.out); err != nil {
		return errors.Wrap(err, "failed to print result")
	}

	return nil
}

// PrintError writes a structured error to the result channel.
func (plugin *Plugin) PrintError(cniErr *cniTypes.Error) {
	if err := json.NewEncoder(plugin.out).Encode(cniErr); err != nil {
		plugin.logger.Error("Failed to print error payload", zap.Error(err))
	}
}

// Error shapes an error for the caller, keeping errors that already carry a
// CNI code.
func (plugin *Plugin) Error(code uint, err error) *cniTypes.Error {
	var cniErr *cniTypes.Error

	if !errors.As(err, &cniErr) {
		cniErr = cniTypes.NewError(code, ErrorName(code), err.Error())
	}

	plugin.logger.Error("Command failed",
		zap.Uint("code", cniErr.Code),
		zap.String("msg", cniErr.Msg),
		zap.String("details", cniErr.Details))

	return cniErr
}

// Errorf shapes a custom error according to a format specifier.
func (plugin *Plugin) Errorf(code uint, format string, args ...interface{}) *cniTypes.Error {
	return plugin.Error(code, fmt.Errorf(format, args...))
}
