package main

import (
	"log"
	"os"

	bv "github.com/containernetworking/plugins/pkg/utils/buildversion"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/overlaynet/overlay-container-networking/cni"
	"github.com/overlaynet/overlay-container-networking/cni/network"
	"github.com/overlaynet/overlay-container-networking/logger"
	"github.com/overlaynet/overlay-container-networking/platform"
	"github.com/overlaynet/overlay-container-networking/store"
)

const (
	// Plugin name.
	name = "overlay-cni"
)

// Version is populated by make during build.
var version string

// Main is the entry point for the overlay CNI plugin.
func main() {
	if err := executePlugin(); err != nil {
		log.Printf("error executing %s plugin: %v\n", name, err)
		os.Exit(1)
	}
}

func executePlugin() error {
	level := "info"
	if os.Getenv(cni.EnvDebug) != "" {
		level = "debug"
	}

	// Diagnostics go to the log file, never to the result channel.
	loggerCfg := &logger.Config{
		Level:            level,
		OutputPaths:      platform.LogPath + name + ".log",
		ErrorOutputPaths: "stderr",
	}

	pluginLogger, cleanup, err := logger.New(loggerCfg)
	if err != nil {
		// Fall back to stderr when the log file cannot be opened.
		loggerCfg.OutputPaths = "stderr"
		pluginLogger, cleanup, err = logger.New(loggerCfg)
		if err != nil {
			return errors.Wrap(err, "failed to set up logging")
		}
	}
	defer cleanup()

	pluginLogger.Info("Plugin enter",
		zap.String("build", bv.BuildString(name)),
		zap.String("os", platform.GetOSInfo()))
	defer pluginLogger.Info("Plugin exit")

	config := cni.PluginConfig{
		Name:    name,
		Version: version,
		Logger:  pluginLogger,
	}

	netPlugin, err := network.NewPlugin(&config)
	if err != nil {
		pluginLogger.Error("Failed to create network plugin", zap.Error(err))
		return errors.Wrap(err, "failed to create network plugin")
	}

	if err := netPlugin.Start(&config); err != nil {
		pluginLogger.Error("Failed to start network plugin", zap.Error(err))

		code := cni.ErrRuntime
		if errors.Is(err, store.ErrTimeoutLockingStore) {
			code = cni.ErrLockTimeout
		}

		cniErr := netPlugin.Errorf(code, "failed to start plugin: %v", err)
		netPlugin.PrintError(cniErr)

		return cniErr
	}

	err = netPlugin.Execute(cni.PluginApi(netPlugin))

	netPlugin.Stop()

	return err
}
