package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "plugin.log")

	logger, cleanup, err := New(&Config{
		Level:            "debug",
		OutputPaths:      logFile,
		ErrorOutputPaths: "stderr",
	})
	require.NoError(t, err)

	logger.Info("hello")
	cleanup()

	b, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "info", entry["level"])
	require.Contains(t, entry, "time")
}

func TestNewRespectsLevel(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "plugin.log")

	logger, cleanup, err := New(&Config{
		Level:       "info",
		OutputPaths: logFile,
	})
	require.NoError(t, err)

	logger.Debug("suppressed")
	cleanup()

	b, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(&Config{Level: "loud"})
	require.Error(t, err)
}

func TestSplitPaths(t *testing.T) {
	require.Nil(t, splitPaths(""))
	require.Equal(t, []string{"stderr"}, splitPaths("stderr"))
	require.Equal(t, []string{"/var/log/a.log", "stderr"}, splitPaths("/var/log/a.log,stderr"))
}
