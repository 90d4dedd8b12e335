package network

import (
	"bytes"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	cniSkel "github.com/containernetworking/cni/pkg/skel"
	cniTypes "github.com/containernetworking/cni/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overlaynet/overlay-container-networking/cni"
	"github.com/overlaynet/overlay-container-networking/network"
	"github.com/overlaynet/overlay-container-networking/store"
)

// Decoded shape of the 0.3.1 result payload.
type testResult struct {
	CNIVersion string `json:"cniVersion"`
	Interfaces []struct {
		Name    string `json:"name"`
		Mac     string `json:"mac"`
		Sandbox string `json:"sandbox"`
	} `json:"interfaces"`
	IPs []struct {
		Version   string `json:"version"`
		Address   string `json:"address"`
		Gateway   string `json:"gateway"`
		Interface *int   `json:"interface"`
	} `json:"ips"`
}

func newTestNetPlugin(t *testing.T) (*netPlugin, *network.MockNetworkManager, *bytes.Buffer) {
	t.Helper()

	kvs, err := store.NewJsonFileStore(filepath.Join(t.TempDir(), "overlay-cni.json"))
	require.NoError(t, err)

	config := cni.PluginConfig{
		Name:    "overlay-cni",
		Version: "0.0.1",
		Store:   kvs,
		Logger:  zap.NewNop(),
	}

	plugin, err := NewPlugin(&config)
	require.NoError(t, err)

	nm := network.NewMockNetworkManager()
	plugin.SetNetworkManager(nm)

	require.NoError(t, plugin.Start(&config))
	t.Cleanup(plugin.Stop)

	out := &bytes.Buffer{}
	plugin.SetIO(&bytes.Buffer{}, out)

	return plugin, nm, out
}

func testArgs(containerID string) *cniSkel.CmdArgs {
	return &cniSkel.CmdArgs{
		ContainerID: containerID,
		Netns:       "/var/run/netns/" + containerID,
		IfName:      "eth0",
		StdinData: []byte(`{
			"cniVersion": "0.3.1",
			"name": "overlay",
			"type": "overlay-cni",
			"network": "10.244.0.0/16",
			"subnet": "10.244.1.0/24"
		}`),
	}
}

func decodeResult(t *testing.T, out *bytes.Buffer) *testResult {
	t.Helper()

	result := &testResult{}
	require.NoError(t, json.Unmarshal(out.Bytes(), result))
	out.Reset()

	return result
}

func requireCNIError(t *testing.T, err error, code uint) {
	t.Helper()

	cniErr := &cniTypes.Error{}
	require.ErrorAs(t, err, &cniErr)
	require.Equal(t, code, cniErr.Code)
}

func TestAddWiresFirstContainer(t *testing.T) {
	plugin, nm, out := newTestNetPlugin(t)

	require.NoError(t, plugin.Add(testArgs("ctr-1")))

	want := &testResult{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"cniVersion": "0.3.1",
		"interfaces": [
			{"name": "eth0", "mac": "aa:bb:cc:dd:ee:ff", "sandbox": "/var/run/netns/ctr-1"}
		],
		"ips": [
			{"version": "4", "address": "10.244.1.2/24", "gateway": "10.244.1.1", "interface": 0}
		]
	}`), want))

	got := decodeResult(t, out)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}

	ep := nm.TestEndpoints["ctr-1"]
	require.NotNil(t, ep)
	require.Equal(t, "10.244.1.2/24", ep.IPAddress.String())
	require.Equal(t, "10.244.1.1", ep.Gateway.String())
}

func TestAddAllocatesSequentially(t *testing.T) {
	plugin, _, out := newTestNetPlugin(t)

	require.NoError(t, plugin.Add(testArgs("ctr-1")))
	require.Equal(t, "10.244.1.2/24", decodeResult(t, out).IPs[0].Address)

	require.NoError(t, plugin.Add(testArgs("ctr-2")))
	require.Equal(t, "10.244.1.3/24", decodeResult(t, out).IPs[0].Address)
}

func TestDeleteFreesAddressForReuse(t *testing.T) {
	plugin, nm, out := newTestNetPlugin(t)

	require.NoError(t, plugin.Add(testArgs("ctr-1")))
	out.Reset()
	require.NoError(t, plugin.Add(testArgs("ctr-2")))
	out.Reset()

	require.NoError(t, plugin.Delete(testArgs("ctr-1")))
	require.Empty(t, out.Bytes())
	require.NotContains(t, nm.TestEndpoints, "ctr-1")

	require.NoError(t, plugin.Add(testArgs("ctr-3")))
	require.Equal(t, "10.244.1.2/24", decodeResult(t, out).IPs[0].Address)
}

func TestDeleteWithoutReservationSucceeds(t *testing.T) {
	plugin, _, out := newTestNetPlugin(t)

	args := testArgs("ctr-never-added")
	args.Netns = ""

	require.NoError(t, plugin.Delete(args))
	require.Empty(t, out.Bytes())
}

func TestDeleteFallsBackToLiveInterface(t *testing.T) {
	plugin, nm, out := newTestNetPlugin(t)

	// An endpoint exists in the namespace but the pool has no record of it.
	ip, ipNet, err := net.ParseCIDR("10.244.1.9/24")
	require.NoError(t, err)
	ipNet.IP = ip
	epInfo := &network.EndpointInfo{
		ContainerID: "ctr-orphan",
		NetNsPath:   "/var/run/netns/ctr-orphan",
		IfName:      "eth0",
		IPAddress:   *ipNet,
	}
	_, err = nm.Attach(epInfo)
	require.NoError(t, err)

	require.NoError(t, plugin.Delete(testArgs("ctr-orphan")))
	require.Empty(t, out.Bytes())
	require.NotContains(t, nm.TestEndpoints, "ctr-orphan")
}

func TestGetIsNotImplemented(t *testing.T) {
	plugin, _, _ := newTestNetPlugin(t)

	err := plugin.Get(testArgs("ctr-1"))
	requireCNIError(t, err, cni.ErrNotImplemented)
}

func TestAddRollsBackReservationOnAttachFailure(t *testing.T) {
	plugin, nm, out := newTestNetPlugin(t)

	nm.AttachErr = errors.New("veth creation failed")
	err := plugin.Add(testArgs("ctr-1"))
	requireCNIError(t, err, cni.ErrInterfaceCreationFailed)
	require.Empty(t, out.Bytes())

	// The reservation was handed back, so the next container gets the same
	// address.
	nm.AttachErr = nil
	require.NoError(t, plugin.Add(testArgs("ctr-2")))
	require.Equal(t, "10.244.1.2/24", decodeResult(t, out).IPs[0].Address)
}

func TestAddRejectsInvalidInputs(t *testing.T) {
	plugin, _, _ := newTestNetPlugin(t)

	t.Run("missing subnet", func(t *testing.T) {
		args := testArgs("ctr-1")
		args.StdinData = []byte(`{"name": "overlay"}`)
		requireCNIError(t, plugin.Add(args), cni.ErrInvalidConfig)
	})

	t.Run("missing container ID", func(t *testing.T) {
		args := testArgs("")
		requireCNIError(t, plugin.Add(args), cni.ErrInvalidConfig)
	})

	t.Run("missing netns", func(t *testing.T) {
		args := testArgs("ctr-1")
		args.Netns = ""
		requireCNIError(t, plugin.Add(args), cni.ErrInvalidConfig)
	})

	t.Run("missing ifname", func(t *testing.T) {
		args := testArgs("ctr-1")
		args.IfName = ""
		requireCNIError(t, plugin.Add(args), cni.ErrInvalidConfig)
	})
}

func TestAddReportsPoolExhaustion(t *testing.T) {
	plugin, _, out := newTestNetPlugin(t)

	args := testArgs("ctr-small")
	args.StdinData = []byte(`{"name": "overlay", "subnet": "10.244.1.0/30"}`)

	// A /30 leaves exactly one assignable address.
	require.NoError(t, plugin.Add(args))
	out.Reset()

	args2 := testArgs("ctr-overflow")
	args2.StdinData = args.StdinData
	requireCNIError(t, plugin.Add(args2), cni.ErrPoolExhausted)
}

func TestStateSharedAcrossInvocations(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "overlay-cni.json")

	runInvocation := func(containerID string) string {
		kvs, err := store.NewJsonFileStore(fileName)
		require.NoError(t, err)
		require.NoError(t, kvs.Lock(true))

		config := cni.PluginConfig{Name: "overlay-cni", Version: "0.0.1", Store: kvs, Logger: zap.NewNop()}
		plugin, err := NewPlugin(&config)
		require.NoError(t, err)
		plugin.SetNetworkManager(network.NewMockNetworkManager())
		require.NoError(t, plugin.Start(&config))

		out := &bytes.Buffer{}
		plugin.SetIO(&bytes.Buffer{}, out)
		require.NoError(t, plugin.Add(testArgs(containerID)))
		plugin.Stop()

		return decodeResult(t, out).IPs[0].Address
	}

	require.Equal(t, "10.244.1.2/24", runInvocation("ctr-1"))
	require.Equal(t, "10.244.1.3/24", runInvocation("ctr-2"))
}
