package instance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootArgsMaskDerivation(t *testing.T) {
	assert.Equal(t, "console=ttyS0 reboot=k panic=1 pci=off init=/init quiet 8250.nr_uarts=0 ip=172.30.0.5::172.30.0.1:255.255.255.0::eth0:off",
		bootArgs("172.30.0.5", "172.30.0.1", 24))
}

func TestWriteConfigFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fc.json")
	cfg := bootConfig{
		KernelPath: "/rev/vmlinux", BootArgs: "console=ttyS0",
		RootfsPath: "/rev/rootfs.ext4", DataPath: "/vol/data.ext4",
		TAPName: "tn0i3", MAC: "02:fc:00:00:00:03",
		VsockPath: "/rt/v.sock", VsockCID: 3,
		VCPUs: 2, MemMiB: 512,
	}
	require.NoError(t, writeConfigFile(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var fc fcStaticConfig
	require.NoError(t, json.Unmarshal(data, &fc))

	assert.Equal(t, "/rev/vmlinux", fc.BootSource.KernelImagePath)
	assert.Len(t, fc.Drives, 2) // rootfs + data, no secrets/config in this case
	assert.True(t, fc.Drives[0].IsRootDevice)
	assert.Equal(t, "tn0i3", fc.NetworkInterfaces[0].HostDevName)
	require.NotNil(t, fc.Vsock)
	assert.Equal(t, uint32(3), fc.Vsock.GuestCID)
	assert.Equal(t, 2, fc.MachineConfig.VCPUCount)
}
