package topology

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs builds a sysfs tree with the given NIC -> numa_node mapping.
func fakeSysfs(t *testing.T, nics map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, node := range nics {
		dir := filepath.Join(root, "class", "infiniband", name, "device")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		if node != "" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "numa_node"), []byte(node), 0o644))
		}
	}
	return root
}

func addFakeGPU(t *testing.T, root, pciAddr, numaNode string) {
	t.Helper()
	dir := filepath.Join(root, "bus", "pci", "devices", pciAddr)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte("0x10de\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "class"), []byte("0x030200\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "numa_node"), []byte(numaNode+"\n"), 0o644))
}

func TestInitializeScansDevices(t *testing.T) {
	root := fakeSysfs(t, map[string]string{
		"mlx5_1": "1\n",
		"mlx5_0": "0\n",
	})

	m := NewManager(WithSysfsRoot(root))
	require.NoError(t, m.Initialize())
	require.True(t, m.IsInitialized())

	nics := m.NICs()
	require.Len(t, nics, 2)
	assert.Equal(t, NIC{Name: "mlx5_0", NumaNode: 0}, nics[0])
	assert.Equal(t, NIC{Name: "mlx5_1", NumaNode: 1}, nics[1])
}

func TestInitializeMissingSysfsIsNonFatal(t *testing.T) {
	m := NewManager(WithSysfsRoot(t.TempDir()))
	err := m.Initialize()
	assert.Error(t, err)
	assert.True(t, m.IsInitialized())
	assert.Empty(t, m.NICs())
	assert.Empty(t, m.SelectDevicesByRank(0, 4))
}

func TestNumaNodeParsing(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "plain", content: "1", want: 1},
		{name: "trailing newline", content: "0\n", want: 0},
		{name: "surrounding whitespace", content: "  2  \n", want: 2},
		{name: "negative one", content: "-1\n", want: -1},
		{name: "garbage", content: "mlx\n", want: UnknownNode},
		{name: "empty", content: "", want: UnknownNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := fakeSysfs(t, map[string]string{"dev0": tt.content})
			m := NewManager(WithSysfsRoot(root))
			assert.Equal(t, tt.want, m.NumaNode("dev0"))
		})
	}
}

func TestNumaNodeMissingFile(t *testing.T) {
	root := t.TempDir()
	m := NewManager(WithSysfsRoot(root))
	assert.Equal(t, UnknownNode, m.NumaNode("nope"))
}

func TestSelectDevicesByRank(t *testing.T) {
	root := fakeSysfs(t, map[string]string{
		"mlx5_0": "0", "mlx5_1": "0", "mlx5_2": "1", "mlx5_3": "1",
	})
	m := NewManager(WithSysfsRoot(root))
	require.NoError(t, m.Initialize())

	tests := []struct {
		rank, max int
		want      []string
	}{
		{rank: 0, max: 2, want: []string{"mlx5_0", "mlx5_1"}},
		{rank: 1, max: 2, want: []string{"mlx5_1", "mlx5_2"}},
		{rank: 3, max: 2, want: []string{"mlx5_3", "mlx5_0"}},
		{rank: 4, max: 2, want: []string{"mlx5_0", "mlx5_1"}}, // wraps mod 4
		{rank: 0, max: 8, want: []string{"mlx5_0", "mlx5_1", "mlx5_2", "mlx5_3"}},
		{rank: 2, max: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run("rank "+strconv.Itoa(tt.rank), func(t *testing.T) {
			assert.Equal(t, tt.want, m.SelectDevicesByRank(tt.rank, tt.max))
		})
	}
}

func TestSelectDevicesByRankDeterministic(t *testing.T) {
	root := fakeSysfs(t, map[string]string{"mlx5_0": "0", "mlx5_1": "1"})
	m := NewManager(WithSysfsRoot(root))
	require.NoError(t, m.Initialize())

	first := m.SelectDevicesByRank(7, 1)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.SelectDevicesByRank(7, 1))
	}
}

func TestSelectDevicesPrefersGPUNode(t *testing.T) {
	root := fakeSysfs(t, map[string]string{
		"mlx5_0": "0",
		"mlx5_1": "1",
		"mlx5_2": "1",
	})
	// GPU 0 on node 0, GPU 1 on node 1.
	addFakeGPU(t, root, "0000:17:00.0", "0")
	addFakeGPU(t, root, "0000:b3:00.0", "1")

	m := NewManager(WithSysfsRoot(root))
	require.NoError(t, m.Initialize())

	assert.Equal(t, []string{"mlx5_0"}, m.SelectDevices(0, 1))
	assert.Equal(t, []string{"mlx5_1", "mlx5_2"}, m.SelectDevices(1, 2))
	// Unknown GPU index falls back to stable name order.
	assert.Equal(t, []string{"mlx5_0", "mlx5_1"}, m.SelectDevices(5, 2))
}

func TestSelectDevicesNoDevices(t *testing.T) {
	m := NewManager(WithSysfsRoot(t.TempDir()))
	_ = m.Initialize()
	assert.Empty(t, m.SelectDevices(0, 4))
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "0-3", want: []int{0, 1, 2, 3}},
		{in: "0-1,4-5", want: []int{0, 1, 4, 5}},
		{in: "7", want: []int{7}},
		{in: "0,2,4", want: []int{0, 2, 4}},
		{in: "", want: nil},
		{in: "a-b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCPUList(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPinToNodeUnknownIsNoop(t *testing.T) {
	m := NewManager(WithSysfsRoot(t.TempDir()))
	assert.NoError(t, m.PinToNode(UnknownNode))
}
