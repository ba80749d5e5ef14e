// Package topology probes the machine's RDMA NIC and GPU layout and selects
// the NICs a transport instance should use.
//
// Selection is GPU-driven when a CUDA device is active (NICs sorted by NUMA
// distance to the GPU), and rank-driven otherwise (deterministic modulo
// partition so co-located processes with different ranks spread across NICs).
// All probing goes through sysfs so it can be pointed at a fake tree in tests.
package topology

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// UnknownNode is returned when a device's NUMA node cannot be determined.
const UnknownNode = -1

// NIC is an RDMA-capable device discovered under /sys/class/infiniband.
type NIC struct {
	Name     string
	NumaNode int
}

// Manager discovers NICs and GPUs and answers device-selection queries.
// It is owned by the transport engine; a failed Initialize leaves it usable
// with rank-based selection over whatever was found.
type Manager struct {
	sysfsRoot   string
	nics        []NIC
	initialized bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSysfsRoot overrides the sysfs mount point. Tests point this at a
// directory tree built under t.TempDir().
func WithSysfsRoot(root string) Option {
	return func(m *Manager) { m.sysfsRoot = root }
}

// NewManager returns an uninitialized Manager rooted at /sys.
func NewManager(opts ...Option) *Manager {
	m := &Manager{sysfsRoot: "/sys"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize scans the infiniband class directory and records each device's
// NUMA node. An absent directory is returned as an error, but the manager is
// still marked initialized with zero devices, so selection queries keep
// working and simply return nothing.
func (m *Manager) Initialize() error {
	dir := filepath.Join(m.sysfsRoot, "class", "infiniband")
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("no RDMA devices visible in sysfs")
		m.nics = nil
		m.initialized = true
		return err
	}

	nics := make([]NIC, 0, len(entries))
	for _, e := range entries {
		nic := NIC{Name: e.Name(), NumaNode: m.NumaNode(e.Name())}
		nics = append(nics, nic)
	}
	sort.Slice(nics, func(i, j int) bool { return nics[i].Name < nics[j].Name })

	m.nics = nics
	m.initialized = true
	log.Info().Int("count", len(nics)).Msg("discovered RDMA devices")
	return nil
}

// IsInitialized reports whether Initialize has run.
func (m *Manager) IsInitialized() bool { return m.initialized }

// NICs returns the discovered devices in name order.
func (m *Manager) NICs() []NIC {
	out := make([]NIC, len(m.nics))
	copy(out, m.nics)
	return out
}

// NumaNode reads /sys/class/infiniband/<dev>/device/numa_node. The file holds
// an ASCII integer, possibly surrounded by whitespace; a missing or
// unparsable file yields UnknownNode.
func (m *Manager) NumaNode(dev string) int {
	p := filepath.Join(m.sysfsRoot, "class", "infiniband", dev, "device", "numa_node")
	return readSysfsInt(p)
}

func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return UnknownNode
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return UnknownNode
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return UnknownNode
	}
	return n
}

// SelectDevices returns up to max NIC names ordered by NUMA proximity to the
// given GPU. Ties break by name so the ordering is stable across processes.
func (m *Manager) SelectDevices(gpuIndex, max int) []string {
	if len(m.nics) == 0 || max <= 0 {
		return nil
	}

	gpuNode := m.gpuNumaNode(gpuIndex)
	ranked := make([]NIC, len(m.nics))
	copy(ranked, m.nics)
	sort.SliceStable(ranked, func(i, j int) bool {
		di, dj := numaDistance(ranked[i].NumaNode, gpuNode), numaDistance(ranked[j].NumaNode, gpuNode)
		if di != dj {
			return di < dj
		}
		return ranked[i].Name < ranked[j].Name
	})

	if max > len(ranked) {
		max = len(ranked)
	}
	names := make([]string, 0, max)
	for _, nic := range ranked[:max] {
		names = append(names, nic.Name)
	}
	return names
}

// SelectDevicesByRank deterministically partitions the devices across ranks:
// rank r starts at position r mod N and wraps. Equal ranks always yield equal
// selections, and distinct ranks on the same machine start on distinct NICs
// whenever there are enough of them.
func (m *Manager) SelectDevicesByRank(rank, max int) []string {
	n := len(m.nics)
	if n == 0 || max <= 0 {
		return nil
	}
	if rank < 0 {
		rank = 0
	}
	if max > n {
		max = n
	}

	names := make([]string, 0, max)
	start := rank % n
	for i := 0; i < max; i++ {
		names = append(names, m.nics[(start+i)%n].Name)
	}
	return names
}

// numaDistance is the selection metric: same node is closest, unknown nodes
// rank last, otherwise the absolute node-id gap approximates PCIe distance.
func numaDistance(nicNode, gpuNode int) int {
	if nicNode == UnknownNode || gpuNode == UnknownNode {
		return 1 << 20
	}
	d := nicNode - gpuNode
	if d < 0 {
		d = -d
	}
	return d
}

// gpuNumaNode finds the index-th NVIDIA display device on the PCI bus (in
// address order, matching CUDA's default enumeration) and returns its NUMA
// node.
func (m *Manager) gpuNumaNode(index int) int {
	if index < 0 {
		return UnknownNode
	}

	dir := filepath.Join(m.sysfsRoot, "bus", "pci", "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return UnknownNode
	}

	var gpuAddrs []string
	for _, e := range entries {
		devDir := filepath.Join(dir, e.Name())
		vendor := readSysfsString(filepath.Join(devDir, "vendor"))
		class := readSysfsString(filepath.Join(devDir, "class"))
		if vendor == "0x10de" && strings.HasPrefix(class, "0x03") {
			gpuAddrs = append(gpuAddrs, e.Name())
		}
	}
	sort.Strings(gpuAddrs)

	if index >= len(gpuAddrs) {
		return UnknownNode
	}
	return readSysfsInt(filepath.Join(dir, gpuAddrs[index], "numa_node"))
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// PinToNode binds the calling thread's CPU affinity and the memory policy to
// the given NUMA node. It is a no-op for UnknownNode. On non-Linux builds the
// node's CPU list is still read from sysfs, but nothing is bound.
func (m *Manager) PinToNode(node int) error {
	if node == UnknownNode {
		return nil
	}

	cpus, err := m.nodeCPUs(node)
	if err != nil {
		return err
	}

	if err := bindToNode(cpus, node); err != nil {
		return err
	}
	log.Info().Int("numa_node", node).Ints("cpus", cpus).Msg("pinned to NUMA node")
	return nil
}

// nodeCPUs parses /sys/devices/system/node/node<N>/cpulist, a comma-separated
// list of ids and ranges like "0-3,8-11".
func (m *Manager) nodeCPUs(node int) ([]int, error) {
	p := filepath.Join(m.sysfsRoot, "devices", "system", "node", "node"+strconv.Itoa(node), "cpulist")
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

func parseCPUList(s string) ([]int, error) {
	var cpus []int
	if s == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			first, err := strconv.Atoi(lo)
			if err != nil {
				return nil, err
			}
			last, err := strconv.Atoi(hi)
			if err != nil {
				return nil, err
			}
			for c := first; c <= last; c++ {
				cpus = append(cpus, c)
			}
			continue
		}
		c, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		cpus = append(cpus, c)
	}
	return cpus, nil
}
