// Package transport implements the RDMA transfer engine: the process-local
// service that registers memory regions, resolves peers through the backend
// control plane, and executes one-sided READ/WRITE operations with bounded
// retries.
package transport

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inclusionAI/asystem-astate/internal/config"
	"github.com/inclusionAI/asystem-astate/internal/metrics"
	"github.com/inclusionAI/asystem-astate/internal/retry"
	"github.com/inclusionAI/asystem-astate/internal/topology"
	"github.com/inclusionAI/asystem-astate/internal/transport/backend"
)

const (
	// rdmaPortStart anchors the randomized scan window for the control-plane
	// listener.
	rdmaPortStart      = 51010
	bindPortScanWindow = 1000
	bindPortMaxRetry   = 10

	// Fixed submission constants of the engine.
	transferPollers   = 4
	transferChunkSize = 1 << 20

	backendLogDir         = "/tmp/astate"
	backendLogMaxFileSize = int64(1024) * 1024 * 1024
	backendLogMaxFiles    = 16
)

// serverWarmupDelay is how long Start sleeps after a successful bring-up so
// the control listener is accepting by the time peers learn our port. The
// backend has no readiness signal yet; this delay is load-bearing.
var serverWarmupDelay = 1000 * time.Millisecond

// ErrNotImplemented is returned by the async variants. Async semantics are
// layered above one-sided transfers by the caller, not below them.
var ErrNotImplemented = errors.New("not implemented")

// ParallelConfig places this process within its role group.
type ParallelConfig struct {
	RoleRank int
	RoleSize int
}

// Engine is the transport core. A zero Engine is not usable; construct with
// New. Lifecycle: Start -> data-plane calls -> Stop. Stop is idempotent;
// every other operation fails fast unless the engine is running.
type Engine struct {
	// newBackend and newTopology are swapped out by tests.
	newBackend  func(name string) (backend.Backend, error)
	newTopology func() *topology.Manager

	cfg *config.Config
	be  backend.Backend

	localServerName string
	localServerPort int
	metaAddr        string
	readTimeoutMs   int
	writeTimeoutMs  int

	rdmaNumaNode int
	nicNodes     []topology.NIC

	running atomic.Bool
	closeMu sync.Mutex

	// lastActivityMs gates the perf sampler: wall-clock ms of the most
	// recent Send/Receive that passed argument validation.
	lastActivityMs atomic.Int64

	enablePerf      atomic.Bool
	perfIntervalMs  atomic.Int64
	perfRunning     atomic.Bool
	perfStop        chan struct{}
	perfDone        chan struct{}

	regMu      sync.Mutex
	registered map[regionKey]struct{}
}

type regionKey struct {
	addr   uintptr
	length int
}

// New returns a stopped engine wired to the real backend factory and
// topology prober.
func New() *Engine {
	return &Engine{
		newBackend:   backend.Open,
		newTopology:  func() *topology.Manager { return topology.NewManager() },
		rdmaNumaNode: topology.UnknownNode,
		registered:   make(map[regionKey]struct{}),
	}
}

// Start brings up the backend context and control-plane listener. It returns
// false on any setup or bind failure; the engine is then safe to Start again
// or to Stop (a no-op).
func (e *Engine) Start(cfg *config.Config, pc ParallelConfig) bool {
	if e.running.Load() {
		log.Warn().Msg("transfer engine already running")
		return false
	}

	e.cfg = cfg
	e.initFromOptions(cfg)

	bcfg := &backend.Config{
		Log: backend.LogConfig{
			Dir:          backendLogDir,
			Name:         fmt.Sprintf("utrans-%d", os.Getpid()),
			MaxFileSize:  backendLogMaxFileSize,
			MaxFileCount: backendLogMaxFiles,
		},
		RDMA: backend.RDMAConfig{
			NumPollers:    cfg.TransferEngine.NumPollers,
			DevicePattern: e.initRDMATopology(cfg, pc),
		},
		ListenHost: cfg.TransferEngine.LocalAddress,
	}

	be, err := e.newBackend(cfg.TransferEngine.Backend)
	if err != nil {
		log.Error().Err(err).Msg("backend selection failed")
		return false
	}
	if err := be.Setup(bcfg); err != nil {
		log.Error().Err(err).Msg("backend setup failed")
		return false
	}
	log.Info().Uint64("instance_id", be.InstanceID()).Msg("backend setup success")
	e.be = be

	if !e.setupRPCServer(cfg) {
		be.Clean()
		e.be = nil
		return false
	}
	log.Info().Int("port", e.localServerPort).Msg("rpc server setup success")

	e.enablePerf.Store(cfg.TransferEngine.EnablePerfMetrics)
	e.perfIntervalMs.Store(cfg.TransferEngine.PerfStatsIntervalMs)
	e.startPerfSampler()

	e.running.Store(true)
	metrics.EngineRunning.Set(1)
	log.Info().
		Str("local_server", e.localServerName).
		Int("port", e.localServerPort).
		Str("backend", cfg.TransferEngine.Backend).
		Msg("transfer engine started")

	// Give the listener time to become reachable before peers are told
	// about it.
	time.Sleep(serverWarmupDelay)
	return true
}

func (e *Engine) initFromOptions(cfg *config.Config) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	e.localServerName = hostname
	e.metaAddr = cfg.TransferEngine.MetaServiceAddress
	e.readTimeoutMs = cfg.TransferEngine.ReadTimeoutMs
	e.writeTimeoutMs = cfg.TransferEngine.WriteTimeoutMs
}

// initRDMATopology selects NICs for this process and pins to the primary
// NIC's NUMA node when asked to. Failures here degrade selection, never
// abort the start.
func (e *Engine) initRDMATopology(cfg *config.Config, pc ParallelConfig) string {
	topo := e.newTopology()
	if err := topo.Initialize(); err != nil {
		log.Warn().Err(err).Msg("topology probe failed, falling back to rank-based selection")
	}

	maxDevices := cfg.TransferEngine.MaxRDMADevices
	var selected []string
	if gpu := topology.ActiveGPUIndex(); gpu >= 0 {
		log.Info().Int("cuda_device", gpu).Msg("active CUDA device detected")
		selected = topo.SelectDevices(gpu, maxDevices)
	} else {
		log.Info().Int("role_rank", pc.RoleRank).Msg("no CUDA device, using rank-based NIC selection")
		selected = topo.SelectDevicesByRank(pc.RoleRank, maxDevices)
	}

	e.nicNodes = e.nicNodes[:0]
	for _, name := range selected {
		e.nicNodes = append(e.nicNodes, topology.NIC{Name: name, NumaNode: topo.NumaNode(name)})
	}
	if len(e.nicNodes) == 0 {
		log.Warn().Msg("no RDMA devices selected, backend will use its default configuration")
		e.rdmaNumaNode = topology.UnknownNode
		return ""
	}

	e.rdmaNumaNode = e.nicNodes[0].NumaNode
	log.Info().
		Strs("devices", selected).
		Int("rdma_numa_node", e.rdmaNumaNode).
		Msg("selected RDMA devices")

	if cfg.TransferEngine.EnableNumaAllocation {
		if err := topo.PinToNode(e.rdmaNumaNode); err != nil {
			log.Warn().Err(err).Int("numa_node", e.rdmaNumaNode).Msg("NUMA pinning failed")
		}
	}

	return strings.Join(selected, ",")
}

// setupRPCServer binds the control-plane listener, either on the fixed
// configured port or by scanning a randomized window.
func (e *Engine) setupRPCServer(cfg *config.Config) bool {
	if cfg.TransferEngine.FixedPort {
		e.be.MutableConfig().RPCListenPort = cfg.TransferEngine.LocalPort
		if err := e.be.SetupRPCServer(); err != nil {
			log.Error().Err(err).Int("port", cfg.TransferEngine.LocalPort).Msg("rpc server setup failed")
			return false
		}
		e.localServerPort = e.be.MutableConfig().RPCListenPort
		return true
	}
	return e.setupRPCServerWithRetry()
}

func (e *Engine) setupRPCServerWithRetry() bool {
	base := rdmaPortStart + rand.Intn(bindPortScanWindow+1)
	log.Info().Int("base_port", base).Msg("starting rpc server port scan")

	attempt := 0
	err := retry.Do("rpc server setup", func() error {
		port := base + attempt
		e.be.MutableConfig().RPCListenPort = port
		log.Info().
			Int("attempt", attempt+1).
			Int("max_attempts", bindPortMaxRetry).
			Int("port", port).
			Msg("binding rpc server")

		if err := e.be.SetupRPCServer(); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("rpc server bind failed")
			attempt++
			return err
		}
		e.localServerPort = port
		return nil
	}, retry.NewCounting(bindPortMaxRetry))

	if err != nil {
		log.Error().
			Err(err).
			Int("attempts", attempt).
			Int("first_port", base).
			Int("last_port", base+attempt-1).
			Msg("rpc server setup failed after retry")
		return false
	}
	return true
}

// Stop joins the perf sampler and releases the backend context. Safe to call
// repeatedly and on a never-started engine.
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}

	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if !e.running.Load() {
		return
	}

	// The sampler reads from the backend context; it must be joined first.
	e.stopPerfSampler()

	if e.be != nil {
		e.be.Clean()
		e.be = nil
	}

	e.running.Store(false)
	metrics.EngineRunning.Set(0)
	log.Info().Msg("transfer engine stopped")
}

// Send pushes length bytes at localAddr into the peer's memory at the remote
// virtual address carried in extend (one-sided WRITE).
func (e *Engine) Send(localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo) bool {
	return e.transfer("send", backend.OpWrite, localAddr, length, remoteHost, remotePort, extend)
}

// Receive pulls length bytes from the peer's memory at the remote virtual
// address in extend into localAddr (one-sided READ).
func (e *Engine) Receive(localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo) bool {
	return e.transfer("receive", backend.OpRead, localAddr, length, remoteHost, remotePort, extend)
}

// AsyncSend is declared for interface parity and always fails; callers layer
// asynchrony above the engine.
func (e *Engine) AsyncSend(localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo, callback func(bool)) error {
	return ErrNotImplemented
}

// AsyncReceive is declared for interface parity and always fails.
func (e *Engine) AsyncReceive(localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo, callback func(bool)) error {
	return ErrNotImplemented
}

func (e *Engine) transfer(direction string, op backend.Opcode, localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo) bool {
	start := time.Now()
	ok := e.doTransfer(direction, op, localAddr, length, remoteHost, remotePort, extend)
	metrics.RecordTransfer(direction, ok, length, time.Since(start))
	return ok
}

func (e *Engine) doTransfer(direction string, op backend.Opcode, localAddr uintptr, length int, remoteHost string, remotePort int, extend ExtendInfo) bool {
	// Argument violations are non-retryable: fail before anything reaches
	// the backend.
	be := e.be
	if !e.running.Load() || be == nil {
		log.Error().Str("direction", direction).Msg("context not initialized")
		return false
	}
	if localAddr == 0 || length <= 0 {
		log.Error().
			Str("direction", direction).
			Int("length", length).
			Msg("local buffer is null or size is zero")
		return false
	}
	remoteAddr, ok := RemoteAddrFromExtendInfo(extend)
	if !ok {
		log.Error().Str("direction", direction).Msg("remote address missing from extend info")
		return false
	}

	e.lastActivityMs.Store(time.Now().UnixMilli())

	retryCount := e.cfg.Transport.SendRetryCount
	retrySleep := e.cfg.Transport.SendRetrySleepMs
	timeoutMs := e.writeTimeoutMs
	if op == backend.OpRead {
		retryCount = e.cfg.Transport.ReceiveRetryCount
		retrySleep = e.cfg.Transport.ReceiveRetrySleepMs
		timeoutMs = e.readTimeoutMs
	}

	attempts := 0
	err := retry.Do("transport."+direction, func() error {
		if attempts > 0 {
			metrics.RecordRetry(direction)
		}
		attempts++
		return e.attemptTransfer(be, op, localAddr, length, remoteHost, remotePort, remoteAddr, timeoutMs)
	}, retry.NewCountingAndSleep(retryCount, time.Duration(retrySleep)*time.Millisecond))

	if err != nil {
		log.Error().
			Err(err).
			Str("direction", direction).
			Str("remote_host", remoteHost).
			Int("remote_port", remotePort).
			Int("attempts", attempts).
			Msg("transfer failed")
		return false
	}
	return true
}

// attemptTransfer is one resolve-and-submit cycle. Every error it returns is
// retryable unless the backend marked it otherwise.
func (e *Engine) attemptTransfer(be backend.Backend, op backend.Opcode, localAddr uintptr, length int, remoteHost string, remotePort int, remoteAddr uint64, timeoutMs int) error {
	instID, err := be.QueryInstanceID(remoteHost, remotePort)
	if err != nil {
		return fmt.Errorf("query instance id %s:%d: %w", remoteHost, remotePort, err)
	}

	req := &backend.TransferRequest{
		InstanceID: instID,
		Op:         op,
		RemoteAddr: remoteAddr,
		Local:      []backend.Segment{{Addr: localAddr, Len: uint32(length)}},
	}
	conf := &backend.TransferConfig{
		Pollers:   transferPollers,
		ChunkSize: transferChunkSize,
		TimeoutMs: timeoutMs,
	}

	opHandle := be.ExecTransfer(req, conf)
	if opHandle == nil {
		return fmt.Errorf("transfer submission failed, remote=%s:%d inst_id=%d laddr=%#x raddr=%#x length=%d",
			remoteHost, remotePort, instID, localAddr, remoteAddr, length)
	}
	status := opHandle.Result()
	opHandle.Release()
	if status != backend.StatusSuccess {
		return fmt.Errorf("transfer finished with status %s, remote=%s:%d inst_id=%d laddr=%#x raddr=%#x length=%d",
			status, remoteHost, remotePort, instID, localAddr, remoteAddr, length)
	}
	return nil
}

// RegisterMemory registers a caller-owned buffer with the backend. For RAM
// the placement comes from the engine's primary NIC NUMA node; the
// gpuOrNuma argument only matters for VRAM (it is accepted for interface
// parity otherwise).
func (e *Engine) RegisterMemory(addr uintptr, length int, isVRAM bool, gpuOrNuma int) bool {
	be := e.be
	if !e.running.Load() || be == nil {
		log.Error().Msg("context not initialized")
		return false
	}

	var mr *backend.MemRegion
	var err error
	if isVRAM {
		mr, err = be.RegisterVRAM(addr, length, gpuOrNuma)
	} else {
		mr, err = be.RegisterRAM(addr, length, e.rdmaNumaNode)
	}
	if err != nil || mr == nil {
		log.Error().
			Err(err).
			Str("addr", fmt.Sprintf("%#x", addr)).
			Int("len", length).
			Bool("vram", isVRAM).
			Msg("memory registration failed")
		return false
	}

	e.regMu.Lock()
	e.registered[regionKey{addr: addr, length: length}] = struct{}{}
	e.regMu.Unlock()
	metrics.RegisteredRegions.Inc()
	return true
}

// DeregisterMemory removes a registration made by RegisterMemory. It never
// panics; deregistering an unknown region returns false and leaves all state
// untouched.
func (e *Engine) DeregisterMemory(addr uintptr, length int) bool {
	be := e.be
	if be == nil {
		log.Error().Msg("context not initialized")
		return false
	}

	key := regionKey{addr: addr, length: length}
	e.regMu.Lock()
	_, known := e.registered[key]
	if known {
		delete(e.registered, key)
	}
	e.regMu.Unlock()
	if !known {
		log.Warn().
			Str("addr", fmt.Sprintf("%#x", addr)).
			Int("len", length).
			Msg("deregister of unknown region")
		return false
	}

	ok := be.Deregister(addr, length)
	if ok {
		metrics.RegisteredRegions.Dec()
	}
	return ok
}

// GetBindPort returns the control-plane port bound during Start. Meaningful
// only after a successful Start.
func (e *Engine) GetBindPort() int { return e.localServerPort }

// GetWriteTimeout returns the per-attempt write timeout in ms (-1 infinite).
func (e *Engine) GetWriteTimeout() int { return e.writeTimeoutMs }

// GetReadTimeout returns the per-attempt read timeout in ms (-1 infinite).
func (e *Engine) GetReadTimeout() int { return e.readTimeoutMs }

// GetLocalServerName returns this host's name.
func (e *Engine) GetLocalServerName() string { return e.localServerName }

// GetMetaAddr returns the configured meta-service address.
func (e *Engine) GetMetaAddr() string { return e.metaAddr }

// SetPerfStatsInterval retunes the live sampler period.
func (e *Engine) SetPerfStatsInterval(ms int64) {
	if ms > 0 {
		e.perfIntervalMs.Store(ms)
	}
}
