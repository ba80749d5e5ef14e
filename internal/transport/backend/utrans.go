package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// utrans wire protocol verbs. Each connection carries a sequence of
// length-delimited requests; the server side executes READ/WRITE against
// registered regions directly, which is what makes the transfer one-sided
// from the application's point of view.
const (
	utransVerbQueryID byte = iota + 1
	utransVerbWrite
	utransVerbRead
)

// Per-frame response codes.
const (
	utransOK byte = iota
	utransBadRegion
	utransMalformed
)

const utransDialTimeout = 5 * time.Second

var errRemoteRejected = errors.New("remote rejected transfer")

// utransBackend is the default Backend implementation: a software transport
// with utrans semantics. It runs a TCP control plane, moves data in chunks
// with poller-style concurrency, and dumps perf counters to a rotating file
// log.
type utransBackend struct {
	cfg    *Config
	logger zerolog.Logger
	instID uint64

	regions *regionTable

	// endpoints maps resolved instance ids to their control addresses.
	// This is backend-internal discovery state, not a peer-context cache.
	endpoints sync.Map // uint64 -> string

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool

	perf utransPerf
}

type utransPerf struct {
	writeOps atomic.Uint64
	readOps  atomic.Uint64
	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
	errors   atomic.Uint64
}

func newUtransBackend() *utransBackend {
	return &utransBackend{regions: newRegionTable()}
}

func (b *utransBackend) Setup(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrSetupFailed)
	}
	b.cfg = cfg
	b.logger = newBackendLogger(cfg.Log, "utrans")
	b.instID = deriveInstanceID()

	b.logger.Info().
		Uint64("instance_id", b.instID).
		Int("num_pollers", cfg.RDMA.NumPollers).
		Str("dev_pattern", cfg.RDMA.DevicePattern).
		Msg("utrans context created")
	return nil
}

func (b *utransBackend) InstanceID() uint64 { return b.instID }

func (b *utransBackend) MutableConfig() *Config { return b.cfg }

func (b *utransBackend) SetupRPCServer() error {
	if b.cfg == nil {
		return ErrNotReady
	}

	addr := net.JoinHostPort(b.cfg.ListenHost, strconv.Itoa(b.cfg.RPCListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, addr, err)
	}

	b.listener = ln
	b.cfg.RPCListenPort = ln.Addr().(*net.TCPAddr).Port

	b.wg.Add(1)
	go b.acceptLoop(ln)

	b.logger.Info().Int("port", b.cfg.RPCListenPort).Msg("utrans rpc server listening")
	return nil
}

func (b *utransBackend) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !b.closed.Load() {
				b.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveConn(conn)
		}()
	}
}

// serveConn executes peer-issued one-sided operations against this
// instance's registered regions.
func (b *utransBackend) serveConn(conn net.Conn) {
	defer conn.Close()

	hdr := make([]byte, 13) // verb + u64 addr + u32 len
	for {
		if _, err := io.ReadFull(conn, hdr[:1]); err != nil {
			return
		}

		switch hdr[0] {
		case utransVerbQueryID:
			resp := make([]byte, 9)
			resp[0] = utransOK
			binary.BigEndian.PutUint64(resp[1:], b.instID)
			if _, err := conn.Write(resp); err != nil {
				return
			}

		case utransVerbWrite:
			if _, err := io.ReadFull(conn, hdr[1:13]); err != nil {
				return
			}
			addr := binary.BigEndian.Uint64(hdr[1:9])
			length := int(binary.BigEndian.Uint32(hdr[9:13]))

			r := b.regions.covering(uintptr(addr), length)
			if r == nil {
				// Drain the payload so the connection stays framed.
				if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
					return
				}
				b.perf.errors.Add(1)
				if _, err := conn.Write([]byte{utransBadRegion}); err != nil {
					return
				}
				continue
			}
			if _, err := io.ReadFull(conn, memSlice(uintptr(addr), length)); err != nil {
				return
			}
			b.perf.bytesIn.Add(uint64(length))
			if _, err := conn.Write([]byte{utransOK}); err != nil {
				return
			}

		case utransVerbRead:
			if _, err := io.ReadFull(conn, hdr[1:13]); err != nil {
				return
			}
			addr := binary.BigEndian.Uint64(hdr[1:9])
			length := int(binary.BigEndian.Uint32(hdr[9:13]))

			r := b.regions.covering(uintptr(addr), length)
			if r == nil {
				b.perf.errors.Add(1)
				if _, err := conn.Write([]byte{utransBadRegion}); err != nil {
					return
				}
				continue
			}
			if _, err := conn.Write([]byte{utransOK}); err != nil {
				return
			}
			if _, err := conn.Write(memSlice(uintptr(addr), length)); err != nil {
				return
			}
			b.perf.bytesOut.Add(uint64(length))

		default:
			_, _ = conn.Write([]byte{utransMalformed})
			return
		}
	}
}

func (b *utransBackend) QueryInstanceID(host string, port int) (uint64, error) {
	if b.cfg == nil {
		return InvalidInstanceID, ErrNotReady
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, utransDialTimeout)
	if err != nil {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(utransDialTimeout))

	if _, err := conn.Write([]byte{utransVerbQueryID}); err != nil {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, err)
	}
	resp := make([]byte, 9)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, err)
	}
	if resp[0] != utransOK {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: status %d", addr, resp[0])
	}

	id := binary.BigEndian.Uint64(resp[1:])
	if id == InvalidInstanceID {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, ErrUnknownInstance)
	}
	b.endpoints.Store(id, addr)
	return id, nil
}

func (b *utransBackend) RegisterRAM(addr uintptr, length, numaNode int) (*MemRegion, error) {
	return b.register(&MemRegion{Addr: addr, Len: length, Type: MemRAM, Numa: numaNode, GPU: -1})
}

func (b *utransBackend) RegisterVRAM(addr uintptr, length, gpuID int) (*MemRegion, error) {
	// The software data path reaches VRAM through its host mapping; the
	// GPU id is recorded for the hardware path's sake.
	return b.register(&MemRegion{Addr: addr, Len: length, Type: MemVRAM, Numa: UnknownNuma, GPU: gpuID})
}

func (b *utransBackend) register(r *MemRegion) (*MemRegion, error) {
	if b.cfg == nil {
		return nil, ErrNotReady
	}
	if r.Addr == 0 || r.Len <= 0 {
		return nil, fmt.Errorf("%w: addr=%#x len=%d", ErrRegistration, r.Addr, r.Len)
	}
	if !b.regions.add(r) {
		return nil, fmt.Errorf("%w: region %#x already registered", ErrRegistration, r.Addr)
	}
	b.logger.Info().
		Str("addr", fmt.Sprintf("%#x", r.Addr)).
		Int("len", r.Len).
		Int("numa", r.Numa).
		Msg("registered memory region")
	return r, nil
}

func (b *utransBackend) Deregister(addr uintptr, length int) bool {
	ok := b.regions.remove(addr, length)
	b.logger.Info().
		Str("addr", fmt.Sprintf("%#x", addr)).
		Int("len", length).
		Bool("found", ok).
		Msg("deregistered memory region")
	return ok
}

// chunk is one poller work item of a transfer.
type chunk struct {
	local  uintptr
	remote uint64
	n      int
}

func splitChunks(req *TransferRequest, chunkSize int) []chunk {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	var chunks []chunk
	remote := req.RemoteAddr
	for _, seg := range req.Local {
		off := 0
		for off < int(seg.Len) {
			n := int(seg.Len) - off
			if n > chunkSize {
				n = chunkSize
			}
			chunks = append(chunks, chunk{
				local:  seg.Addr + uintptr(off),
				remote: remote,
				n:      n,
			})
			remote += uint64(n)
			off += n
		}
	}
	return chunks
}

func (b *utransBackend) ExecTransfer(req *TransferRequest, conf *TransferConfig) Op {
	if b.cfg == nil || req == nil || len(req.Local) == 0 {
		return nil
	}
	v, ok := b.endpoints.Load(req.InstanceID)
	if !ok {
		b.logger.Error().Uint64("instance_id", req.InstanceID).Msg("transfer to unresolved instance")
		return nil
	}
	peer := v.(string)

	chunks := splitChunks(req, conf.ChunkSize)
	if len(chunks) == 0 {
		return nil
	}

	parent := context.Background()
	cancel := context.CancelFunc(func() {})
	if conf.TimeoutMs >= 0 {
		parent, cancel = context.WithTimeout(parent, time.Duration(conf.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	pollers := conf.Pollers
	if pollers <= 0 {
		pollers = 1
	}
	if pollers > len(chunks) {
		pollers = len(chunks)
	}

	work := make(chan chunk, len(chunks))
	for _, c := range chunks {
		work <- c
	}
	close(work)

	g, ctx := errgroup.WithContext(parent)
	for i := 0; i < pollers; i++ {
		g.Go(func() error {
			return b.runPoller(ctx, peer, req.Op, work)
		})
	}

	status := StatusSuccess
	if err := g.Wait(); err != nil {
		b.perf.errors.Add(1)
		status = classifyTransferError(err)
		b.logger.Error().
			Err(err).
			Str("op", req.Op.String()).
			Str("peer", peer).
			Str("status", status.String()).
			Msg("transfer failed")
	} else {
		total := uint64(0)
		for _, c := range chunks {
			total += uint64(c.n)
		}
		switch req.Op {
		case OpWrite:
			b.perf.writeOps.Add(1)
			b.perf.bytesOut.Add(total)
		case OpRead:
			b.perf.readOps.Add(1)
			b.perf.bytesIn.Add(total)
		}
	}

	return &syncOp{status: status}
}

// runPoller drains chunks over one connection to the peer.
func (b *utransBackend) runPoller(ctx context.Context, peer string, op Opcode, work <-chan chunk) error {
	conn, err := net.DialTimeout("tcp", peer, utransDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	hdr := make([]byte, 13)
	for c := range work {
		if err := ctx.Err(); err != nil {
			return err
		}

		binary.BigEndian.PutUint64(hdr[1:9], c.remote)
		binary.BigEndian.PutUint32(hdr[9:13], uint32(c.n))

		switch op {
		case OpWrite:
			hdr[0] = utransVerbWrite
			if _, err := conn.Write(hdr); err != nil {
				return err
			}
			if _, err := conn.Write(memSlice(c.local, c.n)); err != nil {
				return err
			}
			if err := readStatus(conn); err != nil {
				return err
			}

		case OpRead:
			hdr[0] = utransVerbRead
			if _, err := conn.Write(hdr); err != nil {
				return err
			}
			if err := readStatus(conn); err != nil {
				return err
			}
			if _, err := io.ReadFull(conn, memSlice(c.local, c.n)); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unsupported opcode %s", op)
		}
	}
	return nil
}

func readStatus(conn net.Conn) error {
	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return err
	}
	if status[0] != utransOK {
		return fmt.Errorf("%w: code %d", errRemoteRejected, status[0])
	}
	return nil
}

func classifyTransferError(err error) Status {
	switch {
	case errors.Is(err, errRemoteRejected):
		return StatusRemoteError
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return StatusTimeout
	default:
		return StatusNetworkError
	}
}

func (b *utransBackend) DumpPerf() {
	b.logger.Info().
		Uint64("write_ops", b.perf.writeOps.Load()).
		Uint64("read_ops", b.perf.readOps.Load()).
		Uint64("bytes_out", b.perf.bytesOut.Load()).
		Uint64("bytes_in", b.perf.bytesIn.Load()).
		Uint64("errors", b.perf.errors.Load()).
		Msg("utrans perf")
}

func (b *utransBackend) Clean() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.wg.Wait()
	b.logger.Info().Msg("utrans context cleaned")
}

// UnknownNuma marks a registration with no NUMA placement.
const UnknownNuma = -1

// deriveInstanceID produces a non-zero id unique enough to tell transport
// instances apart within a job.
func deriveInstanceID() uint64 {
	h := fnv.New64a()
	host, _ := os.Hostname()
	fmt.Fprintf(h, "%s|%d|%d", host, os.Getpid(), time.Now().UnixNano())
	id := h.Sum64()
	if id == InvalidInstanceID {
		id = 1
	}
	return id
}

// newBackendLogger builds the rotating file logger used for backend-internal
// and perf logs. An empty dir falls back to stderr.
func newBackendLogger(cfg LogConfig, component string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Dir != "" {
		name := cfg.Name
		if name == "" {
			name = component
		}
		maxMB := int(cfg.MaxFileSize / (1024 * 1024))
		if maxMB <= 0 {
			maxMB = 1024
		}
		// lumberjack counts rotated backups only; the active file is one more.
		backups := cfg.MaxFileCount
		if backups > 1 {
			backups--
		}
		w = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name+".log"),
			MaxSize:    maxMB,
			MaxBackups: backups,
		}
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}
