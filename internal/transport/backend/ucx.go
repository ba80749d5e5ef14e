package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// The ucx backend speaks its own framed protocol: every request starts with
// a magic word so a ucx endpoint never mistakes a utrans peer for one of its
// own. Unlike utrans it keeps one persistent endpoint connection per peer
// (worker-per-endpoint, in UCX terms) and progresses chunks sequentially on
// it instead of fanning out pollers.
const ucxMagic uint16 = 0x55C1

const (
	ucxOpQueryID uint8 = iota + 1
	ucxOpPut
	ucxOpGet
)

const (
	ucxStatusOK uint8 = iota
	ucxStatusBadRegion
	ucxStatusBadFrame
)

const ucxDialTimeout = 5 * time.Second

// ucxBackend is the alternative Backend implementation selected with
// `backend: ucx`.
type ucxBackend struct {
	cfg    *Config
	logger zerolog.Logger
	instID uint64

	regions *regionTable

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool

	// endpoints maps instance ids to live worker connections.
	epMu      sync.Mutex
	endpoints map[uint64]*ucxEndpoint

	ops    atomic.Uint64
	bytes  atomic.Uint64
	faults atomic.Uint64
}

// ucxEndpoint is a persistent connection to one peer. Requests on an
// endpoint are serialized; concurrency comes from distinct peers.
type ucxEndpoint struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
}

func newUCXBackend() *ucxBackend {
	return &ucxBackend{
		regions:   newRegionTable(),
		endpoints: make(map[uint64]*ucxEndpoint),
	}
}

func (b *ucxBackend) Setup(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrSetupFailed)
	}
	b.cfg = cfg
	b.logger = newBackendLogger(cfg.Log, "ucx")
	b.instID = deriveInstanceID()
	b.logger.Info().Uint64("instance_id", b.instID).Msg("ucx context created")
	return nil
}

func (b *ucxBackend) InstanceID() uint64 { return b.instID }

func (b *ucxBackend) MutableConfig() *Config { return b.cfg }

func (b *ucxBackend) SetupRPCServer() error {
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
	go func() {
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
	}()

	b.logger.Info().Int("port", b.cfg.RPCListenPort).Msg("ucx rpc server listening")
	return nil
}

// Frame layout: magic u16, op u8, addr u64, len u32 (+ payload for PUT).
const ucxHeaderLen = 2 + 1 + 8 + 4

func (b *ucxBackend) serveConn(conn net.Conn) {
	defer conn.Close()

	hdr := make([]byte, ucxHeaderLen)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		if binary.BigEndian.Uint16(hdr[0:2]) != ucxMagic {
			_, _ = conn.Write([]byte{ucxStatusBadFrame})
			return
		}
		op := hdr[2]
		addr := binary.BigEndian.Uint64(hdr[3:11])
		length := int(binary.BigEndian.Uint32(hdr[11:15]))

		switch op {
		case ucxOpQueryID:
			resp := make([]byte, 9)
			resp[0] = ucxStatusOK
			binary.BigEndian.PutUint64(resp[1:], b.instID)
			if _, err := conn.Write(resp); err != nil {
				return
			}

		case ucxOpPut:
			if b.regions.covering(uintptr(addr), length) == nil {
				if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
					return
				}
				b.faults.Add(1)
				if _, err := conn.Write([]byte{ucxStatusBadRegion}); err != nil {
					return
				}
				continue
			}
			if _, err := io.ReadFull(conn, memSlice(uintptr(addr), length)); err != nil {
				return
			}
			if _, err := conn.Write([]byte{ucxStatusOK}); err != nil {
				return
			}

		case ucxOpGet:
			if b.regions.covering(uintptr(addr), length) == nil {
				b.faults.Add(1)
				if _, err := conn.Write([]byte{ucxStatusBadRegion}); err != nil {
					return
				}
				continue
			}
			if _, err := conn.Write([]byte{ucxStatusOK}); err != nil {
				return
			}
			if _, err := conn.Write(memSlice(uintptr(addr), length)); err != nil {
				return
			}

		default:
			_, _ = conn.Write([]byte{ucxStatusBadFrame})
			return
		}
	}
}

func (b *ucxBackend) QueryInstanceID(host string, port int) (uint64, error) {
	if b.cfg == nil {
		return InvalidInstanceID, ErrNotReady
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, ucxDialTimeout)
	if err != nil {
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, err)
	}

	ep := &ucxEndpoint{addr: addr, conn: conn}
	id, err := ep.roundTrip(ucxOpQueryID, 0, nil, nil, time.Now().Add(ucxDialTimeout))
	if err != nil {
		conn.Close()
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, err)
	}
	if id == InvalidInstanceID {
		conn.Close()
		return InvalidInstanceID, fmt.Errorf("query instance id %s: %w", addr, ErrUnknownInstance)
	}

	// Keep the connection as this peer's worker endpoint.
	b.epMu.Lock()
	if old, ok := b.endpoints[id]; ok && old.conn != nil {
		old.conn.Close()
	}
	b.endpoints[id] = ep
	b.epMu.Unlock()

	return id, nil
}

// roundTrip performs one framed request on the endpoint. For QueryID the
// returned value is the peer id; for PUT/GET it is zero.
func (ep *ucxEndpoint) roundTrip(op uint8, remote uint64, out []byte, in []byte, deadline time.Time) (uint64, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.conn == nil {
		conn, err := net.DialTimeout("tcp", ep.addr, ucxDialTimeout)
		if err != nil {
			return 0, err
		}
		ep.conn = conn
	}
	if deadline.IsZero() {
		_ = ep.conn.SetDeadline(time.Time{})
	} else {
		_ = ep.conn.SetDeadline(deadline)
	}

	length := len(out)
	if op == ucxOpGet {
		length = len(in)
	}

	hdr := make([]byte, ucxHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], ucxMagic)
	hdr[2] = op
	binary.BigEndian.PutUint64(hdr[3:11], remote)
	binary.BigEndian.PutUint32(hdr[11:15], uint32(length))

	fail := func(err error) (uint64, error) {
		ep.conn.Close()
		ep.conn = nil
		return 0, err
	}

	if _, err := ep.conn.Write(hdr); err != nil {
		return fail(err)
	}
	if op == ucxOpPut {
		if _, err := ep.conn.Write(out); err != nil {
			return fail(err)
		}
	}

	var status [1]byte
	if _, err := io.ReadFull(ep.conn, status[:]); err != nil {
		return fail(err)
	}
	if status[0] != ucxStatusOK {
		return 0, fmt.Errorf("%w: code %d", errRemoteRejected, status[0])
	}

	switch op {
	case ucxOpQueryID:
		var idBuf [8]byte
		if _, err := io.ReadFull(ep.conn, idBuf[:]); err != nil {
			return fail(err)
		}
		return binary.BigEndian.Uint64(idBuf[:]), nil
	case ucxOpGet:
		if _, err := io.ReadFull(ep.conn, in); err != nil {
			return fail(err)
		}
	}
	return 0, nil
}

func (b *ucxBackend) RegisterRAM(addr uintptr, length, numaNode int) (*MemRegion, error) {
	return b.register(&MemRegion{Addr: addr, Len: length, Type: MemRAM, Numa: numaNode, GPU: -1})
}

func (b *ucxBackend) RegisterVRAM(addr uintptr, length, gpuID int) (*MemRegion, error) {
	return b.register(&MemRegion{Addr: addr, Len: length, Type: MemVRAM, Numa: UnknownNuma, GPU: gpuID})
}

func (b *ucxBackend) register(r *MemRegion) (*MemRegion, error) {
	if b.cfg == nil {
		return nil, ErrNotReady
	}
	if r.Addr == 0 || r.Len <= 0 {
		return nil, fmt.Errorf("%w: addr=%#x len=%d", ErrRegistration, r.Addr, r.Len)
	}
	if !b.regions.add(r) {
		return nil, fmt.Errorf("%w: region %#x already registered", ErrRegistration, r.Addr)
	}
	return r, nil
}

func (b *ucxBackend) Deregister(addr uintptr, length int) bool {
	return b.regions.remove(addr, length)
}

func (b *ucxBackend) ExecTransfer(req *TransferRequest, conf *TransferConfig) Op {
	if b.cfg == nil || req == nil || len(req.Local) == 0 {
		return nil
	}

	b.epMu.Lock()
	ep, ok := b.endpoints[req.InstanceID]
	b.epMu.Unlock()
	if !ok {
		b.logger.Error().Uint64("instance_id", req.InstanceID).Msg("transfer to unresolved instance")
		return nil
	}

	var deadline time.Time
	if conf.TimeoutMs >= 0 {
		deadline = time.Now().Add(time.Duration(conf.TimeoutMs) * time.Millisecond)
	}

	status := StatusSuccess
	total := 0
	for _, c := range splitChunks(req, conf.ChunkSize) {
		var err error
		switch req.Op {
		case OpWrite:
			_, err = ep.roundTrip(ucxOpPut, c.remote, memSlice(c.local, c.n), nil, deadline)
		case OpRead:
			_, err = ep.roundTrip(ucxOpGet, c.remote, nil, memSlice(c.local, c.n), deadline)
		default:
			err = fmt.Errorf("unsupported opcode %s", req.Op)
		}
		if err != nil {
			b.faults.Add(1)
			status = classifyTransferError(err)
			b.logger.Error().
				Err(err).
				Str("op", req.Op.String()).
				Str("peer", ep.addr).
				Str("status", status.String()).
				Msg("transfer failed")
			break
		}
		total += c.n
	}

	if status == StatusSuccess {
		b.ops.Add(1)
		b.bytes.Add(uint64(total))
	}
	return &syncOp{status: status}
}

func (b *ucxBackend) DumpPerf() {
	b.logger.Info().
		Uint64("ops", b.ops.Load()).
		Uint64("bytes", b.bytes.Load()).
		Uint64("faults", b.faults.Load()).
		Msg("ucx perf")
}

func (b *ucxBackend) Clean() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.epMu.Lock()
	for _, ep := range b.endpoints {
		ep.mu.Lock()
		if ep.conn != nil {
			ep.conn.Close()
			ep.conn = nil
		}
		ep.mu.Unlock()
	}
	b.endpoints = make(map[uint64]*ucxEndpoint)
	b.epMu.Unlock()
	b.wg.Wait()
	b.logger.Info().Msg("ucx context cleaned")
}
