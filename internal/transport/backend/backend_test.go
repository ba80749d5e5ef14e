package backend

import (
	"net"
	"strconv"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// startBackend sets up a backend with an ephemeral control port on loopback.
func startBackend(t *testing.T, name string) Backend {
	t.Helper()

	b, err := Open(name)
	require.NoError(t, err)

	cfg := &Config{
		Log:        LogConfig{Dir: t.TempDir(), Name: name, MaxFileSize: 1 << 20, MaxFileCount: 2},
		RDMA:       RDMAConfig{NumPollers: 4},
		ListenHost: "127.0.0.1",
	}
	require.NoError(t, b.Setup(cfg))
	require.NoError(t, b.SetupRPCServer())
	require.Greater(t, cfg.RPCListenPort, 0, "bound port written back into config")

	t.Cleanup(b.Clean)
	return b
}

func backendNames() []string {
	return []string{NameUtrans, NameUCX}
}

func TestOpenSelector(t *testing.T) {
	for _, name := range []string{"", NameUtrans, NameUCX} {
		b, err := Open(name)
		require.NoError(t, err, name)
		require.NotNil(t, b)
	}

	_, err := Open("verbs")
	assert.Error(t, err)
}

func TestInstanceIDNonZero(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			b := startBackend(t, name)
			assert.NotEqual(t, InvalidInstanceID, b.InstanceID())
		})
	}
}

func TestQueryInstanceID(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)
			b := startBackend(t, name)

			id, err := a.QueryInstanceID("127.0.0.1", b.MutableConfig().RPCListenPort)
			require.NoError(t, err)
			assert.Equal(t, b.InstanceID(), id)
		})
	}
}

func TestQueryInstanceIDRefused(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)

			// Find a port that is not listening.
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			port := ln.Addr().(*net.TCPAddr).Port
			require.NoError(t, ln.Close())

			_, err = a.QueryInstanceID("127.0.0.1", port)
			assert.Error(t, err)
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)
			b := startBackend(t, name)

			remote := make([]byte, 4096)
			_, err := b.RegisterRAM(bufAddr(remote), len(remote), 0)
			require.NoError(t, err)

			id, err := a.QueryInstanceID("127.0.0.1", b.MutableConfig().RPCListenPort)
			require.NoError(t, err)

			src := make([]byte, 4096)
			for i := range src {
				src[i] = byte(i % 251)
			}

			op := a.ExecTransfer(&TransferRequest{
				InstanceID: id,
				Op:         OpWrite,
				RemoteAddr: uint64(bufAddr(remote)),
				Local:      []Segment{{Addr: bufAddr(src), Len: uint32(len(src))}},
			}, &TransferConfig{Pollers: 4, ChunkSize: 512, TimeoutMs: 5000})
			require.NotNil(t, op)
			assert.Equal(t, StatusSuccess, op.Result())
			op.Release()
			assert.Equal(t, src, remote)

			// Mutate the remote side and pull it back.
			for i := range remote {
				remote[i] ^= 0xFF
			}
			dst := make([]byte, 4096)
			op = a.ExecTransfer(&TransferRequest{
				InstanceID: id,
				Op:         OpRead,
				RemoteAddr: uint64(bufAddr(remote)),
				Local:      []Segment{{Addr: bufAddr(dst), Len: uint32(len(dst))}},
			}, &TransferConfig{Pollers: 4, ChunkSize: 512, TimeoutMs: 5000})
			require.NotNil(t, op)
			assert.Equal(t, StatusSuccess, op.Result())
			op.Release()
			assert.Equal(t, remote, dst)
		})
	}
}

func TestWriteSubRange(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)
			b := startBackend(t, name)

			remote := make([]byte, 1024)
			_, err := b.RegisterRAM(bufAddr(remote), len(remote), -1)
			require.NoError(t, err)

			id, err := a.QueryInstanceID("127.0.0.1", b.MutableConfig().RPCListenPort)
			require.NoError(t, err)

			src := []byte("tensor shard")
			op := a.ExecTransfer(&TransferRequest{
				InstanceID: id,
				Op:         OpWrite,
				RemoteAddr: uint64(bufAddr(remote)) + 100,
				Local:      []Segment{{Addr: bufAddr(src), Len: uint32(len(src))}},
			}, &TransferConfig{Pollers: 1, ChunkSize: 1 << 20, TimeoutMs: 5000})
			require.NotNil(t, op)
			assert.Equal(t, StatusSuccess, op.Result())
			op.Release()
			assert.Equal(t, src, remote[100:100+len(src)])
		})
	}
}

func TestWriteUnregisteredRegionFails(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)
			b := startBackend(t, name)

			id, err := a.QueryInstanceID("127.0.0.1", b.MutableConfig().RPCListenPort)
			require.NoError(t, err)

			src := make([]byte, 64)
			op := a.ExecTransfer(&TransferRequest{
				InstanceID: id,
				Op:         OpWrite,
				RemoteAddr: 0xdeadbeef,
				Local:      []Segment{{Addr: bufAddr(src), Len: uint32(len(src))}},
			}, &TransferConfig{Pollers: 1, ChunkSize: 1 << 20, TimeoutMs: 5000})
			require.NotNil(t, op)
			assert.Equal(t, StatusRemoteError, op.Result())
			op.Release()
		})
	}
}

func TestExecTransferUnresolvedInstance(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			a := startBackend(t, name)

			src := make([]byte, 16)
			op := a.ExecTransfer(&TransferRequest{
				InstanceID: 12345,
				Op:         OpWrite,
				RemoteAddr: 1,
				Local:      []Segment{{Addr: bufAddr(src), Len: 16}},
			}, &TransferConfig{Pollers: 1, ChunkSize: 1 << 20, TimeoutMs: 1000})
			assert.Nil(t, op)
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			b := startBackend(t, name)

			buf := make([]byte, 128)
			mr, err := b.RegisterRAM(bufAddr(buf), len(buf), 1)
			require.NoError(t, err)
			assert.Equal(t, MemRAM, mr.Type)
			assert.Equal(t, 1, mr.Numa)

			// Double registration of the same base address fails.
			_, err = b.RegisterRAM(bufAddr(buf), len(buf), 1)
			assert.ErrorIs(t, err, ErrRegistration)

			// Null address and non-positive lengths fail.
			_, err = b.RegisterRAM(0, 128, 1)
			assert.ErrorIs(t, err, ErrRegistration)
			_, err = b.RegisterRAM(bufAddr(buf), 0, 1)
			assert.ErrorIs(t, err, ErrRegistration)
		})
	}
}

func TestRegisterVRAMRecordsGPU(t *testing.T) {
	b := startBackend(t, NameUtrans)

	buf := make([]byte, 256)
	mr, err := b.RegisterVRAM(bufAddr(buf), len(buf), 3)
	require.NoError(t, err)
	assert.Equal(t, MemVRAM, mr.Type)
	assert.Equal(t, 3, mr.GPU)
	assert.Equal(t, UnknownNuma, mr.Numa)
}

func TestDeregister(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			b := startBackend(t, name)

			buf := make([]byte, 128)
			_, err := b.RegisterRAM(bufAddr(buf), len(buf), 0)
			require.NoError(t, err)

			assert.True(t, b.Deregister(bufAddr(buf), len(buf)))
			assert.False(t, b.Deregister(bufAddr(buf), len(buf)))

			// Never registered.
			assert.False(t, b.Deregister(0x1000, 128))
		})
	}
}

func TestBindConflict(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			taken := ln.Addr().(*net.TCPAddr).Port

			b, err := Open(name)
			require.NoError(t, err)
			cfg := &Config{ListenHost: "127.0.0.1", RPCListenPort: taken}
			require.NoError(t, b.Setup(cfg))

			err = b.SetupRPCServer()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBindFailed)
			b.Clean()
		})
	}
}

func TestCleanIdempotent(t *testing.T) {
	b := startBackend(t, NameUtrans)
	b.Clean()
	b.Clean()
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name      string
		segLen    uint32
		chunkSize int
		wantCount int
		wantLast  int
	}{
		{name: "exact multiple", segLen: 4096, chunkSize: 1024, wantCount: 4, wantLast: 1024},
		{name: "remainder", segLen: 4100, chunkSize: 1024, wantCount: 5, wantLast: 4},
		{name: "single chunk", segLen: 100, chunkSize: 1024, wantCount: 1, wantLast: 100},
		{name: "default chunk size", segLen: 2 << 20, chunkSize: 0, wantCount: 2, wantLast: 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &TransferRequest{
				RemoteAddr: 0x1000,
				Local:      []Segment{{Addr: 0x2000, Len: tt.segLen}},
			}
			chunks := splitChunks(req, tt.chunkSize)
			require.Len(t, chunks, tt.wantCount)
			assert.Equal(t, tt.wantLast, chunks[len(chunks)-1].n)

			// Remote offsets are contiguous from the base address.
			next := uint64(0x1000)
			total := 0
			for _, c := range chunks {
				assert.Equal(t, next, c.remote)
				next += uint64(c.n)
				total += c.n
			}
			assert.Equal(t, int(tt.segLen), total)
		})
	}
}

func TestRegionTableCovering(t *testing.T) {
	tbl := newRegionTable()
	require.True(t, tbl.add(&MemRegion{Addr: 0x1000, Len: 0x100}))

	assert.NotNil(t, tbl.covering(0x1000, 0x100))
	assert.NotNil(t, tbl.covering(0x1080, 0x80))
	assert.Nil(t, tbl.covering(0x1080, 0x81))
	assert.Nil(t, tbl.covering(0x0fff, 1))
	assert.Nil(t, tbl.covering(0x2000, 1))
}

func TestBackendsDoNotInterop(t *testing.T) {
	// A ucx endpoint must reject a utrans-framed query rather than answer it.
	u := startBackend(t, NameUCX)
	a := startBackend(t, NameUtrans)

	_, err := a.QueryInstanceID("127.0.0.1", u.MutableConfig().RPCListenPort)
	assert.Error(t, err)
}

func TestEphemeralPortRecorded(t *testing.T) {
	b := startBackend(t, NameUtrans)
	port := b.MutableConfig().RPCListenPort
	assert.Greater(t, port, 0)
	_ = strconv.Itoa(port)
}
