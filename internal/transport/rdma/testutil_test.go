package rdma

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmastream/internal/iobuf"
	"github.com/piwi3910/rdmastream/internal/memory"
)

// fakeSocket is an in-memory Socket. Bytes staged in `in` are what the
// endpoint reads during the handshake; `out` captures what it writes.
type fakeSocket struct {
	id        uint64
	remote    netip.Addr
	byConnect bool

	in  bytes.Buffer
	out bytes.Buffer
	eof bool

	readBuf iobuf.Buffer
	state   RDMAState
	wakes   int
	failed  error
}

func newFakeSocket(id uint64, remote string, byConnect bool) *fakeSocket {
	return &fakeSocket{
		id:        id,
		remote:    netip.MustParseAddr(remote),
		byConnect: byConnect,
	}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.in.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrAgain
	}
	return s.in.Read(p)
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *fakeSocket) ID() uint64                { return s.id }
func (s *fakeSocket) RemoteIP() netip.Addr      { return s.remote }
func (s *fakeSocket) ReadBuf() *iobuf.Buffer    { return &s.readBuf }
func (s *fakeSocket) RDMAState() RDMAState      { return s.state }
func (s *fakeSocket) SetRDMAState(st RDMAState) { s.state = st }
func (s *fakeSocket) WakeAsEpollOut()           { s.wakes++ }
func (s *fakeSocket) SetFailed(err error)       { s.failed = err }
func (s *fakeSocket) CreatedByConnect() bool    { return s.byConnect }

func testPool(t *testing.T) *memory.Pool {
	t.Helper()

	var nextKey uint32
	pool, err := memory.NewPool(
		memory.Config{RegionBlocks: 64, InitialRegions: 2, MaxRegions: 8, MaxSGE: 4},
		func(_ uintptr, _ int) (uint32, error) {
			nextKey++
			return nextKey, nil
		})
	require.NoError(t, err)
	return pool
}

// testConfig wires simulated collaborators around the given CM.
func testConfig(t *testing.T, sbuf, rbuf int, cm *SimCM) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SBufSize = sbuf
	cfg.RBufSize = rbuf
	cfg.ClusterPrefix = netip.MustParsePrefix("10.0.0.0/8")
	cfg.Pool = testPool(t)
	cfg.Dispatcher = NewSimDispatcher()
	cfg.CQProvider = NewSimCQProvider(false)
	if cm != nil {
		cfg.NewCM = func() (CM, error) { return cm, nil }
	}
	return cfg
}

type clientFixture struct {
	ep   *Endpoint
	sock *fakeSocket
	cm   *SimCM
	qp   *SimQP
	cfg  *Config
}

// sizeForSlots returns the byte budget that derives exactly n ring slots.
func sizeForSlots(n int) int {
	return (n - 1) * iobuf.BlockPayload
}

// establishClient drives a dialed endpoint through the whole client chain
// against a synchronous CM whose establishment carries resp.
func establishClient(t *testing.T, sbuf, rbuf int, resp ConnectResponse) *clientFixture {
	t.Helper()

	cm := NewSimCM()
	cm.SetConnData(resp.Marshal())
	cfg := testConfig(t, sbuf, rbuf, cm)

	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	require.NoError(t, ep.StartHandshake())
	require.Equal(t, StatusHelloC, ep.Status())
	require.Equal(t, HelloLength, sock.out.Len())

	var sid [SIDLength]byte
	binary.BigEndian.PutUint64(sid[:], 4242)
	sock.in.Write(sid[:])

	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusEstablished, ep.Status())
	require.NotNil(t, cm.QP)

	t.Cleanup(ep.Reset)
	return &clientFixture{ep: ep, sock: sock, cm: cm, qp: cm.QP, cfg: cfg}
}

// regBuf builds an application buffer backed by registered pool blocks.
func regBuf(t *testing.T, pool *memory.Pool, data []byte) *iobuf.Buffer {
	t.Helper()

	var buf iobuf.Buffer
	for len(data) > 0 {
		n := len(data)
		if n > iobuf.BlockPayload {
			n = iobuf.BlockPayload
		}
		blk, err := pool.AllocBlock()
		require.NoError(t, err)
		copy(blk.Data, data[:n])
		buf.AppendBlock(blk, n)
		data = data[n:]
	}
	return &buf
}
