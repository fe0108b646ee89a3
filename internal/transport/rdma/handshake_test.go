package rdma

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerFallbackOnMagicMismatch(t *testing.T) {
	cfg := testConfig(t, 1, 1, nil)
	sock := newFakeSocket(55, "10.0.0.3", false)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	payload := []byte("HTTP GET /index.html")
	require.Len(t, payload, HelloLength)
	sock.in.Write(payload)

	n, err := ep.Handshake()
	require.NoError(t, err)
	assert.Equal(t, HelloLength, n)

	// Byte-for-byte the same bytes are delivered upward.
	assert.Equal(t, payload, sock.readBuf.Bytes())
	assert.Equal(t, RDMAOff, sock.state)
	assert.Equal(t, StatusUninitialized, ep.Status())
}

func TestServerHandshakePartialHello(t *testing.T) {
	cfg := testConfig(t, 1, 1, nil)
	sock := newFakeSocket(55, "10.0.0.3", false)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	// Only half the hello has arrived; the tick re-arms and the next one
	// picks up the rest.
	hello := append([]byte(Magic), []byte("0123456789abcdef")...)
	sock.in.Write(hello[:10])

	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	assert.Equal(t, StatusUninitialized, ep.Status())

	sock.in.Write(hello[10:])
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	assert.Equal(t, StatusHelloS, ep.Status())
}

func TestServerHandshakeFullChain(t *testing.T) {
	clientSQ, clientRQ := 64, 64

	cfg := testConfig(t, sizeForSlots(32), sizeForSlots(16), nil)
	sock := newFakeSocket(77, "10.0.0.3", false)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	table := NewEndpointTable()
	table.Register(ep)

	nonce := []byte("0123456789abcdef")
	sock.in.Write([]byte(Magic))
	sock.in.Write(nonce)

	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusHelloS, ep.Status())

	// The server replied with its socket identifier.
	require.Equal(t, SIDLength, sock.out.Len())
	assert.Equal(t, uint64(77), binary.BigEndian.Uint64(sock.out.Bytes()))

	// The listener matches the CM request to this endpoint.
	req := ConnectRequest{SID: 77, RQSize: uint32(clientRQ), SQSize: uint32(clientSQ)}
	copy(req.Nonce[:], nonce)
	cm := NewSimCM()
	require.NoError(t, InitializeFromAccept(table, cm, req.Marshal()))

	// The client's larger depths leave the server's windows at its own
	// ring sizes (min of local and peer).
	assert.Equal(t, 32, ep.LocalWindowCapacity())
	assert.Equal(t, 32, ep.WindowSize())
	assert.Equal(t, 16, ep.RemoteWindowCapacity())

	// The pipe byte drives HELLO_S -> ACCEPTING, and the synchronous
	// accept cascades straight into ESTABLISHED.
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	assert.Equal(t, StatusEstablished, ep.Status())
	assert.Equal(t, RDMAOn, sock.state)

	// Accept private data carried the server's ring depths.
	var res ConnectResponse
	require.NoError(t, res.Unmarshal(cm.AcceptPriv))
	assert.Equal(t, uint32(16), res.RQSize)
	assert.Equal(t, uint32(32), res.SQSize)

	// All recv slots were pre-posted.
	assert.Equal(t, 16+ReservedWRNum, cm.QP.RecvCount())

	// Only DISCONNECT is legal now.
	cm.PushEvent(CMEventDisconnect)
	_, err = ep.Handshake()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerRejectsUnexpectedEvent(t *testing.T) {
	cfg := testConfig(t, 1, 1, nil)
	sock := newFakeSocket(55, "10.0.0.3", false)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	hello := append([]byte(Magic), []byte("0123456789abcdef")...)
	sock.in.Write(hello)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)

	// HELLO_S must only advance on the accept pipe byte; stray socket
	// bytes are a protocol violation.
	sock.in.Write([]byte("garbage-that-fills-20"))
	_, err = ep.Handshake()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestClientFallbackOnZeroSID(t *testing.T) {
	cm := NewSimCM()
	cfg := testConfig(t, 1, 1, cm)
	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	require.NoError(t, ep.StartHandshake())

	sock.in.Write(make([]byte, SIDLength))
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)

	assert.Equal(t, RDMAOff, sock.state)
	assert.Equal(t, 1, sock.wakes)
	// No CM was ever created.
	assert.Nil(t, cm.QP)
}

func TestClientAdmissionOutsideCluster(t *testing.T) {
	cfg := testConfig(t, 1, 1, nil)
	sock := newFakeSocket(1001, "192.168.1.5", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	require.NoError(t, ep.StartHandshake())
	assert.Equal(t, RDMAOff, sock.state)
	assert.Equal(t, StatusUninitialized, ep.Status())
	// No hello was written.
	assert.Zero(t, sock.out.Len())
}

func TestClientHandshakeSynchronousChain(t *testing.T) {
	fix := establishClient(t, sizeForSlots(64), sizeForSlots(64),
		ConnectResponse{RQSize: 16, SQSize: 32})

	// The hello led with the magic.
	hello := fix.sock.out.Bytes()[:HelloLength]
	assert.Equal(t, Magic, string(hello[:MagicLength]))

	// Window shrink: never more in flight than the peer can receive.
	assert.Equal(t, 16, fix.ep.LocalWindowCapacity())
	assert.Equal(t, 16, fix.ep.WindowSize())
	assert.Equal(t, 32, fix.ep.RemoteWindowCapacity())
	assert.Equal(t, RDMAOn, fix.sock.state)
	assert.Equal(t, 1, fix.sock.wakes)

	// The connect private data bound the CM request to the hello.
	var req ConnectRequest
	require.NoError(t, req.Unmarshal(fix.cm.ConnectPriv))
	assert.Equal(t, uint64(4242), req.SID)
	assert.Equal(t, hello[MagicLength:HelloLength], req.Nonce[:])
	assert.Equal(t, uint32(64), req.RQSize)
	assert.Equal(t, uint32(64), req.SQSize)
}

func TestClientHandshakeEventDriven(t *testing.T) {
	cm := NewSimCM()
	cm.Async = true
	cm.SetConnData((&ConnectResponse{RQSize: 64, SQSize: 64}).Marshal())
	cfg := testConfig(t, sizeForSlots(64), sizeForSlots(64), cm)

	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	require.NoError(t, ep.StartHandshake())

	var sid [SIDLength]byte
	binary.BigEndian.PutUint64(sid[:], 9)
	sock.in.Write(sid[:])

	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusAddrResolving, ep.Status())

	cm.PushEvent(CMEventAddrResolved)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusRouteResolving, ep.Status())

	cm.PushEvent(CMEventRouteResolved)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusConnecting, ep.Status())

	cm.PushEvent(CMEventEstablished)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusEstablished, ep.Status())

	// Peer matched our depths: no shrink.
	assert.Equal(t, 64, ep.LocalWindowCapacity())
	assert.Equal(t, 64, ep.RemoteWindowCapacity())
}

func TestClientHandshakeStaleEventFails(t *testing.T) {
	cm := NewSimCM()
	cm.Async = true
	cfg := testConfig(t, 1, 1, cm)

	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	require.NoError(t, ep.StartHandshake())

	var sid [SIDLength]byte
	binary.BigEndian.PutUint64(sid[:], 9)
	sock.in.Write(sid[:])
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusAddrResolving, ep.Status())

	// ROUTE_RESOLVED while waiting for ADDR_RESOLVED.
	cm.PushEvent(CMEventRouteResolved)
	_, err = ep.Handshake()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestHandshakeCMErrorEvent(t *testing.T) {
	cm := NewSimCM()
	cm.Async = true
	cfg := testConfig(t, 1, 1, cm)

	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	require.NoError(t, ep.StartHandshake())
	var sid [SIDLength]byte
	binary.BigEndian.PutUint64(sid[:], 9)
	sock.in.Write(sid[:])
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)

	cm.PushEvent(CMEventError)
	_, err = ep.Handshake()
	assert.ErrorIs(t, err, ErrCM)
}

func TestHandshakePeerClosed(t *testing.T) {
	cfg := testConfig(t, 1, 1, nil)
	sock := newFakeSocket(55, "10.0.0.3", false)
	ep, err := New(sock, cfg)
	require.NoError(t, err)

	sock.eof = true
	_, err = ep.Handshake()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientDisconnectReportsEOF(t *testing.T) {
	fix := establishClient(t, sizeForSlots(16), sizeForSlots(16),
		ConnectResponse{RQSize: 16, SQSize: 16})

	fix.cm.PushEvent(CMEventDisconnect)
	_, err := fix.ep.Handshake()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCompleteHandshakeDrainsLateEstablished(t *testing.T) {
	cm := NewSimCM()
	cm.Async = true
	cm.SetConnData((&ConnectResponse{RQSize: 64, SQSize: 64}).Marshal())
	cfg := testConfig(t, 1, 1, cm)

	sock := newFakeSocket(1001, "10.0.0.2", true)
	ep, err := New(sock, cfg)
	require.NoError(t, err)
	t.Cleanup(ep.Reset)

	require.NoError(t, ep.StartHandshake())
	var sid [SIDLength]byte
	binary.BigEndian.PutUint64(sid[:], 9)
	sock.in.Write(sid[:])
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	cm.PushEvent(CMEventAddrResolved)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	cm.PushEvent(CMEventRouteResolved)
	_, err = ep.Handshake()
	require.ErrorIs(t, err, ErrAgain)
	require.Equal(t, StatusConnecting, ep.Status())

	// Establishment observed outside the regular tick.
	cm.PushEvent(CMEventEstablished)
	_, err = ep.CompleteHandshake()
	require.ErrorIs(t, err, ErrAgain)
	assert.Equal(t, StatusEstablished, ep.Status())

	// Nothing pending is just a retry.
	_, err = ep.CompleteHandshake()
	assert.ErrorIs(t, err, ErrAgain)
}
