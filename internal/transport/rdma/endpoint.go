// Package rdma layers a reliable, credit-based message stream on top of a
// verbs queue pair.
//
// An Endpoint is attached to an established byte socket and upgrades it to
// RDMA once both sides agree. The upgrade handshake runs out-of-band over
// the byte socket first, so ordinary TCP tooling keeps working and so the
// queue pair can be bound to the socket the rest of the process already
// knows. After the upgrade, application bytes are cut into scatter/gather
// send work requests with ACK credits piggy-backed in immediate data, and
// received blocks are handed to the socket's read buffer.
package rdma

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/piwi3910/rdmastream/internal/iobuf"
	"github.com/piwi3910/rdmastream/internal/memory"
)

// Status is the handshake FSM state. Client connections walk
// HelloC → AddrResolving → RouteResolving → Connecting → Established;
// server connections walk HelloS → Accepting → Established.
type Status int

const (
	StatusUninitialized Status = iota
	StatusHelloC
	StatusAddrResolving
	StatusRouteResolving
	StatusConnecting
	StatusHelloS
	StatusAccepting
	StatusEstablished
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusHelloC:
		return "hello_c"
	case StatusAddrResolving:
		return "addr_resolving"
	case StatusRouteResolving:
		return "route_resolving"
	case StatusConnecting:
		return "connecting"
	case StatusHelloS:
		return "hello_s"
	case StatusAccepting:
		return "accepting"
	case StatusEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Config holds the endpoint tunables and its external collaborators.
type Config struct {
	// SBufSize and RBufSize are the desired send/recv byte budgets. Ring
	// depths are derived by dividing by the block payload size, floored
	// at 16 slots.
	SBufSize int
	RBufSize int

	// RecvZerocopy hands received blocks to the read buffer by reference
	// instead of copying out of them.
	RecvZerocopy bool

	// UsercodeInPthread pins the shared-CQ completion consumer to a
	// dedicated OS thread.
	UsercodeInPthread bool

	// ClusterPrefix is the address range RDMA is attempted for. Dialed
	// sockets outside the prefix stay plain TCP. An invalid (zero)
	// prefix keeps every dialed socket on plain TCP; accepted sockets
	// are not checked against the prefix.
	ClusterPrefix netip.Prefix

	Pool       *memory.Pool
	Dispatcher Dispatcher
	CQProvider CQProvider

	// NewCM creates the client-side connection manager once the server's
	// socket identifier is known.
	NewCM func() (CM, error)
}

// DefaultConfig returns the default tunables with collaborators unset.
func DefaultConfig() *Config {
	return &Config{
		SBufSize:     1 << 20,
		RBufSize:     1 << 20,
		RecvZerocopy: true,
	}
}

// Endpoint is the per-connection RDMA state machine. One endpoint owns its
// queue pair and completion-queue subscription exclusively for the
// connection's lifetime; the device and registered memory stay global.
//
// Concurrency: Handshake, StartHandshake and CutFromBufferList are
// serialized by the socket's write-side exclusion. HandleCompletion, and
// the SendImm calls it makes, are serialized by the single completion
// consumer. Only windowSize and newRQWRs cross the two threads.
type Endpoint struct {
	sock Socket
	cfg  *Config

	cm CM
	cq *CompletionBinding
	qp QueuePair

	status Status

	sqSize int
	rqSize int

	localWindowCapacity  int
	remoteWindowCapacity int
	windowSize           atomic.Int32
	newRQWRs             atomic.Int32

	sbuf []iobuf.Buffer
	rbuf []iobuf.Buffer
	// rbufBlocks keeps the raw block behind each posted recv work request;
	// the block is not released until its work request completes.
	rbufBlocks []*memory.Block

	sqCurrent  int
	sqSent     int
	rqReceived int

	accumulatedAck int
	unsolicited    int
	sqUnsignaled   int

	remoteSID uint64
	nonce     [NonceLength]byte

	handshakeBuf iobuf.Buffer
	pipe         *notifyPipe

	completions  chan Completion
	consumerDone chan struct{}
}

// New builds an endpoint for sock. Heavy resources are not allocated until
// the handshake reaches the CM connect phase.
func New(sock Socket, cfg *Config) (*Endpoint, error) {
	if sock == nil {
		return nil, errors.New("rdma: nil socket")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Pool == nil {
		return nil, errors.New("rdma: nil memory pool")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("rdma: nil dispatcher")
	}
	if cfg.CQProvider == nil {
		return nil, errors.New("rdma: nil CQ provider")
	}

	e := &Endpoint{sock: sock, cfg: cfg}
	e.sqSize = cfg.SBufSize/iobuf.BlockPayload + 1
	e.rqSize = cfg.RBufSize/iobuf.BlockPayload + 1
	if e.sqSize < minQueueSize {
		e.sqSize = minQueueSize
	}
	if e.rqSize < minQueueSize {
		e.rqSize = minQueueSize
	}
	e.localWindowCapacity = e.sqSize
	e.remoteWindowCapacity = e.rqSize
	e.windowSize.Store(int32(e.sqSize))
	return e, nil
}

// Reset tears the endpoint down and rewinds every counter to its
// construction value. It is the sole cancellation primitive, safe to call
// from any state, and idempotent.
func (e *Endpoint) Reset() {
	if e.pipe != nil {
		e.pipe.close()
		e.pipe = nil
	}

	e.deallocateResources()

	e.status = StatusUninitialized
	e.handshakeBuf.Clear()
	e.accumulatedAck = 0
	e.unsolicited = 0
	e.sqCurrent = 0
	e.sqUnsignaled = 0
	e.sqSent = 0
	e.rqReceived = 0
	e.localWindowCapacity = e.sqSize
	e.remoteWindowCapacity = e.rqSize
	e.windowSize.Store(int32(e.sqSize))
	e.newRQWRs.Store(0)
	e.remoteSID = 0
}

// Status returns the current FSM state.
func (e *Endpoint) Status() Status {
	return e.status
}

// IsWritable reports whether the credit window permits another send.
func (e *Endpoint) IsWritable() bool {
	return e.windowSize.Load() > 0
}

// WindowSize returns the credits currently available to the send path.
func (e *Endpoint) WindowSize() int {
	return int(e.windowSize.Load())
}

// LocalWindowCapacity returns the negotiated bound on outstanding sends.
func (e *Endpoint) LocalWindowCapacity() int {
	return e.localWindowCapacity
}

// RemoteWindowCapacity returns the peer's advertised capacity, which drives
// pure-ACK emission.
func (e *Endpoint) RemoteWindowCapacity() int {
	return e.remoteWindowCapacity
}

// SQSize returns the send ring depth.
func (e *Endpoint) SQSize() int {
	return e.sqSize
}

// RQSize returns the receive ring depth.
func (e *Endpoint) RQSize() int {
	return e.rqSize
}

// writeFull writes all of p to the socket. The handshake payloads are a few
// bytes at the very start of a connection, so in practice a single write
// suffices; transient try-again results are retried in place.
func writeFull(sock Socket, p []byte) error {
	for len(p) > 0 {
		n, err := sock.Write(p)
		if err != nil && !errors.Is(err, ErrAgain) {
			return fmt.Errorf("handshake write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func protocolErr(status Status, event CMEvent) error {
	return fmt.Errorf("%w: state %s got event %s", ErrProtocol, status, event)
}
