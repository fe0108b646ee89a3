package rdma

import (
	"net/netip"
	"sync"
)

// CMEvent is a connection-manager event drained from the CM's event queue.
type CMEvent int

const (
	CMEventNone CMEvent = iota
	CMEventAddrResolved
	CMEventRouteResolved
	CMEventAccept
	CMEventEstablished
	CMEventDisconnect
	CMEventError
	CMEventOther
)

func (e CMEvent) String() string {
	switch e {
	case CMEventNone:
		return "none"
	case CMEventAddrResolved:
		return "addr_resolved"
	case CMEventRouteResolved:
		return "route_resolved"
	case CMEventAccept:
		return "accept"
	case CMEventEstablished:
		return "established"
	case CMEventDisconnect:
		return "disconnect"
	case CMEventError:
		return "error"
	default:
		return "other"
	}
}

// WROpcode selects the verb for a send work request.
type WROpcode int

const (
	// OpSendWithImm carries payload plus ACK credits in immediate data.
	OpSendWithImm WROpcode = iota
	// OpWriteWithImm carries only ACK credits; used for pure ACKs.
	OpWriteWithImm
)

// Work-request flags.
const (
	// WRFlagSignaled requests a local completion for this work request.
	WRFlagSignaled = 1 << iota
	// WRFlagSolicited requests a peer wakeup on delivery.
	WRFlagSolicited
	// WRFlagInline embeds the payload in the work request itself.
	WRFlagInline
)

// SGE is one scatter/gather entry: an address, a length, and the key of the
// registered region covering the address.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR is a send work request.
type SendWR struct {
	WRID   uint64
	SGList []SGE
	Opcode WROpcode
	Flags  int
	Imm    uint32
}

// RecvWR is a receive work request backed by exactly one block.
type RecvWR struct {
	WRID uint64
	SGE  SGE
}

// QueuePair is the endpoint's exclusive handle on a verbs queue pair.
type QueuePair interface {
	PostSend(wr *SendWR) error
	PostRecv(wr *RecvWR) error
	Destroy() error
}

// CQHandle is an opaque completion-queue handle owned by the device layer.
type CQHandle uintptr

// CM wraps one rdmacm identifier. Calls that may need to wait for the event
// channel return ErrAgain; the matching event arrives through GetCMEvent.
type CM interface {
	// GetFD returns the event-channel file descriptor for dispatcher
	// subscription.
	GetFD() int

	ResolveAddr(addr netip.Addr) error
	ResolveRoute() error

	// Connect starts the CM connection carrying priv as private data.
	Connect(priv []byte) error

	// Accept answers an incoming CM request carrying priv as private data.
	Accept(priv []byte) error

	// GetCMEvent drains one event, or CMEventNone.
	GetCMEvent() CMEvent

	// GetConnData returns the private data of the most recent
	// establishment event, or nil.
	GetConnData() []byte

	// CreateQP builds the queue pair bound to cq with the given ring
	// depths. userID tags completions with the owning socket.
	CreateQP(sqDepth, rqDepth int, cq CQHandle, userID uint64) (QueuePair, error)

	Close() error
}

// SimCM is an in-memory CM for development and tests. Event delivery is
// driven by the test through PushEvent; CM calls either complete
// synchronously or report ErrAgain according to the configured mode.
type SimCM struct {
	mu sync.Mutex

	fd     int
	events []CMEvent

	// Async makes ResolveAddr/ResolveRoute/Connect/Accept return ErrAgain
	// so state advances only through pushed events.
	Async bool

	// Fail makes every CM call return ErrCM.
	Fail bool

	ConnectPriv []byte
	AcceptPriv  []byte
	connData    []byte

	ResolvedAddr netip.Addr
	RouteDone    bool

	QP     *SimQP
	closed bool
}

var simFDCounter = func() func() int {
	var mu sync.Mutex
	next := 1000
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	}
}()

// NewSimCM returns a simulated CM with a unique pseudo fd.
func NewSimCM() *SimCM {
	return &SimCM{fd: simFDCounter()}
}

// PushEvent queues an event for the next GetCMEvent.
func (c *SimCM) PushEvent(e CMEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// SetConnData installs the private data returned by GetConnData.
func (c *SimCM) SetConnData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connData = data
}

func (c *SimCM) GetFD() int {
	return c.fd
}

func (c *SimCM) ResolveAddr(addr netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return ErrCM
	}
	c.ResolvedAddr = addr
	if c.Async {
		return ErrAgain
	}
	return nil
}

func (c *SimCM) ResolveRoute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return ErrCM
	}
	c.RouteDone = true
	if c.Async {
		return ErrAgain
	}
	return nil
}

func (c *SimCM) Connect(priv []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return ErrCM
	}
	c.ConnectPriv = append([]byte(nil), priv...)
	if c.Async {
		return ErrAgain
	}
	return nil
}

func (c *SimCM) Accept(priv []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return ErrCM
	}
	c.AcceptPriv = append([]byte(nil), priv...)
	if c.Async {
		return ErrAgain
	}
	return nil
}

func (c *SimCM) GetCMEvent() CMEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return CMEventNone
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e
}

func (c *SimCM) GetConnData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connData
}

func (c *SimCM) CreateQP(sqDepth, rqDepth int, cq CQHandle, userID uint64) (QueuePair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return nil, ErrCM
	}
	c.QP = &SimQP{SQDepth: sqDepth, RQDepth: rqDepth, CQ: cq, UserID: userID}
	return c.QP, nil
}

func (c *SimCM) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *SimCM) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SimQP records every posted work request.
type SimQP struct {
	mu sync.Mutex

	SQDepth int
	RQDepth int
	CQ      CQHandle
	UserID  uint64

	Sends []SendWR
	Recvs []RecvWR

	// FailPost makes the next posts fail, exercising the fatal path.
	FailPost bool

	destroyed bool
}

func (q *SimQP) PostSend(wr *SendWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailPost {
		return ErrVerbs
	}
	cp := *wr
	cp.SGList = append([]SGE(nil), wr.SGList...)
	q.Sends = append(q.Sends, cp)
	return nil
}

func (q *SimQP) PostRecv(wr *RecvWR) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailPost {
		return ErrVerbs
	}
	q.Recvs = append(q.Recvs, *wr)
	return nil
}

func (q *SimQP) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	return nil
}

// Destroyed reports whether Destroy was called.
func (q *SimQP) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// SendCount returns how many send work requests were posted.
func (q *SimQP) SendCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Sends)
}

// SendAt returns the i-th posted send work request.
func (q *SimQP) SendAt(i int) SendWR {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Sends[i]
}

// RecvCount returns how many receive work requests were posted.
func (q *SimQP) RecvCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Recvs)
}
