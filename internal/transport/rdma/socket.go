package rdma

import (
	"io"
	"net/netip"

	"github.com/piwi3910/rdmastream/internal/iobuf"
)

// RDMAState is the socket's transport mode after the upgrade decision.
type RDMAState int

const (
	// RDMAUninitialized means the upgrade has not been decided yet.
	RDMAUninitialized RDMAState = iota
	// RDMAOn means payload flows over the queue pair.
	RDMAOn
	// RDMAOff means the socket stays plain TCP.
	RDMAOff
)

func (s RDMAState) String() string {
	switch s {
	case RDMAOn:
		return "on"
	case RDMAOff:
		return "off"
	default:
		return "uninitialized"
	}
}

// Socket is the byte-oriented connection the endpoint upgrades. The endpoint
// borrows it; ownership stays with the connection layer.
//
// Read and Write operate on the underlying non-blocking byte stream and
// return ErrAgain when no progress is possible right now.
type Socket interface {
	io.ReadWriter

	// ID is the process-wide socket identifier advertised to the peer
	// during the handshake.
	ID() uint64

	// RemoteIP is the peer address, used for the cluster admission check.
	RemoteIP() netip.Addr

	// ReadBuf is the buffer upward layers consume received bytes from.
	ReadBuf() *iobuf.Buffer

	RDMAState() RDMAState
	SetRDMAState(RDMAState)

	// WakeAsEpollOut unblocks writers waiting for the socket to become
	// writable.
	WakeAsEpollOut()

	// SetFailed marks the socket broken with the given cause.
	SetFailed(err error)

	// CreatedByConnect reports whether this side dialed the connection,
	// which selects the client half of the handshake.
	CreatedByConnect() bool
}
