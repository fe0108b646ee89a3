package rdma

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmastream/internal/metrics"
)

// EndpointTable resolves socket identifiers to endpoints. The acceptor only
// ever references endpoints through this table, never by pointer, so a
// concurrently destroyed connection cannot dangle.
type EndpointTable struct {
	mu  sync.RWMutex
	eps map[uint64]*Endpoint
}

// NewEndpointTable returns an empty table.
func NewEndpointTable() *EndpointTable {
	return &EndpointTable{eps: make(map[uint64]*Endpoint)}
}

// Register makes ep reachable under its socket identifier.
func (t *EndpointTable) Register(ep *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eps[ep.sock.ID()] = ep
}

// Deregister removes the identifier.
func (t *EndpointTable) Deregister(sid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.eps, sid)
}

// Lookup resolves a socket identifier, or nil.
func (t *EndpointTable) Lookup(sid uint64) *Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eps[sid]
}

// Len reports the number of registered endpoints.
func (t *EndpointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.eps)
}

// InitializeFromAccept admits one incoming CM request at the listener. It
// resolves the endpoint named by the request's socket identifier, verifies
// the nonce captured during the hello, installs the CM, subscribes the
// wakeup pipe to the dispatcher, applies the peer's window sizes, and kicks
// the server handshake with one pipe byte.
//
// Every rejection returns ErrRejected and leaves the targeted socket
// untouched: an unknown identifier, a stale nonce, or a duplicate CM can
// all be a replayed or forged request, and discarding it must not give an
// attacker a way to kill a healthy connection.
func InitializeFromAccept(table *EndpointTable, cm CM, priv []byte) error {
	if len(priv) == 0 {
		return fmt.Errorf("%w: empty private data", ErrRejected)
	}

	var req ConnectRequest
	if err := req.Unmarshal(priv); err != nil {
		metrics.AcceptRejects.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	ep := table.Lookup(req.SID)
	if ep == nil {
		log.Warn().Uint64("sid", req.SID).Msg("RDMA accept for unknown socket id")
		metrics.AcceptRejects.WithLabelValues("unknown_sid").Inc()
		return fmt.Errorf("%w: unknown sid %d", ErrRejected, req.SID)
	}

	if ep.pipe == nil {
		// The hello has not been processed yet, so no legitimate CM
		// request can exist for this socket.
		log.Warn().Uint64("sid", req.SID).Msg("RDMA accept before hello")
		metrics.AcceptRejects.WithLabelValues("not_ready").Inc()
		return fmt.Errorf("%w: no hello captured for sid %d", ErrRejected, req.SID)
	}

	if subtle.ConstantTimeCompare(ep.nonce[:], req.Nonce[:]) != 1 {
		log.Warn().Uint64("sid", req.SID).Msg("RDMA accept nonce mismatch")
		metrics.AcceptRejects.WithLabelValues("bad_nonce").Inc()
		return fmt.Errorf("%w: nonce mismatch for sid %d", ErrRejected, req.SID)
	}

	if ep.cm != nil {
		log.Warn().Uint64("sid", req.SID).Msg("RDMA connection already bound")
		metrics.AcceptRejects.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%w: CM already bound for sid %d", ErrRejected, req.SID)
	}
	ep.cm = cm

	if err := ep.cfg.Dispatcher.AddConsumer(ep.sock.ID(), ep.pipe.readFD()); err != nil {
		// Unlike the rejections above, this is a local fault.
		err = fmt.Errorf("%w: add pipe fd to dispatcher: %v", ErrCM, err)
		ep.sock.SetFailed(err)
		return err
	}

	if int(req.RQSize) < ep.sqSize {
		ep.localWindowCapacity = int(req.RQSize)
		ep.windowSize.Store(int32(req.RQSize))
	}
	if int(req.SQSize) < ep.rqSize {
		ep.remoteWindowCapacity = int(req.SQSize)
	}

	return ep.pipe.notify()
}
