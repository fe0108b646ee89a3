package rdma

import "sync"

// Dispatcher multiplexes file descriptors and re-invokes the owning
// endpoint's handshake when one becomes readable. The event loop itself is
// owned by the connection layer; the endpoint only registers interest.
type Dispatcher interface {
	AddConsumer(userID uint64, fd int) error
}

// SimDispatcher records subscriptions for tests.
type SimDispatcher struct {
	mu        sync.Mutex
	consumers map[uint64][]int

	// Fail makes AddConsumer return ErrCM.
	Fail bool
}

// NewSimDispatcher returns an empty recording dispatcher.
func NewSimDispatcher() *SimDispatcher {
	return &SimDispatcher{consumers: make(map[uint64][]int)}
}

func (d *SimDispatcher) AddConsumer(userID uint64, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrCM
	}
	d.consumers[userID] = append(d.consumers[userID], fd)
	return nil
}

// FDs returns the fds subscribed for userID.
func (d *SimDispatcher) FDs(userID uint64) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.consumers[userID]...)
}
