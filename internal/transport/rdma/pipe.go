package rdma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// notifyPipe is the wakeup channel between the acceptor and the server-side
// handshake. The acceptor writes one byte after matching an incoming CM
// request to an endpoint; the dispatcher sees the read end become readable
// and re-runs the handshake tick.
type notifyPipe struct {
	rfd int
	wfd int
}

func newNotifyPipe() (*notifyPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &notifyPipe{rfd: fds[0], wfd: fds[1]}, nil
}

// readFD returns the dispatcher-facing descriptor.
func (p *notifyPipe) readFD() int {
	return p.rfd
}

// tryRead consumes one pending byte. It reports whether a byte was read;
// an empty pipe is not an error.
func (p *notifyPipe) tryRead() (bool, error) {
	var b [1]byte
	n, err := unix.Read(p.rfd, b[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, fmt.Errorf("pipe read: %w", err)
	}
	return n == 1, nil
}

// notify writes one byte, retrying through transient full-pipe conditions.
func (p *notifyPipe) notify() error {
	var b [1]byte
	for {
		n, err := unix.Write(p.wfd, b[:])
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("pipe write: %w", err)
		}
		if n == 1 {
			return nil
		}
	}
}

// close releases both descriptors. Safe to call more than once.
func (p *notifyPipe) close() {
	if p.rfd >= 0 {
		_ = unix.Close(p.rfd)
		p.rfd = -1
	}
	if p.wfd >= 0 {
		_ = unix.Close(p.wfd)
		p.wfd = -1
	}
}
