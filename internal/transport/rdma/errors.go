package rdma

import "errors"

// Errors surfaced by the endpoint. ErrAgain is the only retryable one: the
// handshake returns it while input is not ready and the send path returns it
// while the credit window is empty. Everything else is terminal for the
// connection.
var (
	ErrAgain        = errors.New("resource temporarily unavailable")
	ErrProtocol     = errors.New("RDMA handshake protocol violation")
	ErrCM           = errors.New("RDMA connection manager error")
	ErrVerbs        = errors.New("RDMA verbs failure")
	ErrMemory       = errors.New("RDMA memory allocation failed")
	ErrNotInCluster = errors.New("destination not in RDMA cluster")

	// ErrRejected marks a discarded incoming CM request. It must never be
	// used to fail the targeted socket: the request may be forged.
	ErrRejected = errors.New("RDMA connect request rejected")
)
