// Package metrics defines the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakesTotal counts handshake outcomes by result
	// (established, fallback).
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmastream_handshakes_total",
			Help: "RDMA handshake outcomes",
		},
		[]string{"result"},
	)

	// SendsPosted counts data send work requests posted.
	SendsPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmastream_sends_posted_total",
			Help: "Data send work requests posted",
		},
	)

	// PureAcksPosted counts zero-payload ACK work requests posted.
	PureAcksPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmastream_pure_acks_posted_total",
			Help: "Pure ACK work requests posted",
		},
	)

	// RecvBytes counts payload bytes delivered to readers.
	RecvBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmastream_recv_bytes_total",
			Help: "Payload bytes delivered from receive completions",
		},
	)

	// SendBytes counts payload bytes cut into send work requests.
	SendBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmastream_send_bytes_total",
			Help: "Payload bytes posted in send work requests",
		},
	)

	// AcceptRejects counts discarded connection-manager requests by reason
	// (malformed, unknown_sid, not_ready, bad_nonce, duplicate).
	AcceptRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmastream_accept_rejects_total",
			Help: "Incoming CM requests discarded during accept",
		},
		[]string{"reason"},
	)

	// EndpointsActive tracks endpoints currently registered with the
	// transport.
	EndpointsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmastream_endpoints_active",
			Help: "RDMA endpoints currently registered",
		},
	)

	// WindowStalls counts send attempts refused because the credit window
	// was empty.
	WindowStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmastream_window_stalls_total",
			Help: "Send attempts refused on an empty credit window",
		},
	)
)
