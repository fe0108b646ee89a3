package rdma

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmastream/internal/memory"
	"github.com/piwi3910/rdmastream/internal/metrics"
)

// TransportOptions configures a Transport. Zero-value collaborators fall
// back to the simulated backends, which is the development mode: no RDMA
// hardware is required and registration hands out sequential keys.
type TransportOptions struct {
	// SBufSize and RBufSize are the per-connection byte budgets handed to
	// every endpoint.
	SBufSize int
	RBufSize int

	RecvZerocopy      bool
	UsercodeInPthread bool

	// ClusterPrefix is the address range the upgrade is attempted for.
	ClusterPrefix netip.Prefix

	// MaxSGE, PoolRegions and PoolRegionBlocks size the registered-memory
	// pool shared by every endpoint of this transport.
	MaxSGE           int
	PoolRegions      int
	PoolRegionBlocks int

	// SharedCQ makes endpoints share one completion queue; each endpoint
	// then runs its own single-consumer completion task.
	SharedCQ bool

	// Register registers a memory region with the device. Nil selects
	// simulated registration.
	Register memory.RegisterFunc

	// Dispatcher, CQProvider and NewCM override the simulated
	// collaborators with device-backed ones.
	Dispatcher Dispatcher
	CQProvider CQProvider
	NewCM      func() (CM, error)
}

// Transport owns the process-wide pieces every endpoint borrows: the
// registered-memory pool, the CQ provider, the dispatcher, and the
// socket-identifier table the acceptor resolves incoming CM requests
// against. Endpoints themselves stay owned by their sockets.
type Transport struct {
	opts       TransportOptions
	pool       *memory.Pool
	dispatcher Dispatcher
	cqProvider CQProvider
	table      *EndpointTable

	closed atomic.Bool
}

// TransportStats is the snapshot served on the admin surface.
type TransportStats struct {
	Endpoints      int  `json:"endpoints"`
	PoolRegions    int  `json:"pool_regions"`
	PoolFreeBlocks int  `json:"pool_free_blocks"`
	SharedCQ       bool `json:"shared_cq"`
}

// NewTransport builds the pool and collaborator set. Options left zero get
// the defaults; collaborators left nil get the simulated backends.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.SBufSize <= 0 {
		opts.SBufSize = DefaultConfig().SBufSize
	}
	if opts.RBufSize <= 0 {
		opts.RBufSize = DefaultConfig().RBufSize
	}
	if opts.MaxSGE <= 0 {
		opts.MaxSGE = memory.DefaultConfig().MaxSGE
	}
	if opts.PoolRegions <= 0 {
		opts.PoolRegions = memory.DefaultConfig().InitialRegions
	}
	if opts.PoolRegionBlocks <= 0 {
		opts.PoolRegionBlocks = memory.DefaultConfig().RegionBlocks
	}
	if opts.Register == nil {
		opts.Register = simRegister()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewSimDispatcher()
	}
	if opts.CQProvider == nil {
		opts.CQProvider = NewSimCQProvider(opts.SharedCQ)
	}
	if opts.NewCM == nil {
		opts.NewCM = func() (CM, error) { return NewSimCM(), nil }
	}

	pool, err := memory.NewPool(memory.Config{
		RegionBlocks:   opts.PoolRegionBlocks,
		InitialRegions: opts.PoolRegions,
		MaxRegions:     4 * opts.PoolRegions,
		MaxSGE:         opts.MaxSGE,
	}, opts.Register)
	if err != nil {
		return nil, fmt.Errorf("build memory pool: %w", err)
	}

	return &Transport{
		opts:       opts,
		pool:       pool,
		dispatcher: opts.Dispatcher,
		cqProvider: opts.CQProvider,
		table:      NewEndpointTable(),
	}, nil
}

// simRegister returns a development registration callback assigning
// sequential keys without touching a device.
func simRegister() memory.RegisterFunc {
	var next atomic.Uint32
	return func(_ uintptr, _ int) (uint32, error) {
		return next.Add(1), nil
	}
}

// NewEndpoint builds the endpoint for sock and makes it reachable by its
// socket identifier so the acceptor can match CM requests to it.
func (t *Transport) NewEndpoint(sock Socket) (*Endpoint, error) {
	if t.closed.Load() {
		return nil, errors.New("rdma: transport closed")
	}

	cfg := &Config{
		SBufSize:          t.opts.SBufSize,
		RBufSize:          t.opts.RBufSize,
		RecvZerocopy:      t.opts.RecvZerocopy,
		UsercodeInPthread: t.opts.UsercodeInPthread,
		ClusterPrefix:     t.opts.ClusterPrefix,
		Pool:              t.pool,
		Dispatcher:        t.dispatcher,
		CQProvider:        t.cqProvider,
		NewCM:             t.opts.NewCM,
	}
	ep, err := New(sock, cfg)
	if err != nil {
		return nil, err
	}

	t.table.Register(ep)
	metrics.EndpointsActive.Inc()
	return ep, nil
}

// RemoveEndpoint drops the identifier once the owning socket is done with
// the endpoint. The caller resets the endpoint itself.
func (t *Transport) RemoveEndpoint(sid uint64) {
	if t.table.Lookup(sid) == nil {
		return
	}
	t.table.Deregister(sid)
	metrics.EndpointsActive.Dec()
}

// HandleConnectRequest is the acceptor entry: the CM listener hands every
// incoming connect request here. A rejection only discards the request.
func (t *Transport) HandleConnectRequest(cm CM, priv []byte) error {
	return InitializeFromAccept(t.table, cm, priv)
}

// Pool returns the shared registered-memory pool.
func (t *Transport) Pool() *memory.Pool {
	return t.pool
}

// Table returns the socket-identifier table.
func (t *Transport) Table() *EndpointTable {
	return t.table
}

// Stats snapshots the transport for the admin surface.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Endpoints:      t.table.Len(),
		PoolRegions:    t.pool.Regions(),
		PoolFreeBlocks: t.pool.FreeBlocks(),
		SharedCQ:       t.opts.SharedCQ,
	}
}

// Close stops handing out endpoints. Live endpoints stay owned by their
// sockets and are torn down through Reset as those close.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info().Int("endpoints", t.table.Len()).Msg("RDMA transport closed")
	return nil
}
