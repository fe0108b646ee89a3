package rdma

import (
	"sync"
	"sync/atomic"
)

// CQProvider hands out completion-queue bindings. A binding is either
// exclusive to one endpoint or a refcounted share of a process-wide CQ; the
// endpoint does not need to know which until teardown.
type CQProvider interface {
	GetOne(sock Socket, capacity int) (*CompletionBinding, error)
}

// CompletionBinding is one endpoint's subscription to a completion queue.
type CompletionBinding struct {
	cq      CQHandle
	shared  *sharedCQ
	destroy func(CQHandle)

	released atomic.Bool
}

// IsShared reports whether the CQ is shared with other endpoints. Shared
// bindings require the endpoint to run its own single-consumer completion
// task so one endpoint's completions stay ordered.
func (b *CompletionBinding) IsShared() bool {
	return b.shared != nil
}

// CQ returns the underlying handle.
func (b *CompletionBinding) CQ() CQHandle {
	return b.cq
}

// Release drops the binding exactly once. Exclusive bindings destroy the CQ;
// shared bindings decrement the refcount and the last holder destroys.
func (b *CompletionBinding) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.shared != nil {
		b.shared.release()
		return
	}
	if b.destroy != nil {
		b.destroy(b.cq)
	}
}

type sharedCQ struct {
	cq      CQHandle
	refs    atomic.Int32
	destroy func(CQHandle)
}

func (s *sharedCQ) release() {
	if s.refs.Add(-1) == 0 && s.destroy != nil {
		s.destroy(s.cq)
	}
}

// SimCQProvider is an in-memory provider. With Shared set it maintains one
// process CQ and refcounts subscribers, otherwise every call creates a fresh
// handle. Destroyed handles are recorded for tests.
type SimCQProvider struct {
	mu     sync.Mutex
	Shared bool

	next      CQHandle
	current   *sharedCQ
	destroyed []CQHandle

	// Fail makes GetOne return ErrVerbs.
	Fail bool
}

// NewSimCQProvider returns a provider in exclusive or shared mode.
func NewSimCQProvider(shared bool) *SimCQProvider {
	return &SimCQProvider{Shared: shared}
}

func (p *SimCQProvider) GetOne(sock Socket, capacity int) (*CompletionBinding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Fail {
		return nil, ErrVerbs
	}

	if !p.Shared {
		p.next++
		return &CompletionBinding{cq: p.next, destroy: p.recordDestroy}, nil
	}

	if p.current == nil || p.current.refs.Load() == 0 {
		p.next++
		p.current = &sharedCQ{cq: p.next, destroy: p.recordDestroy}
	}
	p.current.refs.Add(1)
	return &CompletionBinding{cq: p.current.cq, shared: p.current}, nil
}

func (p *SimCQProvider) recordDestroy(cq CQHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, cq)
}

// DestroyedCount reports how many CQ handles have been destroyed.
func (p *SimCQProvider) DestroyedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.destroyed)
}
