package rdma

import (
	"fmt"
	"runtime"

	"github.com/piwi3910/rdmastream/internal/iobuf"
	"github.com/piwi3910/rdmastream/internal/memory"
)

// allocateResources builds the verbs objects once the handshake reaches the
// CM connect phase: the CQ binding, the queue pair, both buffer rings, and
// a full set of pre-posted recv work requests.
func (e *Endpoint) allocateResources() error {
	if e.cm == nil {
		return fmt.Errorf("%w: no CM bound", ErrProtocol)
	}

	// The right CQ capacity is hard to estimate; twice the SQ+RQ sum works
	// well empirically.
	cq, err := e.cfg.CQProvider.GetOne(e.sock, 2*(e.sqSize+e.rqSize))
	if err != nil {
		return fmt.Errorf("%w: get CQ: %v", ErrVerbs, err)
	}
	e.cq = cq

	if cq.IsShared() {
		e.startConsumer(2 * (e.sqSize + e.rqSize))
	}

	qp, err := e.cm.CreateQP(e.sqSize+ReservedWRNum, e.rqSize+ReservedWRNum,
		cq.CQ(), e.sock.ID())
	if err != nil {
		return fmt.Errorf("%w: create QP: %v", ErrVerbs, err)
	}
	e.qp = qp

	// Ring depths, not byte budgets, bound the flow-control windows.
	e.sbuf = make([]iobuf.Buffer, e.sqSize)
	e.rbuf = make([]iobuf.Buffer, e.rqSize+ReservedWRNum)
	e.rbufBlocks = make([]*memory.Block, e.rqSize+ReservedWRNum)

	return e.postRecv(len(e.rbuf))
}

// deallocateResources releases everything allocateResources built. Each
// resource is released iff present, so the call is safe from any state and
// idempotent.
func (e *Endpoint) deallocateResources() {
	e.stopConsumer()

	for i := range e.sbuf {
		e.sbuf[i].Clear()
	}
	for i := range e.rbuf {
		e.rbuf[i].Clear()
	}
	e.sbuf = nil
	e.rbuf = nil
	e.rbufBlocks = nil

	if e.qp != nil {
		_ = e.qp.Destroy()
		e.qp = nil
	}
	if e.cm != nil {
		_ = e.cm.Close()
		e.cm = nil
	}
	if e.cq != nil {
		e.cq.Release()
		e.cq = nil
	}
}

// startConsumer launches the single-consumer completion task used with a
// shared CQ, so one endpoint's completions are processed in order by
// exactly one goroutine.
func (e *Endpoint) startConsumer(capacity int) {
	e.completions = make(chan Completion, capacity)
	e.consumerDone = make(chan struct{})
	go e.consumeLoop(e.completions, e.consumerDone)
}

func (e *Endpoint) consumeLoop(in <-chan Completion, done chan<- struct{}) {
	defer close(done)
	if e.cfg.UsercodeInPthread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for c := range in {
		if _, err := e.HandleCompletion(c); err != nil {
			e.sock.SetFailed(err)
		}
	}
}

func (e *Endpoint) stopConsumer() {
	if e.completions == nil {
		return
	}
	close(e.completions)
	<-e.consumerDone
	e.completions = nil
	e.consumerDone = nil
}

// SubmitCompletion feeds one completion to the endpoint's consumer task.
// Used by the shared-CQ dispatcher; endpoints with an exclusive CQ call
// HandleCompletion directly from the CQ's own consumer.
func (e *Endpoint) SubmitCompletion(c Completion) {
	e.completions <- c
}
