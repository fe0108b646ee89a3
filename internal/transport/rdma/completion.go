package rdma

import (
	"fmt"

	"github.com/piwi3910/rdmastream/internal/iobuf"
	"github.com/piwi3910/rdmastream/internal/metrics"
)

// CompletionType tags a work-request completion.
type CompletionType int

const (
	// CompletionSend is the local completion of a data send.
	CompletionSend CompletionType = iota
	// CompletionWrite is the local completion of a pure ACK.
	CompletionWrite
	// CompletionRecv is an arrived data message.
	CompletionRecv
	// CompletionRecvImm is an arrived pure ACK.
	CompletionRecvImm
	// CompletionError is a failed work request.
	CompletionError
)

// Completion is one entry delivered by the CQ consumer.
type Completion struct {
	Type CompletionType
	// Len is the valid byte count of a receive.
	Len uint32
	// Imm is the ACK credit carried in immediate data.
	Imm uint32
	// Err describes a CompletionError.
	Err error
}

// HandleCompletion consumes one completion. For receives it appends the
// payload to the socket's read buffer and returns the byte count delivered
// upward; send-side completions return 0. Any error is terminal for the
// socket.
func (e *Endpoint) HandleCompletion(c Completion) (int, error) {
	// A completion can arrive before the server consumes its ESTABLISHED
	// CM event; the data path is live either way.
	e.sock.SetRDMAState(RDMAOn)

	switch c.Type {
	case CompletionSend, CompletionWrite:
		// Slot recycling is driven by peer ACKs, not local completions.
		return 0, nil

	case CompletionRecv:
		if c.Len == 0 {
			return 0, fmt.Errorf("%w: zero-length recv completion", ErrProtocol)
		}
		// Only the first c.Len bytes of the posted block are valid.
		if e.cfg.RecvZerocopy {
			var tmp iobuf.Buffer
			e.rbuf[e.rqReceived].CutN(&tmp, int(c.Len))
			e.sock.ReadBuf().Append(&tmp)
		} else {
			e.sock.ReadBuf().AppendBytes(e.rbufBlocks[e.rqReceived].Data[:c.Len])
		}
		metrics.RecvBytes.Add(float64(c.Len))

	case CompletionRecvImm:

	case CompletionError:
		if c.Err != nil {
			return 0, fmt.Errorf("%w: %v", ErrVerbs, c.Err)
		}
		return 0, ErrVerbs

	default:
		return 0, fmt.Errorf("%w: unexpected completion type %d", ErrProtocol, c.Type)
	}

	// ACK handling, shared by data receives and pure ACKs.
	if c.Imm > 0 {
		// Free the in-flight slots the peer just acknowledged.
		for n := c.Imm; n > 0; n-- {
			slot := &e.sbuf[e.sqSent]
			if slot.Empty() {
				return 0, fmt.Errorf("%w: ACK for idle send slot %d", ErrProtocol, e.sqSent)
			}
			slot.Clear()
			e.sqSent++
			if e.sqSent == e.sqSize {
				e.sqSent = 0
			}
		}
		if e.windowSize.Add(int32(c.Imm)) == int32(c.Imm) {
			// Window went from empty to non-empty.
			e.sock.WakeAsEpollOut()
		}
	}

	// The consumed slot must be re-posted before the next completion can
	// land in it.
	if err := e.postRecv(1); err != nil {
		return 0, err
	}

	if c.Len > 0 && e.newRQWRs.Add(1) > int32(e.remoteWindowCapacity/2) {
		// Too many credits owed with no outbound send to carry them.
		if err := e.SendImm(uint32(e.newRQWRs.Swap(0))); err != nil {
			return 0, err
		}
	}

	return int(c.Len), nil
}

// postRecv replenishes num receive work requests starting at the ring's
// re-post cursor.
func (e *Endpoint) postRecv(num int) error {
	for ; num > 0; num-- {
		slot := &e.rbuf[e.rqReceived]
		if e.cfg.RecvZerocopy || slot.Empty() {
			slot.Clear()
			blk, err := e.cfg.Pool.AllocBlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMemory, err)
			}
			slot.AppendBlock(blk, iobuf.BlockPayload)
			e.rbufBlocks[e.rqReceived] = blk
		}

		blk := e.rbufBlocks[e.rqReceived]
		wr := RecvWR{
			WRID: e.sock.ID(),
			SGE: SGE{
				Addr:   blk.Addr(),
				Length: iobuf.BlockPayload,
				LKey:   e.cfg.Pool.LKeyOf(blk.Addr()),
			},
		}
		if err := e.qp.PostRecv(&wr); err != nil {
			slot.Clear()
			return fmt.Errorf("%w: post_recv: %v", ErrVerbs, err)
		}

		e.rqReceived++
		if e.rqReceived == len(e.rbuf) {
			e.rqReceived = 0
		}
	}
	return nil
}
