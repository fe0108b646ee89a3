package rdma

import (
	"fmt"

	"github.com/piwi3910/rdmastream/internal/iobuf"
	"github.com/piwi3910/rdmastream/internal/memory"
	"github.com/piwi3910/rdmastream/internal/metrics"
)

// CutFromBufferList posts at most one send work request drawn from the
// heads of bufs and returns the number of bytes moved out of them. The
// consumed bytes are retained in the in-flight ring slot until the peer
// ACKs it. Returns ErrAgain when the credit window is empty; writers then
// wait for the completion path to wake them.
func (e *Endpoint) CutFromBufferList(bufs []*iobuf.Buffer) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	if e.windowSize.Load() == 0 {
		metrics.WindowStalls.Inc()
		return 0, ErrAgain
	}

	slot := &e.sbuf[e.sqCurrent]
	if !slot.Empty() {
		return 0, fmt.Errorf("%w: send slot %d still in flight", ErrVerbs, e.sqCurrent)
	}

	imm := uint32(e.newRQWRs.Swap(0))
	n, err := e.postSendWR(bufs, slot, imm)

	e.sqCurrent++
	if e.sqCurrent == e.sqSize {
		e.sqCurrent = 0
	}
	e.windowSize.Add(-1)

	return n, err
}

// postSendWR builds the scatter/gather list, decides the flags, and posts
// the work request. imm is the ACK credit shipped back to the peer in the
// immediate-data field.
func (e *Endpoint) postSendWR(bufs []*iobuf.Buffer, to *iobuf.Buffer, imm uint32) (int, error) {
	maxSGE := e.cfg.Pool.MaxSGE()
	sges := make([]SGE, 0, maxSGE)
	totalLen := 0
	current := 0
	var lkey uint32

	for len(sges) < maxSGE && totalLen < iobuf.BlockPayload {
		if current == len(bufs) {
			break
		}
		data := bufs[current]
		if data.Empty() {
			current++
			continue
		}
		n, err := e.cutIntoSGList(data, &sges, to, maxSGE, iobuf.BlockPayload-totalLen, &lkey)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// Key mismatch with the next block, or the next block does
			// not fit in the remaining payload budget and is not split;
			// leave it for the next work request.
			break
		}
		totalLen += n
	}

	wr := SendWR{
		WRID:   e.sock.ID(),
		SGList: sges,
		Opcode: OpSendWithImm,
		Imm:    imm,
	}

	if totalLen <= MaxInlineSize {
		wr.Flags |= WRFlagInline
	}

	// Keep recv-side completion events rare unless the peer has a reason
	// to wake up now.
	solicited := false
	idx := current
	if idx >= len(bufs) {
		idx = len(bufs) - 1
	}
	if current > 0 || bufs[idx].Empty() {
		// At least one message boundary completed in this work request.
		solicited = true
	} else {
		e.unsolicited++
		e.accumulatedAck += int(imm)
		if e.unsolicited > e.localWindowCapacity/4 {
			// The recv side must get a chance to return ACKs.
			solicited = true
		} else if e.accumulatedAck > e.remoteWindowCapacity/4 {
			// The recv side must get a chance to handle shipped ACKs.
			solicited = true
		}
	}
	if solicited {
		wr.Flags |= WRFlagSolicited
		e.unsolicited = 0
		e.accumulatedAck = 0
	}

	// Likewise bound local send-completion pressure while guaranteeing a
	// completion fires often enough to recycle ring slots.
	e.sqUnsignaled++
	if e.sqUnsignaled >= e.localWindowCapacity/4 {
		wr.Flags |= WRFlagSignaled
		e.sqUnsignaled = 0
	}

	if err := e.qp.PostSend(&wr); err != nil {
		// The window accounting keeps the send queue from overfilling,
		// so a post failure is an unrecoverable device or state error.
		return 0, fmt.Errorf("%w: post_send: %v", ErrVerbs, err)
	}

	metrics.SendsPosted.Inc()
	metrics.SendBytes.Add(float64(totalLen))
	return totalLen, nil
}

// cutIntoSGList converts leading blocks of data into scatter/gather entries
// bounded by the remaining entry budget and maxLen bytes, moving the
// consumed bytes into to. All entries of one work request must share one
// registration key; lkey carries it across calls.
func (e *Endpoint) cutIntoSGList(data *iobuf.Buffer, sges *[]SGE, to *iobuf.Buffer,
	maxSGE, maxLen int, lkey *uint32) (int, error) {
	n := 0
	num := data.RefNum()
	if budget := maxSGE - len(*sges); num > budget {
		num = budget
	}

	for i := 0; i < num; i++ {
		if n == maxLen {
			break
		}
		ref := data.RefAt(i)
		addr := memory.AddrOf(ref.Data())
		thisKey := e.cfg.Pool.LKeyOf(addr)
		if *lkey == 0 {
			*lkey = thisKey
		} else if thisKey != *lkey {
			break
		}

		if thisKey == 0 {
			// The block is outside registered memory, typically
			// allocated before the device came up. Copy a bounded
			// prefix into the pool; only legal as the first entry.
			if i != 0 || len(*sges) != 0 {
				break
			}
			appendLen := ref.Len
			if appendLen > maxLen {
				appendLen = maxLen
			}
			if appendLen > iobuf.BlockPayload {
				appendLen = iobuf.BlockPayload
			}
			blk, err := e.cfg.Pool.AllocBlock()
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrMemory, err)
			}
			copy(blk.Data, ref.Data()[:appendLen])
			*lkey = blk.LKey()
			*sges = append(*sges, SGE{Addr: blk.Addr(), Length: uint32(appendLen), LKey: blk.LKey()})

			// Retire the copied prefix from the source; the registered
			// copy rides in the in-flight slot instead.
			var scratch iobuf.Buffer
			data.CutN(&scratch, appendLen)
			scratch.Clear()
			to.AppendBlock(blk, appendLen)
			return appendLen, nil
		}

		sgeLen := ref.Len
		if n+sgeLen > maxLen {
			if sgeLen <= iobuf.BlockPayload {
				// Leave the whole block for the next work request
				// rather than splitting it.
				break
			}
			sgeLen = maxLen - n
		}
		*sges = append(*sges, SGE{Addr: addr, Length: uint32(sgeLen), LKey: *lkey})
		n += sgeLen
	}

	if n > 0 {
		data.CutN(to, n)
	}
	return n, nil
}

// SendImm posts a pure ACK: a zero-payload work request whose immediate
// data returns imm credits to the peer. A zero credit is skipped.
func (e *Endpoint) SendImm(imm uint32) error {
	if imm == 0 {
		return nil
	}

	wr := SendWR{
		WRID:   e.sock.ID(),
		Opcode: OpWriteWithImm,
		Imm:    imm,
		Flags:  WRFlagSolicited | WRFlagSignaled,
	}
	if err := e.qp.PostSend(&wr); err != nil {
		return fmt.Errorf("%w: post_send: %v", ErrVerbs, err)
	}

	metrics.PureAcksPosted.Inc()
	return nil
}
