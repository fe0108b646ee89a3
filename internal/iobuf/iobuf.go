// Package iobuf implements a block-based byte buffer.
//
// A Buffer is a sequence of references into refcounted memory blocks. Moving
// bytes between buffers moves or splits references instead of copying, which
// is what lets the transport hand whole receive blocks to the reader and
// build scatter/gather lists straight from application data.
package iobuf

import (
	"io"

	"github.com/piwi3910/rdmastream/internal/memory"
)

// BlockPayload is re-exported so transport code has a single import for the
// fixed per-block payload size.
const BlockPayload = memory.BlockPayload

// Ref is one buffer reference: a window into a block.
type Ref struct {
	Block *memory.Block
	Off   int
	Len   int
}

// Data returns the referenced bytes.
func (r Ref) Data() []byte {
	return r.Block.Data[r.Off : r.Off+r.Len]
}

// Buffer is an ordered list of block references. The zero value is an empty
// buffer ready for use. Buffer is not safe for concurrent use.
type Buffer struct {
	refs []Ref
	size int
}

// Size returns the total byte count.
func (b *Buffer) Size() int {
	return b.size
}

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool {
	return b.size == 0
}

// RefNum returns the number of backing-block references.
func (b *Buffer) RefNum() int {
	return len(b.refs)
}

// RefAt returns the i-th reference. The caller must not outlive the buffer's
// ownership of the underlying block.
func (b *Buffer) RefAt(i int) Ref {
	return b.refs[i]
}

// Clear releases every reference and empties the buffer.
func (b *Buffer) Clear() {
	for i := range b.refs {
		b.refs[i].Block.Release()
	}
	b.refs = b.refs[:0]
	b.size = 0
}

// Append moves all references out of from onto the tail of b. from is left
// empty; no bytes are copied.
func (b *Buffer) Append(from *Buffer) {
	b.refs = append(b.refs, from.refs...)
	b.size += from.size
	from.refs = from.refs[:0]
	from.size = 0
}

// AppendBlock appends n bytes of blk starting at offset 0, taking over the
// caller's reference.
func (b *Buffer) AppendBlock(blk *memory.Block, n int) {
	b.refs = append(b.refs, Ref{Block: blk, Off: 0, Len: n})
	b.size += n
}

// AppendBytes copies p into the buffer, packing it into unregistered heap
// blocks of at most BlockPayload bytes each.
func (b *Buffer) AppendBytes(p []byte) {
	for len(p) > 0 {
		n := len(p)
		if n > BlockPayload {
			n = BlockPayload
		}
		blk := memory.NewUnregisteredBlock(n)
		copy(blk.Data, p[:n])
		b.AppendBlock(blk, n)
		p = p[n:]
	}
}

// CutN moves the first n bytes of b onto the tail of to, splitting the head
// reference when it is only partially consumed. It returns the number of
// bytes moved, which is less than n only when b runs out.
func (b *Buffer) CutN(to *Buffer, n int) int {
	moved := 0
	for n > 0 && len(b.refs) > 0 {
		head := &b.refs[0]
		if head.Len <= n {
			to.refs = append(to.refs, *head)
			to.size += head.Len
			moved += head.Len
			n -= head.Len
			b.size -= head.Len
			b.refs = b.refs[1:]
			continue
		}
		head.Block.Retain()
		to.refs = append(to.refs, Ref{Block: head.Block, Off: head.Off, Len: n})
		to.size += n
		head.Off += n
		head.Len -= n
		b.size -= n
		moved += n
		n = 0
	}
	return moved
}

// CopyTo copies up to len(p) bytes into p without consuming them.
func (b *Buffer) CopyTo(p []byte) int {
	n := 0
	for _, r := range b.refs {
		if n == len(p) {
			break
		}
		n += copy(p[n:], r.Data())
	}
	return n
}

// Bytes flattens the buffer into a new slice. Intended for tests and small
// control payloads, not the data path.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.size)
	b.CopyTo(out)
	return out
}

// AppendFromReader reads at most max bytes from r and appends them. It
// returns the byte count and the reader's error, if any. A reader that has
// nothing buffered should return its platform's try-again error, which the
// caller interprets.
func (b *Buffer) AppendFromReader(r io.Reader, max int) (int, error) {
	tmp := make([]byte, max)
	n, err := r.Read(tmp)
	if n > 0 {
		b.AppendBytes(tmp[:n])
	}
	return n, err
}
