package rdma

import (
	"encoding/binary"
	"fmt"
)

// Handshake wire constants. All multi-byte integers on the wire are
// big-endian.
const (
	// Magic opens the client hello on the byte socket.
	Magic = "RDMA"

	MagicLength = 4
	NonceLength = 16

	// HelloLength is magic plus nonce.
	HelloLength = MagicLength + NonceLength

	// SIDLength is the server's socket-identifier reply.
	SIDLength = 8

	// ReservedWRNum is the number of send/recv work-request slots reserved
	// for pure ACK traffic on top of the negotiated ring depths.
	ReservedWRNum = 3

	// MaxInlineSize is the payload bound for posting a send inline.
	MaxInlineSize = 64

	// minQueueSize floors both ring depths regardless of configured byte
	// budgets.
	minQueueSize = 16
)

// ConnectRequest is the private data the client attaches to its CM connect:
// the server-side socket identifier, the hello nonce, and the client's ring
// depths.
type ConnectRequest struct {
	SID    uint64
	Nonce  [NonceLength]byte
	RQSize uint32
	SQSize uint32
}

const connectRequestLength = SIDLength + NonceLength + 4 + 4

// Marshal serializes the request.
func (r *ConnectRequest) Marshal() []byte {
	out := make([]byte, connectRequestLength)
	binary.BigEndian.PutUint64(out, r.SID)
	copy(out[SIDLength:], r.Nonce[:])
	binary.BigEndian.PutUint32(out[SIDLength+NonceLength:], r.RQSize)
	binary.BigEndian.PutUint32(out[SIDLength+NonceLength+4:], r.SQSize)
	return out
}

// Unmarshal parses the request.
func (r *ConnectRequest) Unmarshal(data []byte) error {
	if len(data) < connectRequestLength {
		return fmt.Errorf("%w: connect request %d bytes, want %d",
			ErrProtocol, len(data), connectRequestLength)
	}
	r.SID = binary.BigEndian.Uint64(data)
	copy(r.Nonce[:], data[SIDLength:SIDLength+NonceLength])
	r.RQSize = binary.BigEndian.Uint32(data[SIDLength+NonceLength:])
	r.SQSize = binary.BigEndian.Uint32(data[SIDLength+NonceLength+4:])
	return nil
}

// ConnectResponse is the private data the server attaches to its CM accept:
// the server's ring depths.
type ConnectResponse struct {
	RQSize uint32
	SQSize uint32
}

const connectResponseLength = 4 + 4

// Marshal serializes the response.
func (r *ConnectResponse) Marshal() []byte {
	out := make([]byte, connectResponseLength)
	binary.BigEndian.PutUint32(out, r.RQSize)
	binary.BigEndian.PutUint32(out[4:], r.SQSize)
	return out
}

// Unmarshal parses the response.
func (r *ConnectResponse) Unmarshal(data []byte) error {
	if len(data) < connectResponseLength {
		return fmt.Errorf("%w: connect response %d bytes, want %d",
			ErrProtocol, len(data), connectResponseLength)
	}
	r.RQSize = binary.BigEndian.Uint32(data)
	r.SQSize = binary.BigEndian.Uint32(data[4:])
	return nil
}
