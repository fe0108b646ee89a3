package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	req := ConnectRequest{
		SID:    0x0102030405060708,
		RQSize: 129,
		SQSize: 64,
	}
	copy(req.Nonce[:], "0123456789abcdef")

	data := req.Marshal()
	require.Len(t, data, connectRequestLength)

	// Field layout is fixed and big-endian.
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(data))
	assert.Equal(t, []byte("0123456789abcdef"), data[8:24])
	assert.Equal(t, uint32(129), binary.BigEndian.Uint32(data[24:]))
	assert.Equal(t, uint32(64), binary.BigEndian.Uint32(data[28:]))

	var got ConnectRequest
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, req, got)
}

func TestConnectRequestUnmarshalShort(t *testing.T) {
	var req ConnectRequest
	err := req.Unmarshal(make([]byte, connectRequestLength-1))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestConnectResponseRoundTrip(t *testing.T) {
	res := ConnectResponse{RQSize: 16, SQSize: 32}

	data := res.Marshal()
	require.Len(t, data, connectResponseLength)
	assert.Equal(t, uint32(16), binary.BigEndian.Uint32(data))
	assert.Equal(t, uint32(32), binary.BigEndian.Uint32(data[4:]))

	var got ConnectResponse
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, res, got)
}

func TestConnectResponseUnmarshalShort(t *testing.T) {
	var res ConnectResponse
	err := res.Unmarshal([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestHelloLength(t *testing.T) {
	assert.Equal(t, 20, HelloLength)
	assert.Equal(t, 4, len(Magic))
}
