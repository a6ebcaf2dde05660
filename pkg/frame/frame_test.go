package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataFrameRoundTrip(t *testing.T) {
	payload := []byte("hello-block")
	d := NewData(0x1234, 7, true, false, payload)

	decoded, err := DecodeData(d.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), decoded.SessionID())
	require.Equal(t, uint16(7), decoded.BlockNumber())
	require.True(t, decoded.Resume())
	require.False(t, decoded.Last())
	require.Equal(t, payload, decoded.Payload())
}

func TestDataFrameRejectsBadReservedBits(t *testing.T) {
	d := NewData(1, 0, false, true, []byte("x"))
	raw := d.Bytes()
	raw[4] = 0x00 // clobber reserved bits
	_, err := DecodeData(raw)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDataFrameRejectsShort(t *testing.T) {
	_, err := DecodeData([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckFrameFullWindow(t *testing.T) {
	a := NewFullWindowAck(0xABCD)
	decoded, err := DecodeAck(a.Bytes(), 4)
	require.NoError(t, err)
	require.True(t, decoded.IsFullWindow())
	require.False(t, decoded.IsError())
	require.Equal(t, uint16(0xABCD), decoded.SessionID())
}

func TestAckFrameSelective(t *testing.T) {
	bitmap := []byte{0b0000_0010}
	a := NewSelectiveAck(42, bitmap)
	decoded, err := DecodeAck(a.Bytes(), len(bitmap))
	require.NoError(t, err)
	require.False(t, decoded.IsFullWindow())
	require.Equal(t, bitmap, decoded.Bitmap())
}

func TestAckFrameRejectsWrongBitmapLength(t *testing.T) {
	a := NewSelectiveAck(1, []byte{0x01, 0x02})
	_, err := DecodeAck(a.Bytes(), 1)
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckFrameError(t *testing.T) {
	a := NewErrorAck(5, 9)
	decoded, err := DecodeAck(a.Bytes(), 0)
	require.NoError(t, err)
	require.True(t, decoded.IsError())
	require.Equal(t, byte(9), decoded.ErrorCode())
}

func TestPeekSessionID(t *testing.T) {
	d := NewData(99, 1, false, false, nil)
	id, ok := PeekSessionID(d.Bytes())
	require.True(t, ok)
	require.Equal(t, uint16(99), id)

	_, ok = PeekSessionID([]byte{1})
	require.False(t, ok)
}
