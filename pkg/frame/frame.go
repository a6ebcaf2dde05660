// Package frame implements the on-wire codec for the two frame kinds the
// transport exchanges once a session is established: data frames carrying
// object payload, and ACK frames carrying selective-retransmit or
// full-window acknowledgements. Every frame is carried one per datagram.
//
// Both frame types follow the teacher's SDOResponse shape: a raw backing
// byte slice plus typed accessor methods, rather than a struct of named
// fields that gets marshalled on every access.
package frame

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidFrame is returned by DecodeData and DecodeAck when a datagram's length or
// reserved bits make it impossible to interpret as a valid frame. Per
// spec, the demux drops such datagrams silently; it is exported so the
// demux can distinguish "not a frame I understand" from other failures.
var ErrInvalidFrame = errors.New("invalid frame")

const (
	// DataHeaderSize is the fixed header length of a data frame.
	DataHeaderSize = 5
	// AckHeaderSize is the fixed header length of an ACK frame.
	AckHeaderSize = 3

	flagsReservedMask  = 0xE0
	flagsReservedValue = 0xA0 // fixed signature pattern, top 3 bits
	flagResume         = 0x02
	flagLast           = 0x01
)

// Data is a decoded data frame backed by its own wire bytes. Mutating
// methods write straight into the backing slice; there is no separate
// re-encode step.
type Data struct {
	raw []byte
}

// NewData builds a data frame ready to send: header fields set, payload
// copied into the backing buffer. payload is one block_size block of the
// object, or shorter for the terminal block.
func NewData(sessionID uint16, blockNumber uint16, resume, last bool, payload []byte) Data {
	raw := make([]byte, DataHeaderSize+len(payload))
	d := Data{raw: raw}
	binary.LittleEndian.PutUint16(raw[0:2], sessionID)
	binary.LittleEndian.PutUint16(raw[2:4], blockNumber)
	flags := byte(flagsReservedValue)
	if resume {
		flags |= flagResume
	}
	if last {
		flags |= flagLast
	}
	raw[4] = flags
	copy(raw[DataHeaderSize:], payload)
	return d
}

// DecodeData validates and wraps a received datagram as a data frame.
func DecodeData(datagram []byte) (Data, error) {
	if len(datagram) < DataHeaderSize {
		return Data{}, ErrInvalidFrame
	}
	if datagram[4]&flagsReservedMask != flagsReservedValue {
		return Data{}, ErrInvalidFrame
	}
	return Data{raw: datagram}, nil
}

func (d Data) SessionID() uint16     { return binary.LittleEndian.Uint16(d.raw[0:2]) }
func (d Data) BlockNumber() uint16   { return binary.LittleEndian.Uint16(d.raw[2:4]) }
func (d Data) Resume() bool          { return d.raw[4]&flagResume != 0 }
func (d Data) Last() bool            { return d.raw[4]&flagLast != 0 }
func (d Data) Payload() []byte       { return d.raw[DataHeaderSize:] }
func (d Data) Bytes() []byte         { return d.raw }
func (d Data) PayloadLen() int       { return len(d.raw) - DataHeaderSize }

// Ack is a decoded ACK frame. A zero-length bitmap means "full window
// received, advance"; a nonzero-length bitmap carries the missing-block
// bitmap for a selective retransmit request.
type Ack struct {
	raw []byte
}

// NewFullWindowAck builds a zero-bitmap ACK acknowledging the entire
// current window.
func NewFullWindowAck(sessionID uint16) Ack {
	return newAck(sessionID, 0, nil)
}

// NewSelectiveAck builds an ACK carrying the missing-blocks bitmap for
// the current window.
func NewSelectiveAck(sessionID uint16, bitmap []byte) Ack {
	return newAck(sessionID, 0, bitmap)
}

// NewErrorAck builds a fatal, peer-reported-error ACK. errorCode must be
// nonzero; the bitmap is always empty for an error ACK.
func NewErrorAck(sessionID uint16, errorCode byte) Ack {
	return newAck(sessionID, errorCode, nil)
}

func newAck(sessionID uint16, errorCode byte, bitmap []byte) Ack {
	raw := make([]byte, AckHeaderSize+len(bitmap))
	binary.LittleEndian.PutUint16(raw[0:2], sessionID)
	raw[2] = errorCode
	copy(raw[AckHeaderSize:], bitmap)
	return Ack{raw: raw}
}

// DecodeAck validates and wraps a received datagram as an ACK frame.
// expectedBitmapLen is the bitmap length implied by the addressed
// session's window size (ceil(2*window_size/8)); a nonzero-length bitmap
// whose size doesn't match is rejected, per spec.
func DecodeAck(datagram []byte, expectedBitmapLen int) (Ack, error) {
	if len(datagram) < AckHeaderSize {
		return Ack{}, ErrInvalidFrame
	}
	bitmapLen := len(datagram) - AckHeaderSize
	if bitmapLen != 0 && bitmapLen != expectedBitmapLen {
		return Ack{}, ErrInvalidFrame
	}
	return Ack{raw: datagram}, nil
}

func (a Ack) SessionID() uint16  { return binary.LittleEndian.Uint16(a.raw[0:2]) }
func (a Ack) ErrorCode() byte    { return a.raw[2] }
func (a Ack) IsError() bool      { return a.raw[2] != 0 }
func (a Ack) IsFullWindow() bool { return len(a.raw) == AckHeaderSize }
func (a Ack) Bitmap() []byte     { return a.raw[AckHeaderSize:] }
func (a Ack) Bytes() []byte      { return a.raw }

// PeekSessionID extracts the session id from any frame-shaped datagram
// without knowing whether it's a data or ACK frame yet — both frame kinds
// place session_id in the first two bytes. Used by the demux before it
// knows which session table to consult.
func PeekSessionID(datagram []byte) (uint16, bool) {
	if len(datagram) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(datagram[0:2]), true
}
