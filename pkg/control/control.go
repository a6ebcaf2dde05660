// Package control implements the logical schema of the four session
// setup/teardown control messages (START, ABORT, RESUME, ACK-control) and
// keeps their wire encoding pluggable, per Design Notes: the encoder is a
// capability injected at context creation, never named concretely by the
// protocol engine.
//
// The schema is fixed by this package; a ScalarCodec only knows how to
// turn a self-describing key/int64 map into bytes and back, the same
// split the teacher applies to its Bus/FrameListener capability interfaces.
package control

import "errors"

// ErrInvalidControl is returned when a decoded message is missing a
// required field or carries an unrecognized message type. Per spec, the
// demux drops such datagrams silently.
var ErrInvalidControl = errors.New("invalid control message")

// Type identifies which of the four control messages a Fields map encodes.
type Type int64

const (
	TypeStart      Type = 1
	TypeAbort      Type = 2
	TypeResume     Type = 3
	TypeAckControl Type = 5
)

// Field keys, matching spec.md §4.2 exactly.
const (
	keyType           = "m"
	keySessionID      = "i"
	keySize           = "s" // object_size on START, byte_offset_to_resume_from on RESUME
	keyBlockSize      = "b"
	keyWindowSize     = "w"
	keyTimeoutMs      = "t"
	keyMaxRetransmits = "r"
	keyExpiryMs       = "x"
	keyErrorCode      = "e"
)

// Fields is the self-describing key/int64-value map every ScalarCodec
// encodes and decodes. Values are always signed integers, per spec.
type Fields map[string]int64

// ScalarCodec is the pluggable encoder/decoder this package depends on. A
// concrete implementation (see pkg/control/cbor) only needs to round-trip
// a Fields map through its chosen self-describing format.
type ScalarCodec interface {
	EncodeFields(Fields) ([]byte, error)
	DecodeFields([]byte) (Fields, error)
}

// Message is the sum type of the four control messages, modeled as a
// tagged union via an interface with concrete variants rather than a
// single struct with a discriminant field set by the caller.
type Message interface {
	messageType() Type
}

type Start struct {
	SessionID      uint16
	ObjectSize     uint32
	BlockSize      uint32
	WindowSize     uint32
	TimeoutMs      uint32
	MaxRetransmits uint32
	ExpiryMs       uint32
}

func (Start) messageType() Type { return TypeStart }

type Abort struct {
	SessionID uint16
	ErrorCode uint8
}

func (Abort) messageType() Type { return TypeAbort }

// Resume carries only the byte offset to resume from (see SPEC_FULL.md §9,
// decision 1): the receiver always resumes from a window boundary, so a
// block number would be a second, redundant source of truth.
type Resume struct {
	SessionID        uint16
	ByteOffsetResume uint32
}

func (Resume) messageType() Type { return TypeResume }

type AckControl struct {
	SessionID uint16
	ErrorCode uint8
}

func (AckControl) messageType() Type { return TypeAckControl }

// Encode turns a Message into wire bytes via codec.
func Encode(codec ScalarCodec, msg Message) ([]byte, error) {
	return codec.EncodeFields(toFields(msg))
}

// Decode turns wire bytes back into a Message via codec, validating that
// every field the message type requires is present.
func Decode(codec ScalarCodec, raw []byte) (Message, error) {
	fields, err := codec.DecodeFields(raw)
	if err != nil {
		return nil, ErrInvalidControl
	}
	return fromFields(fields)
}

func toFields(msg Message) Fields {
	switch m := msg.(type) {
	case Start:
		return Fields{
			keyType:           int64(TypeStart),
			keySessionID:      int64(m.SessionID),
			keySize:           int64(m.ObjectSize),
			keyBlockSize:      int64(m.BlockSize),
			keyWindowSize:     int64(m.WindowSize),
			keyTimeoutMs:      int64(m.TimeoutMs),
			keyMaxRetransmits: int64(m.MaxRetransmits),
			keyExpiryMs:       int64(m.ExpiryMs),
		}
	case Abort:
		return Fields{
			keyType:      int64(TypeAbort),
			keySessionID: int64(m.SessionID),
			keyErrorCode: int64(m.ErrorCode),
		}
	case Resume:
		return Fields{
			keyType:      int64(TypeResume),
			keySessionID: int64(m.SessionID),
			keySize:      int64(m.ByteOffsetResume),
		}
	case AckControl:
		return Fields{
			keyType:      int64(TypeAckControl),
			keySessionID: int64(m.SessionID),
			keyErrorCode: int64(m.ErrorCode),
		}
	default:
		return nil
	}
}

func fromFields(f Fields) (Message, error) {
	typ, ok := f[keyType]
	if !ok {
		return nil, ErrInvalidControl
	}
	sessionID, ok := f[keySessionID]
	if !ok {
		return nil, ErrInvalidControl
	}

	switch Type(typ) {
	case TypeStart:
		size, ok1 := f[keySize]
		block, ok2 := f[keyBlockSize]
		window, ok3 := f[keyWindowSize]
		timeout, ok4 := f[keyTimeoutMs]
		retr, ok5 := f[keyMaxRetransmits]
		expiry, ok6 := f[keyExpiryMs]
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			return nil, ErrInvalidControl
		}
		return Start{
			SessionID:      uint16(sessionID),
			ObjectSize:     uint32(size),
			BlockSize:      uint32(block),
			WindowSize:     uint32(window),
			TimeoutMs:      uint32(timeout),
			MaxRetransmits: uint32(retr),
			ExpiryMs:       uint32(expiry),
		}, nil

	case TypeAbort:
		errCode, ok := f[keyErrorCode]
		if !ok {
			return nil, ErrInvalidControl
		}
		return Abort{SessionID: uint16(sessionID), ErrorCode: uint8(errCode)}, nil

	case TypeResume:
		offset, ok := f[keySize]
		if !ok {
			return nil, ErrInvalidControl
		}
		return Resume{SessionID: uint16(sessionID), ByteOffsetResume: uint32(offset)}, nil

	case TypeAckControl:
		errCode, ok := f[keyErrorCode]
		if !ok {
			return nil, ErrInvalidControl
		}
		return AckControl{SessionID: uint16(sessionID), ErrorCode: uint8(errCode)}, nil

	default:
		return nil, ErrInvalidControl
	}
}
