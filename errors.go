package winlink

import "fmt"

// ErrorCode is the typed error surfaced through the event callback and
// returned from synchronous public-API misuse, following the same pattern
// as the teacher's SDOAbortCode: a small integer with a description map,
// usable directly as a Go error.
type ErrorCode uint8

const (
	ErrNoMemory ErrorCode = iota + 1
	ErrInvalidParams
	ErrInvalidFrame
	ErrInvalidControl
	ErrNetwork
	ErrSessionNotFound
	ErrSessionInProgress
	ErrMaxSessionsReached
	ErrTimedOut
	ErrExpired
	ErrInternal
)

var errorDescriptions = map[ErrorCode]string{
	ErrNoMemory:           "no memory",
	ErrInvalidParams:      "invalid params",
	ErrInvalidFrame:       "invalid frame",
	ErrInvalidControl:     "invalid control message",
	ErrNetwork:            "network error",
	ErrSessionNotFound:    "session not found",
	ErrSessionInProgress:  "session in progress",
	ErrMaxSessionsReached: "max sessions reached",
	ErrTimedOut:           "timed out",
	ErrExpired:            "expired",
	ErrInternal:           "internal error",
}

func (e ErrorCode) Error() string {
	if desc, ok := errorDescriptions[e]; ok {
		return desc
	}
	return fmt.Sprintf("unknown error code %d", uint8(e))
}

func (e ErrorCode) String() string {
	return e.Error()
}
