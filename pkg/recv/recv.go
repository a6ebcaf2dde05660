// Package recv implements the windowed receiver state machine: it
// accumulates data blocks into a per-window buffer tracked by a bitmap,
// coalesces ACKs behind a timer, and delivers contiguous byte ranges to
// the application in ascending offset order.
//
// Shaped after the teacher's pkg/sdo block-upload path
// (upload_block.go's sequence/duplicate handling) generalized to an
// arbitrary window size and a bitmap instead of a single toggling byte.
package recv

import (
	"log/slog"
	"sync"
	"time"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/bitmap"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
)

// Phase is the receive session's position in its lifecycle.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseReceiving
	PhaseDelivering
	PhaseComplete
	PhaseFailed
	PhaseAborted
)

// Params are the session parameters carried by the admitting START.
type Params struct {
	BlockSize      uint32
	WindowSize     uint32
	TimeoutMs      uint32
	MaxRetransmits uint32
	ExpiryMs       uint32
	ObjectLen      uint32
}

// BlockFunc is invoked once per delivered block, in strictly ascending,
// contiguous object-offset order (spec.md §3 invariant 4).
type BlockFunc func(offset uint32, data []byte)

// EventKind identifies one of the receive-side lifecycle events: admission
// (EventStarted) or a terminal phase (EventComplete, EventFailed).
type EventKind int

const (
	EventStarted EventKind = iota
	EventComplete
	EventFailed
)

// Event is delivered to the onEvent callback on admission and at
// terminal phases.
type Event struct {
	Kind      EventKind
	SessionID uint16
	Err       error
}

// EventFunc receives receive-session lifecycle notifications.
type EventFunc func(Event)

// Stats are the per-session counters pkg/transport surfaces for
// diagnostics (spec.md §6 session statistics).
type Stats struct {
	BlocksReceived uint64
	BytesDelivered uint64
}

// Session is one inbound, windowed block transfer.
type Session struct {
	mu sync.Mutex

	sessionID uint16
	link      winlink.Link
	codec     control.ScalarCodec
	logger    *slog.Logger
	onBlock   BlockFunc
	onEvent   EventFunc

	params Params
	phase  Phase

	windowBaseOffset uint32
	firstBlockNumber uint16
	terminalOffset   uint32
	haveTerminal     bool

	buffer   []byte
	received *bitmap.Bitmap

	timer      *time.Timer
	expiryTime time.Time

	stats Stats
}

// New admits a receive session from a validated START, allocating its
// buffer and bitmap once at construction, matching spec.md §4.5.
func New(sessionID uint16, params Params, link winlink.Link, codec control.ScalarCodec, onBlock BlockFunc, onEvent EventFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		sessionID: sessionID,
		link:      link,
		codec:     codec,
		params:    params,
		onBlock:   onBlock,
		onEvent:   onEvent,
		logger:    logger.With("session", sessionID, "role", "recv"),
		buffer:    make([]byte, params.WindowSize*params.BlockSize),
		received:  bitmap.New(int(2 * params.WindowSize)),
	}
	return s
}

// SessionID returns the session's wire identifier.
func (s *Session) SessionID() uint16 { return s.sessionID }

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Admit starts the session: clears the bitmap, arms the ACK-coalescing
// timer, and surfaces EventStarted.
func (s *Session) Admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = PhaseReceiving
	s.expiryTime = time.Now().Add(time.Duration(s.params.ExpiryMs) * time.Millisecond)
	s.armTimerLocked()
	s.emitEventLocked(EventStarted, nil)
}

// OnData applies the data-block handling algorithm of spec.md §4.5.
func (s *Session) OnData(d frame.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseReceiving {
		return
	}

	windowSize := int(s.params.WindowSize)
	modulus := uint16(2 * windowSize)

	blockIndex := (int(d.BlockNumber()) - int(s.firstBlockNumber)) % int(modulus)
	if blockIndex < 0 {
		blockIndex += int(modulus)
	}
	if blockIndex >= windowSize {
		// Belongs to a future window; the sender will retransmit once it
		// learns our progress.
		return
	}
	if s.received.Test(blockIndex) {
		// Duplicate retransmit, discard silently.
		return
	}

	start := blockIndex * int(s.params.BlockSize)
	copy(s.buffer[start:], d.Payload())
	s.received.Set(blockIndex)
	s.stats.BlocksReceived++

	if d.Last() {
		s.terminalOffset = s.windowBaseOffset + uint32(blockIndex)*s.params.BlockSize + uint32(d.PayloadLen())
		s.haveTerminal = true
	}

	if s.windowComplete(windowSize) {
		s.fireAckLocked()
	}
}

// OnTimerFired emits the ACK for the current window state, whatever it
// is (full or selective), per the ACK-emission algorithm.
func (s *Session) OnTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseReceiving {
		return
	}
	if !s.expiryTime.IsZero() && time.Now().After(s.expiryTime) {
		s.failLocked(winlink.ErrExpired)
		return
	}
	s.fireAckLocked()
}

// OnResume validates a RESUME request: the receiver's own window base
// must match the sender's claimed offset, else the session aborts.
func (s *Session) OnResume(byteOffset uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.windowBaseOffset != byteOffset {
		s.logger.Warn("resume offset mismatch, aborting", "want", s.windowBaseOffset, "got", byteOffset)
		s.abortLocked(winlink.ErrInvalidParams)
		return
	}
	s.expiryTime = time.Now().Add(time.Duration(s.params.ExpiryMs) * time.Millisecond)
	s.armTimerLocked()
}

// Abort cancels the timer and moves the session to PhaseAborted.
func (s *Session) Abort(code winlink.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(code)
}

func (s *Session) abortLocked(code winlink.ErrorCode) {
	s.stopTimerLocked()
	raw, err := control.Encode(s.codec, control.Abort{SessionID: s.sessionID, ErrorCode: uint8(code)})
	if err == nil {
		if _, sendErr := s.link.SendDatagram(raw); sendErr != nil {
			s.logger.Warn("best-effort ABORT send failed", "err", sendErr)
		}
	}
	s.phase = PhaseAborted
}

func (s *Session) windowComplete(windowSize int) bool {
	if s.received.CountSet() >= windowSize {
		return true
	}
	if !s.haveTerminal {
		return false
	}
	// Every bit up to and including the terminal block is set: the object
	// ends mid-window, so the remaining slots in the window never arrive.
	lastIndex := int((s.terminalOffset - s.windowBaseOffset - 1) / s.params.BlockSize)
	return !s.received.AnyMissingInRange(0, lastIndex+1)
}

func (s *Session) fireAckLocked() {
	windowSize := int(s.params.WindowSize)
	if s.windowComplete(windowSize) {
		s.deliverAndAdvanceLocked(windowSize)
		return
	}

	// Selective retransmit: build the missing-blocks bitmap addressed by
	// absolute block number, matching the sender's interpretation.
	bitmapLen := (int(2*s.params.WindowSize) + 7) / 8
	wire := make([]byte, bitmapLen)
	modulus := int(2 * s.params.WindowSize)
	for offset := 0; offset < windowSize; offset++ {
		if s.received.Test(offset) {
			continue
		}
		blockNumber := (int(s.firstBlockNumber) + offset) % modulus
		wire[blockNumber/8] |= 1 << uint(blockNumber%8)
	}
	ack := frame.NewSelectiveAck(s.sessionID, wire)
	if _, err := s.link.SendDatagram(ack.Bytes()); err != nil {
		// A failed ACK send is fatal to the receive session: without it,
		// the sender will keep retransmitting and the session deadlocks.
		s.failLocked(winlink.ErrNetwork)
		return
	}
	s.armTimerLocked()
}

func (s *Session) deliverAndAdvanceLocked(windowSize int) {
	ack := frame.NewFullWindowAck(s.sessionID)
	if _, err := s.link.SendDatagram(ack.Bytes()); err != nil {
		s.failLocked(winlink.ErrNetwork)
		return
	}

	deliverLen := uint32(windowSize) * s.params.BlockSize
	if s.haveTerminal && s.terminalOffset-s.windowBaseOffset < deliverLen {
		deliverLen = s.terminalOffset - s.windowBaseOffset
	}

	// Deliver one on_block call per block, in ascending offset order, not
	// one call for the whole window: the terminal block in the window may
	// be shorter than block_size.
	blockSize := int(s.params.BlockSize)
	for start := 0; uint32(start) < deliverLen; start += blockSize {
		end := start + blockSize
		if uint32(end) > deliverLen {
			end = int(deliverLen)
		}
		if s.onBlock != nil {
			s.onBlock(s.windowBaseOffset+uint32(start), s.buffer[start:end])
		}
	}
	s.stats.BytesDelivered += uint64(deliverLen)

	modulus := uint16(2 * windowSize)
	s.firstBlockNumber = uint16((int(s.firstBlockNumber) + windowSize)) % modulus
	s.windowBaseOffset += deliverLen
	s.received.ClearAll()

	if s.haveTerminal && s.windowBaseOffset >= s.terminalOffset {
		s.stopTimerLocked()
		s.phase = PhaseComplete
		s.logger.Info("receive complete")
		s.emitEventLocked(EventComplete, nil)
		return
	}
	s.armTimerLocked()
}

func (s *Session) armTimerLocked() {
	s.stopTimerLocked()
	d := time.Duration(s.params.TimeoutMs) * time.Millisecond
	s.timer = time.AfterFunc(d, func() {
		s.OnTimerFired()
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) failLocked(code winlink.ErrorCode) {
	s.stopTimerLocked()
	s.phase = PhaseFailed
	s.logger.Warn("receive session failed", "code", code)
	s.emitEventLocked(EventFailed, code)
}

func (s *Session) emitEventLocked(kind EventKind, err error) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(Event{Kind: kind, SessionID: s.sessionID, Err: err})
}
