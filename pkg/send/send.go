// Package send implements the windowed sender state machine: the half of
// the protocol that owns an object buffer, emits windows of data frames,
// and reacts to ACK frames and a retransmit timer.
//
// The mutex-guarded, slog-logging shape mirrors the teacher's SDOServer
// (pkg/sdo/server.go): one struct, one lock taken at the top of every
// public method, state mutated only while held.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
)

// Phase is the send session's position in its lifecycle.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStarting
	PhaseSending
	PhaseDraining
	PhaseComplete
	PhaseFailed
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStarting:
		return "starting"
	case PhaseSending:
		return "sending"
	case PhaseDraining:
		return "draining"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Params are the session parameters negotiated at START, immutable for the
// session's lifetime.
type Params struct {
	BlockSize      uint32
	WindowSize     uint32
	TimeoutMs      uint32
	MaxRetransmits uint32
	ExpiryMs       uint32
}

func (p Params) validate() error {
	if p.BlockSize == 0 {
		return winlink.ErrInvalidParams
	}
	if p.WindowSize == 0 || p.WindowSize > 16384 {
		return winlink.ErrInvalidParams
	}
	return nil
}

// EventKind identifies one of the three events a send session can surface.
type EventKind int

const (
	EventComplete EventKind = iota
	EventFailed
	EventTimedOut
)

// Event is delivered to the onEvent callback exactly once, when the
// session reaches a terminal phase (or, for EventTimedOut, a phase from
// which Resume is still possible).
type Event struct {
	Kind      EventKind
	SessionID uint16
	Err       error
}

// EventFunc receives terminal/timeout notifications for a send session.
type EventFunc func(Event)

// Session is one outbound, windowed block transfer.
type Session struct {
	mu sync.Mutex

	sessionID uint16
	link      winlink.Link
	codec     control.ScalarCodec
	logger    *slog.Logger
	onEvent   EventFunc

	object    []byte
	objectLen uint32
	params    Params

	windowBaseOffset uint32
	firstBlockNumber uint16
	retriesLeft      uint32
	resumePending    bool
	phase            Phase
	failureCode      winlink.ErrorCode

	timer      *time.Timer
	expiryTime time.Time

	stats Stats
}

// Stats are the per-session counters pkg/transport surfaces for
// diagnostics (see SPEC_FULL.md §6, "session statistics").
type Stats struct {
	BlocksSent    uint64
	Retransmits   uint64
	AcksReceived  uint64
}

// New builds a send session in PhaseInit. Start must be called before any
// other method.
func New(sessionID uint16, link winlink.Link, codec control.ScalarCodec, params Params, onEvent EventFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		sessionID: sessionID,
		link:      link,
		codec:     codec,
		params:    params,
		onEvent:   onEvent,
		logger:    logger.With("session", sessionID, "role", "send"),
	}
}

// SessionID returns the session's wire identifier.
func (s *Session) SessionID() uint16 { return s.sessionID }

// Params returns the session's immutable parameters, for callers (the
// session table) that need window_size to size an ACK's expected bitmap.
func (s *Session) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// OnSetupAck applies a session-setup-level ACK-control reply (spec.md
// §4.2): a nonzero error_code means the peer refused admission and the
// session fails with that code; a zero error_code is a no-op
// acknowledgement of a session already in progress.
func (s *Session) OnSetupAck(errorCode uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStarting && s.phase != PhaseSending && s.phase != PhaseDraining {
		return
	}
	if errorCode != 0 {
		s.failLocked(winlink.ErrorCode(errorCode), EventFailed)
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start arms the retransmit timer, emits START, and emits the first
// window of data blocks. Fails synchronously with InvalidParams,
// Internal (START could not be encoded) or Network, leaving the session
// in PhaseInit, matching the "public-API misuse never transitions
// session state" policy.
func (s *Session) Start(object []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInit {
		return winlink.ErrInvalidParams
	}
	if err := s.params.validate(); err != nil {
		return err
	}
	if len(object) == 0 {
		return winlink.ErrInvalidParams
	}

	s.phase = PhaseStarting
	s.object = object
	s.objectLen = uint32(len(object))
	s.retriesLeft = s.params.MaxRetransmits
	s.expiryTime = time.Now().Add(time.Duration(s.params.ExpiryMs) * time.Millisecond)

	start := control.Start{
		SessionID:      s.sessionID,
		ObjectSize:     s.objectLen,
		BlockSize:      s.params.BlockSize,
		WindowSize:     s.params.WindowSize,
		TimeoutMs:      s.params.TimeoutMs,
		MaxRetransmits: s.params.MaxRetransmits,
		ExpiryMs:       s.params.ExpiryMs,
	}
	raw, err := control.Encode(s.codec, start)
	if err != nil {
		s.phase = PhaseInit
		return winlink.ErrInternal
	}
	if _, err := s.link.SendDatagram(raw); err != nil {
		s.phase = PhaseInit
		return winlink.ErrNetwork
	}

	s.logger.Info("session starting", "object_len", s.objectLen, "window_size", s.params.WindowSize)
	s.emitWindowLocked(false)
	s.phase = PhaseSending
	if s.windowBaseOffset+s.params.WindowSize*s.params.BlockSize >= s.objectLen {
		s.phase = PhaseDraining
	}
	s.armTimerLocked()
	return nil
}

// OnAck applies the ACK handling algorithm of spec.md §4.4.
func (s *Session) OnAck(ack frame.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseSending && s.phase != PhaseDraining {
		return
	}
	s.stats.AcksReceived++

	if ack.IsError() {
		s.stopTimerLocked()
		s.failLocked(winlink.ErrorCode(ack.ErrorCode()), EventFailed)
		return
	}

	windowSize := int(s.params.WindowSize)
	modulus := uint16(2 * windowSize)

	if ack.IsFullWindow() {
		s.stopTimerLocked()

		// first_block_number only cycles the wire-tagging space (disambiguating
		// a retransmit of window k from a fresh block of window k+1, per
		// spec.md §3); actual byte progress must advance every completed
		// window, not merely every other one when the modular counter happens
		// to wrap to 0.
		s.firstBlockNumber = uint16((int(s.firstBlockNumber) + windowSize)) % modulus
		s.windowBaseOffset += s.params.WindowSize * s.params.BlockSize

		if s.windowBaseOffset >= s.objectLen {
			s.phase = PhaseComplete
			s.logger.Info("send complete")
			s.emitEventLocked(EventComplete, nil)
			return
		}

		s.retriesLeft = s.params.MaxRetransmits
		s.emitWindowLocked(false)
		if s.windowBaseOffset+s.params.WindowSize*s.params.BlockSize >= s.objectLen {
			s.phase = PhaseDraining
		}
		s.armTimerLocked()
		return
	}

	// Selective retransmit: bit i set (absolute block number i mod 2w) means
	// that block was not received; resend only those blocks.
	bitmap := ack.Bitmap()
	matched := false
	for offset := 0; offset < windowSize; offset++ {
		blockNumber := (int(s.firstBlockNumber) + offset) % int(modulus)
		byteIdx := blockNumber / 8
		if byteIdx >= len(bitmap) {
			continue
		}
		if bitmap[byteIdx]&(1<<uint(blockNumber%8)) == 0 {
			continue
		}
		matched = true
		s.retransmitBlockLocked(offset)
	}
	if !matched {
		// No bit falls within the current window: a stale ACK from an
		// earlier window. Drop it without touching the timer.
		return
	}
	s.armTimerLocked()
}

// OnTimerFired re-emits the entire current window, or fails the session
// if the retry budget is exhausted.
func (s *Session) OnTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseSending && s.phase != PhaseDraining {
		return
	}
	if !s.expiryTime.IsZero() && time.Now().After(s.expiryTime) {
		s.failLocked(winlink.ErrExpired, EventFailed)
		return
	}
	if s.retriesLeft == 0 {
		s.failLocked(winlink.ErrTimedOut, EventTimedOut)
		return
	}
	s.retriesLeft--
	s.logger.Warn("retransmit timer fired, re-emitting window", "retries_left", s.retriesLeft)
	s.emitWindowLocked(true)
	s.armTimerLocked()
}

// Abort cancels the timer, emits ABORT best-effort, and transitions to
// PhaseAborted.
func (s *Session) Abort(code winlink.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	raw, err := control.Encode(s.codec, control.Abort{SessionID: s.sessionID, ErrorCode: uint8(code)})
	if err == nil {
		if _, sendErr := s.link.SendDatagram(raw); sendErr != nil {
			s.logger.Warn("best-effort ABORT send failed", "err", sendErr)
		}
	}
	s.phase = PhaseAborted
}

// Resume re-emits RESUME from the last acknowledged window boundary. Only
// valid for a session that failed by TimedOut.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseFailed || s.failureCode != winlink.ErrTimedOut {
		return winlink.ErrInvalidParams
	}

	resume := control.Resume{SessionID: s.sessionID, ByteOffsetResume: s.windowBaseOffset}
	raw, err := control.Encode(s.codec, resume)
	if err != nil {
		return winlink.ErrInternal
	}
	if _, err := s.link.SendDatagram(raw); err != nil {
		return winlink.ErrNetwork
	}

	s.logger.Info("resuming session", "byte_offset", s.windowBaseOffset)
	s.resumePending = true
	s.retriesLeft = s.params.MaxRetransmits
	s.expiryTime = time.Now().Add(time.Duration(s.params.ExpiryMs) * time.Millisecond)
	s.emitWindowLocked(true)
	s.phase = PhaseSending
	if s.windowBaseOffset+s.params.WindowSize*s.params.BlockSize >= s.objectLen {
		s.phase = PhaseDraining
	}
	s.armTimerLocked()
	return nil
}

// Destroy releases timer resources. Safe to call on a terminal session.
func (s *Session) Destroy(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Session) emitWindowLocked(isRetransmit bool) {
	blockSize := int(s.params.BlockSize)
	windowSize := int(s.params.WindowSize)
	modulus := uint16(2 * windowSize)
	base := int(s.windowBaseOffset)

	for i := 0; i < windowSize; i++ {
		start := base + i*blockSize
		if start >= len(s.object) {
			break
		}
		end := start + blockSize
		last := false
		if end >= len(s.object) {
			end = len(s.object)
			last = true
		}
		blockNumber := uint16((int(s.firstBlockNumber) + i)) % modulus
		resume := s.resumePending && i == 0
		d := frame.NewData(s.sessionID, blockNumber, resume, last, s.object[start:end])
		if _, err := s.link.SendDatagram(d.Bytes()); err != nil {
			// Transient network failure mid-window: keep emitting the rest
			// of the window, per spec.md §7. The retransmit timer recovers.
			s.logger.Warn("datagram send failed, continuing window", "block_number", blockNumber, "err", err)
			continue
		}
		s.stats.BlocksSent++
		if isRetransmit {
			s.stats.Retransmits++
		}
	}
	s.resumePending = false
}

func (s *Session) retransmitBlockLocked(windowOffset int) {
	blockSize := int(s.params.BlockSize)
	modulus := uint16(2 * s.params.WindowSize)
	start := int(s.windowBaseOffset) + windowOffset*blockSize
	if start >= len(s.object) {
		return
	}
	end := start + blockSize
	last := false
	if end >= len(s.object) {
		end = len(s.object)
		last = true
	}
	blockNumber := uint16(int(s.firstBlockNumber)+windowOffset) % modulus
	d := frame.NewData(s.sessionID, blockNumber, false, last, s.object[start:end])
	if _, err := s.link.SendDatagram(d.Bytes()); err != nil {
		s.logger.Warn("selective retransmit send failed", "block_number", blockNumber, "err", err)
		return
	}
	s.stats.BlocksSent++
	s.stats.Retransmits++
}

func (s *Session) armTimerLocked() {
	s.stopTimerLocked()
	d := time.Duration(2*s.params.TimeoutMs) * time.Millisecond
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

func (s *Session) failLocked(code winlink.ErrorCode, kind EventKind) {
	s.stopTimerLocked()
	s.failureCode = code
	s.phase = PhaseFailed
	s.logger.Warn("send session failed", "code", code, "kind", kind)
	s.emitEventLocked(kind, code)
}

func (s *Session) emitEventLocked(kind EventKind, err error) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(Event{Kind: kind, SessionID: s.sessionID, Err: err})
}
