// Package session implements the demultiplexer that owns every send and
// receive session for one context and routes inbound datagrams to the
// right one, per spec.md §4.6.
//
// Grounded on the teacher's bus-manager subscription table
// (CAN-id-indexed `Handle` dispatch) re-indexed by the 16-bit transport
// session id, and on its node-controller lifecycle (create, run, reap on
// terminal state) generalized from one goroutine per node to one struct
// per session. The table's lock guards only its maps; each session holds
// its own lock, and the table never calls into a session while holding
// its lock.
package session

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/internal/fifo"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
	"github.com/winlink/winlink/pkg/recv"
	"github.com/winlink/winlink/pkg/send"
)

// inboundQueueSize bounds how many bytes of not-yet-processed datagrams
// this table will buffer before it starts dropping new arrivals. A BLE
// notification callback must never block; the queue is what lets
// enqueue return immediately while a separate goroutine drains it into
// OnDatagram.
const inboundQueueSize = 16 * 1024

// Table owns every session for one context and is the single receive
// callback registered with the Link.
type Table struct {
	mu sync.Mutex

	link   winlink.Link
	codec  control.ScalarCodec
	logger *slog.Logger

	maxSend int
	maxRecv int

	sendSessions map[uint16]*send.Session
	recvSessions map[uint16]*recv.Session

	onBlock     recv.BlockFunc
	onRecvEvent recv.EventFunc

	queueMu  sync.Mutex
	queue    *fifo.Fifo
	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds an empty session table bound to one link and control codec.
func New(link winlink.Link, codec control.ScalarCodec, maxSend, maxRecv int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		link:         link,
		codec:        codec,
		logger:       logger.With("component", "session-table"),
		maxSend:      maxSend,
		maxRecv:      maxRecv,
		sendSessions: make(map[uint16]*send.Session),
		recvSessions: make(map[uint16]*recv.Session),
		queue:        fifo.New(inboundQueueSize),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	link.RegisterReceiveCallback(datagramHandlerFunc(t.enqueue))
	go t.drainLoop()
	return t
}

// Close stops the inbound drain goroutine. It does not close the link or
// touch any session; callers abort sessions and close the link
// themselves (pkg/transport.Context.Destroy does both in order).
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// enqueue is the callback registered with the Link. It never blocks: a
// full queue silently drops the datagram, same as any other malformed or
// unroutable input per spec.md §4.6 — the sender's retransmit timer is
// what recovers from a lost datagram, including one lost here.
func (t *Table) enqueue(datagram winlink.Datagram) {
	bytes := []byte(datagram)
	if len(bytes) == 0 || len(bytes) > 0xFFFF {
		return
	}
	t.queueMu.Lock()
	if t.queue.GetSpace() < 2+len(bytes) {
		t.queueMu.Unlock()
		t.logger.Warn("inbound queue full, dropping datagram", "len", len(bytes))
		return
	}
	var lenPrefix [2]byte
	binary.LittleEndian.PutUint16(lenPrefix[:], uint16(len(bytes)))
	t.queue.Write(lenPrefix[:])
	t.queue.Write(bytes)
	t.queueMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Table) dequeue() ([]byte, bool) {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()
	if t.queue.GetOccupied() < 2 {
		return nil, false
	}
	var lenPrefix [2]byte
	t.queue.Read(lenPrefix[:])
	length := int(binary.LittleEndian.Uint16(lenPrefix[:]))
	datagram := make([]byte, length)
	t.queue.Read(datagram)
	return datagram, true
}

func (t *Table) drainLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.wake:
		}
		for {
			datagram, ok := t.dequeue()
			if !ok {
				break
			}
			t.OnDatagram(winlink.Datagram(datagram))
		}
	}
}

// datagramHandlerFunc adapts a plain function to winlink.DatagramHandler.
type datagramHandlerFunc func(winlink.Datagram)

func (f datagramHandlerFunc) Handle(d winlink.Datagram) { f(d) }

// SetReceiveHandler installs the single block/event callback pair used
// for every receive session admitted by this table (spec.md §6
// `set_receive_handler`).
func (t *Table) SetReceiveHandler(onBlock recv.BlockFunc, onEvent recv.EventFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBlock = onBlock
	t.onRecvEvent = onEvent
}

// AddSend registers a new send session, enforcing capacity and the
// no-id-reuse-while-state-exists invariant (spec.md §3 invariant 6).
func (t *Table) AddSend(sessionID uint16, params send.Params, appEvent send.EventFunc) (*send.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sendSessions[sessionID]; exists {
		return nil, winlink.ErrSessionInProgress
	}
	if _, exists := t.recvSessions[sessionID]; exists {
		return nil, winlink.ErrSessionInProgress
	}
	if len(t.sendSessions) >= t.maxSend {
		return nil, winlink.ErrMaxSessionsReached
	}

	sess := send.New(sessionID, t.link, t.codec, params, t.wrapSendEvent(sessionID, appEvent), t.logger)
	t.sendSessions[sessionID] = sess
	return sess, nil
}

// wrapSendEvent reaps a send session from the table on any terminal
// event except EventTimedOut, which the application may still resume.
func (t *Table) wrapSendEvent(sessionID uint16, appEvent send.EventFunc) send.EventFunc {
	return func(e send.Event) {
		if e.Kind != send.EventTimedOut {
			t.mu.Lock()
			delete(t.sendSessions, sessionID)
			t.mu.Unlock()
		}
		if appEvent != nil {
			appEvent(e)
		}
	}
}

// AbortSend aborts and reaps a known send session.
func (t *Table) AbortSend(sessionID uint16, code winlink.ErrorCode) error {
	t.mu.Lock()
	sess, ok := t.sendSessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return winlink.ErrSessionNotFound
	}
	sess.Abort(code)
	t.mu.Lock()
	delete(t.sendSessions, sessionID)
	t.mu.Unlock()
	return nil
}

// AbortRecv aborts and reaps a known receive session.
func (t *Table) AbortRecv(sessionID uint16, code winlink.ErrorCode) error {
	t.mu.Lock()
	sess, ok := t.recvSessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return winlink.ErrSessionNotFound
	}
	sess.Abort(code)
	t.mu.Lock()
	delete(t.recvSessions, sessionID)
	t.mu.Unlock()
	return nil
}

// SendSession looks up a known send session by id.
func (t *Table) SendSession(sessionID uint16) (*send.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sendSessions[sessionID]
	return s, ok
}

// RecvSession looks up a known receive session by id.
func (t *Table) RecvSession(sessionID uint16) (*recv.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.recvSessions[sessionID]
	return s, ok
}

// Lookup reports whether sessionID currently names a session on either
// side, for callers (pkg/transport's send-id allocator) that need to
// probe occupancy without caring which side it is.
func (t *Table) Lookup(sessionID uint16) (any, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sendSessions[sessionID]; ok {
		return s, "send", true
	}
	if s, ok := t.recvSessions[sessionID]; ok {
		return s, "recv", true
	}
	return nil, "", false
}

// Counts reports the current occupancy, for diagnostics/stats.
func (t *Table) Counts() (sendCount, recvCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sendSessions), len(t.recvSessions)
}

// OnDatagram is the demux entry point, invoked by the drain goroutine
// for every datagram that made it through the inbound queue. It never
// panics on malformed input; every unroutable or malformed datagram is
// dropped silently, per spec.md §4.6.
func (t *Table) OnDatagram(datagram winlink.Datagram) {
	bytes := []byte(datagram)
	if len(bytes) < 3 {
		return
	}
	sessionID, ok := frame.PeekSessionID(bytes)
	if !ok {
		return
	}

	t.mu.Lock()
	sendSess, isSend := t.sendSessions[sessionID]
	recvSess, isRecv := t.recvSessions[sessionID]
	t.mu.Unlock()

	switch {
	case isSend:
		t.routeAck(sendSess, bytes)
	case isRecv:
		t.routeData(recvSess, bytes)
	default:
		t.routeControl(bytes)
	}
}

func (t *Table) routeAck(sess *send.Session, bytes []byte) {
	windowSize := sess.Params().WindowSize
	expectedBitmapLen := (int(2*windowSize) + 7) / 8
	ack, err := frame.DecodeAck(bytes, expectedBitmapLen)
	if err != nil {
		return
	}
	sess.OnAck(ack)
}

func (t *Table) routeData(sess *recv.Session, bytes []byte) {
	d, err := frame.DecodeData(bytes)
	if err != nil {
		return
	}
	sess.OnData(d)
}

func (t *Table) routeControl(bytes []byte) {
	msg, err := control.Decode(t.codec, bytes)
	if err != nil {
		return
	}

	switch m := msg.(type) {
	case control.Start:
		t.admitRecv(m)
	case control.Abort:
		t.handleAbortControl(m)
	case control.Resume:
		t.handleResumeControl(m)
	case control.AckControl:
		t.handleSetupAck(m)
	}
}

func (t *Table) admitRecv(start control.Start) {
	t.mu.Lock()
	_, sendExists := t.sendSessions[start.SessionID]
	_, recvExists := t.recvSessions[start.SessionID]
	atCapacity := len(t.recvSessions) >= t.maxRecv
	onBlock := t.onBlock
	onEvent := t.onRecvEvent
	t.mu.Unlock()

	if sendExists || recvExists {
		// Either genuinely in progress, or Complete-but-undestroyed (spec.md
		// §9 open-question decision 3): either way, refuse and drop.
		return
	}
	if atCapacity {
		return
	}

	params := recv.Params{
		BlockSize:      start.BlockSize,
		WindowSize:     start.WindowSize,
		TimeoutMs:      start.TimeoutMs,
		MaxRetransmits: start.MaxRetransmits,
		ExpiryMs:       start.ExpiryMs,
		ObjectLen:      start.ObjectSize,
	}

	sess := recv.New(start.SessionID, params, t.link, t.codec, onBlock, t.wrapRecvEvent(start.SessionID, onEvent), t.logger)

	t.mu.Lock()
	t.recvSessions[start.SessionID] = sess
	t.mu.Unlock()

	sess.Admit()
}

func (t *Table) wrapRecvEvent(sessionID uint16, appEvent recv.EventFunc) recv.EventFunc {
	return func(e recv.Event) {
		if e.Kind == recv.EventComplete || e.Kind == recv.EventFailed {
			t.mu.Lock()
			delete(t.recvSessions, sessionID)
			t.mu.Unlock()
		}
		if appEvent != nil {
			appEvent(e)
		}
	}
}

func (t *Table) handleAbortControl(a control.Abort) {
	t.mu.Lock()
	sendSess, isSend := t.sendSessions[a.SessionID]
	recvSess, isRecv := t.recvSessions[a.SessionID]
	t.mu.Unlock()

	switch {
	case isSend:
		sendSess.Abort(winlink.ErrorCode(a.ErrorCode))
		t.mu.Lock()
		delete(t.sendSessions, a.SessionID)
		t.mu.Unlock()
	case isRecv:
		recvSess.Abort(winlink.ErrorCode(a.ErrorCode))
		t.mu.Lock()
		delete(t.recvSessions, a.SessionID)
		t.mu.Unlock()
	}
}

// handleResumeControl routes an inbound RESUME to the receive session it
// targets. RESUME flows sender-to-receiver (spec.md §4.7); the sender
// side never receives its own RESUME message back.
func (t *Table) handleResumeControl(r control.Resume) {
	t.mu.Lock()
	recvSess, ok := t.recvSessions[r.SessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	recvSess.OnResume(r.ByteOffsetResume)
}

func (t *Table) handleSetupAck(a control.AckControl) {
	t.mu.Lock()
	sendSess, ok := t.sendSessions[a.SessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	sendSess.OnSetupAck(a.ErrorCode)
}
