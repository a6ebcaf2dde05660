// Package transport is the public API surface of the module: one Context
// per Link, created once and shared by the application to send objects,
// register a receive handler, and manage in-flight sessions by handle.
//
// Grounded on the teacher's pkg/network.Network: a single facade struct
// that owns everything else in the stack and exposes it through a small,
// stable method set, rather than making the caller wire up the session
// table, codec, and link themselves.
package transport

import (
	"log/slog"
	"sync"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/control/cbor"
	"github.com/winlink/winlink/pkg/frame"
	"github.com/winlink/winlink/pkg/recv"
	"github.com/winlink/winlink/pkg/send"
	"github.com/winlink/winlink/pkg/session"
)

// Handle identifies one session to the application. It is the session's
// wire session_id, odd for every session this context initiates as a
// sender (spec.md §3 invariant: parity marks sender- vs receiver-initiated).
type Handle uint16

// Params are the session defaults this context applies to every Send it
// initiates; block_size is derived from the link's MTU unless overridden.
type Params struct {
	BlockSize      uint32
	WindowSize     uint32
	TimeoutMs      uint32
	MaxRetransmits uint32
	ExpiryMs       uint32
}

// Stats aggregates the counters of whichever session (send or receive)
// a handle currently names.
type Stats struct {
	BlocksSent     uint64
	Retransmits    uint64
	AcksReceived   uint64
	BlocksReceived uint64
	BytesDelivered uint64
}

// Context is the single object an application holds: one per link, built
// once with CreateContext and torn down once with Destroy.
type Context struct {
	mu sync.Mutex

	link   winlink.Link
	codec  control.ScalarCodec
	params Params
	table  *session.Table
	logger *slog.Logger

	nextSessionID uint16
}

// CreateContext builds a context bound to one link, matching spec.md §6's
// create_context(link, params, max_send_sessions, max_recv_sessions). A
// nil codec defaults to the CBOR scalar codec (pkg/control/cbor); a nil
// logger defaults to slog.Default().
func CreateContext(link winlink.Link, codec control.ScalarCodec, params Params, maxSendSessions, maxRecvSessions int, logger *slog.Logger) *Context {
	if codec == nil {
		codec = cbor.Codec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if params.BlockSize == 0 {
		mtu := link.MTU()
		if mtu > frame.DataHeaderSize {
			params.BlockSize = uint32(mtu - frame.DataHeaderSize)
		}
	}
	return &Context{
		link:          link,
		codec:         codec,
		params:        params,
		table:         session.New(link, codec, maxSendSessions, maxRecvSessions, logger),
		logger:        logger.With("component", "transport"),
		nextSessionID: 1,
	}
}

// Send admits a new send session for object and starts it, matching
// spec.md §6's send(context, object_bytes, object_len, callback). The
// returned handle's wire session_id is always odd (sender-initiated).
func (c *Context) Send(object []byte, onEvent send.EventFunc) (Handle, error) {
	c.mu.Lock()
	sessionID, err := c.allocateSendIDLocked()
	params := c.params
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	sendParams := send.Params{
		BlockSize:      params.BlockSize,
		WindowSize:     params.WindowSize,
		TimeoutMs:      params.TimeoutMs,
		MaxRetransmits: params.MaxRetransmits,
		ExpiryMs:       params.ExpiryMs,
	}

	sess, err := c.table.AddSend(sessionID, sendParams, onEvent)
	if err != nil {
		return 0, err
	}
	if err := sess.Start(object); err != nil {
		if code, ok := err.(winlink.ErrorCode); ok {
			c.table.AbortSend(sessionID, code)
		}
		return 0, err
	}
	return Handle(sessionID), nil
}

// allocateSendIDLocked picks the next free odd session id, probing the
// table with Lookup rather than tracking occupancy itself, so a
// session reaped after completion can have its id reused immediately.
func (c *Context) allocateSendIDLocked() (uint16, error) {
	start := c.nextSessionID
	for {
		candidate := c.nextSessionID
		c.nextSessionID += 2
		if c.nextSessionID == 0 {
			c.nextSessionID = 1
		}
		if _, _, ok := c.table.Lookup(candidate); !ok {
			return candidate, nil
		}
		if c.nextSessionID == start {
			return 0, winlink.ErrMaxSessionsReached
		}
	}
}

// SetReceiveHandler installs the single block/event callback pair used
// for every inbound session this context admits (spec.md §6
// set_receive_handler).
func (c *Context) SetReceiveHandler(onBlock recv.BlockFunc, onEvent recv.EventFunc) {
	c.table.SetReceiveHandler(onBlock, onEvent)
}

// Resume re-issues RESUME for a send session that previously failed with
// a timeout, matching spec.md §6's resume(context, session_handle).
func (c *Context) Resume(h Handle) error {
	sess, ok := c.table.SendSession(uint16(h))
	if !ok {
		return winlink.ErrSessionNotFound
	}
	return sess.Resume()
}

// Abort terminates a session by handle, whichever side it is, matching
// spec.md §6's abort(session_handle).
func (c *Context) Abort(h Handle, code winlink.ErrorCode) error {
	if err := c.table.AbortSend(uint16(h), code); err == nil {
		return nil
	}
	return c.table.AbortRecv(uint16(h), code)
}

// Stats reports the per-session counters for whichever session the
// handle currently names, or ok=false if it is unknown (already reaped).
func (c *Context) Stats(h Handle) (Stats, bool) {
	if sess, ok := c.table.SendSession(uint16(h)); ok {
		st := sess.Stats()
		return Stats{BlocksSent: st.BlocksSent, Retransmits: st.Retransmits, AcksReceived: st.AcksReceived}, true
	}
	if sess, ok := c.table.RecvSession(uint16(h)); ok {
		st := sess.Stats()
		return Stats{BlocksReceived: st.BlocksReceived, BytesDelivered: st.BytesDelivered}, true
	}
	return Stats{}, false
}

// Destroy releases the context. It requires every session to be terminal
// (spec.md §6: "destroy(context) — requires all sessions terminal").
func (c *Context) Destroy() error {
	sendCount, recvCount := c.table.Counts()
	if sendCount != 0 || recvCount != 0 {
		return winlink.ErrSessionInProgress
	}
	c.table.Close()
	return c.link.Close()
}
