package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
	"github.com/winlink/winlink/pkg/recv"
	"github.com/winlink/winlink/pkg/send"
)

// loopbackLink hands every sent datagram straight to whatever the peer
// table registered, letting a single test exercise both sides of a
// session without a real network.
type loopbackLink struct {
	mu      sync.Mutex
	handler winlink.DatagramHandler
	peer    *loopbackLink
	sent    [][]byte
}

func (l *loopbackLink) MTU() int { return 256 }

// SendDatagram dispatches to the peer on a separate goroutine. A real
// link (BLE notification, socket read) never calls back into the sender's
// own call stack; modeling that asynchrony here avoids a same-goroutine
// mutex self-deadlock when a full round trip (send window -> receive ->
// ACK back) completes faster than the caller's stack unwinds.
func (l *loopbackLink) SendDatagram(b []byte) (int, error) {
	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), b...))
	peer := l.peer
	l.mu.Unlock()
	if peer != nil && peer.handler != nil {
		cp := append([]byte(nil), b...)
		go peer.handler.Handle(cp)
	}
	return len(b), nil
}

func (l *loopbackLink) RegisterReceiveCallback(h winlink.DatagramHandler) { l.handler = h }
func (l *loopbackLink) Close() error                                      { return nil }

func pairedLinks() (*loopbackLink, *loopbackLink) {
	a, b := &loopbackLink{}, &loopbackLink{}
	a.peer, b.peer = b, a
	return a, b
}

type identityCodec struct{}

func (identityCodec) EncodeFields(f control.Fields) ([]byte, error) {
	keys := []string{"m", "i", "s", "b", "w", "t", "r", "x", "e"}
	out := make([]byte, 0, 9*9)
	for _, k := range keys {
		v, ok := f[k]
		if !ok {
			continue
		}
		out = append(out, k[0])
		for i := 0; i < 8; i++ {
			out = append(out, byte(v>>(8*uint(i))))
		}
	}
	return out, nil
}

func (identityCodec) DecodeFields(raw []byte) (control.Fields, error) {
	f := control.Fields{}
	for len(raw) >= 9 {
		k := string(raw[0])
		var v int64
		for i := 0; i < 8; i++ {
			v |= int64(raw[1+i]) << (8 * uint(i))
		}
		f[k] = v
		raw = raw[9:]
	}
	return f, nil
}

func TestEndToEndCleanTransfer(t *testing.T) {
	linkA, linkB := pairedLinks()
	tableA := New(linkA, identityCodec{}, 4, 4, nil)
	tableB := New(linkB, identityCodec{}, 4, 4, nil)

	var delivered []byte
	var deliveredOffsets []uint32
	recvDone := make(chan struct{}, 1)
	tableB.SetReceiveHandler(
		func(offset uint32, data []byte) {
			deliveredOffsets = append(deliveredOffsets, offset)
			delivered = append(delivered, data...)
		},
		func(e recv.Event) {
			if e.Kind == recv.EventComplete {
				recvDone <- struct{}{}
			}
		},
	)

	params := send.Params{BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 5000}
	sendDone := make(chan struct{}, 1)
	sess, err := tableA.AddSend(1, params, func(e send.Event) {
		if e.Kind == send.EventComplete {
			sendDone <- struct{}{}
		}
	})
	require.NoError(t, err)

	require.NoError(t, sess.Start([]byte("abcdefgh"))) // 8 bytes, 2 blocks, 1 window

	<-sendDone
	<-recvDone

	require.Equal(t, []uint32{0, 4}, deliveredOffsets)
	require.Equal(t, []byte("abcdefgh"), delivered)

	sendCount, _ := tableA.Counts()
	require.Equal(t, 0, sendCount)
	_, recvCount := tableB.Counts()
	require.Equal(t, 0, recvCount)
}

func TestDemuxDropsShortDatagram(t *testing.T) {
	link, _ := pairedLinks()
	table := New(link, identityCodec{}, 1, 1, nil)
	require.NotPanics(t, func() { table.OnDatagram([]byte{1, 2}) })
}

func TestAddSendRejectsCapacityExceeded(t *testing.T) {
	link, _ := pairedLinks()
	table := New(link, identityCodec{}, 1, 1, nil)
	params := send.Params{BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 5000}

	_, err := table.AddSend(1, params, nil)
	require.NoError(t, err)

	_, err = table.AddSend(3, params, nil)
	require.ErrorIs(t, err, winlink.ErrMaxSessionsReached)
}

func TestAddSendRejectsCollidingID(t *testing.T) {
	link, _ := pairedLinks()
	table := New(link, identityCodec{}, 4, 4, nil)
	params := send.Params{BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 5000}

	_, err := table.AddSend(1, params, nil)
	require.NoError(t, err)

	_, err = table.AddSend(1, params, nil)
	require.ErrorIs(t, err, winlink.ErrSessionInProgress)
}

func TestAbortRecvReapsSession(t *testing.T) {
	_, linkB := pairedLinks()
	tableB := New(linkB, identityCodec{}, 4, 4, nil)
	tableB.SetReceiveHandler(nil, nil)

	// Feed the START straight into the demux so admission is synchronous;
	// no data blocks follow, so the session stays in progress.
	start := control.Start{SessionID: 1, ObjectSize: 8, BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 5000}
	raw, err := control.Encode(identityCodec{}, start)
	require.NoError(t, err)
	tableB.OnDatagram(raw)

	_, recvCount := tableB.Counts()
	require.Equal(t, 1, recvCount)

	require.NoError(t, tableB.AbortRecv(1, winlink.ErrInternal))
	_, recvCount = tableB.Counts()
	require.Equal(t, 0, recvCount)
}

func TestPeekSessionIDRoundTripsThroughFrame(t *testing.T) {
	d := frame.NewData(77, 0, false, false, []byte("x"))
	id, ok := frame.PeekSessionID(d.Bytes())
	require.True(t, ok)
	require.Equal(t, uint16(77), id)
}
