package send

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
)

// recordingLink captures every datagram sent, for assertions, without
// touching a real network.
type recordingLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (l *recordingLink) MTU() int { return 256 }

func (l *recordingLink) SendDatagram(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), b...)
	l.sent = append(l.sent, cp)
	return len(b), nil
}

func (l *recordingLink) RegisterReceiveCallback(winlink.DatagramHandler) {}
func (l *recordingLink) Close() error                                   { return nil }

func (l *recordingLink) datagrams() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// identityCodec encodes a control.Fields map as a trivial fixed-order byte
// stream; good enough for exercising the send session without a real CBOR
// dependency in this package's tests.
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

func testParams() Params {
	return Params{BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 10000}
}

func TestStartEmitsStartAndFirstWindow(t *testing.T) {
	link := &recordingLink{}
	s := New(1, link, identityCodec{}, testParams(), nil, nil)

	err := s.Start([]byte("abcdefgh")) // 8 bytes, block_size 4 -> 2 blocks, exactly 1 window
	require.NoError(t, err)
	require.Equal(t, PhaseDraining, s.Phase())

	sent := link.datagrams()
	require.Len(t, sent, 3) // START + 2 data blocks

	d, err := frame.DecodeData(sent[1])
	require.NoError(t, err)
	require.Equal(t, uint16(0), d.BlockNumber())
	require.False(t, d.Last())

	d2, err := frame.DecodeData(sent[2])
	require.NoError(t, err)
	require.Equal(t, uint16(1), d2.BlockNumber())
	require.True(t, d2.Last())
}

func TestFullWindowAckCompletesSession(t *testing.T) {
	link := &recordingLink{}
	var gotEvent Event
	s := New(1, link, identityCodec{}, testParams(), func(e Event) { gotEvent = e }, nil)

	require.NoError(t, s.Start([]byte("abcdefgh")))
	s.OnAck(frame.NewFullWindowAck(1))

	require.Equal(t, PhaseComplete, s.Phase())
	require.Equal(t, EventComplete, gotEvent.Kind)
}

func TestSelectiveAckRetransmitsOnlyMissingBlock(t *testing.T) {
	link := &recordingLink{}
	s := New(1, link, identityCodec{}, testParams(), nil, nil)
	require.NoError(t, s.Start([]byte("abcdefghijkl"))) // 12 bytes, 3 blocks, window_size 2 -> 2 windows

	require.Equal(t, PhaseSending, s.Phase())

	// Block 1 (second in window) missing: bit 1 set.
	bitmap := []byte{0b0000_0010}
	s.OnAck(frame.NewSelectiveAck(1, bitmap))

	sent := link.datagrams()
	last, err := frame.DecodeData(sent[len(sent)-1])
	require.NoError(t, err)
	require.Equal(t, uint16(1), last.BlockNumber())
}

func TestTimerFiredExhaustsRetriesAndFails(t *testing.T) {
	link := &recordingLink{}
	var gotEvent Event
	params := testParams()
	params.MaxRetransmits = 0
	s := New(1, link, identityCodec{}, params, func(e Event) { gotEvent = e }, nil)
	require.NoError(t, s.Start([]byte("abcdefgh")))

	s.OnTimerFired()

	require.Equal(t, PhaseFailed, s.Phase())
	require.Equal(t, EventTimedOut, gotEvent.Kind)
}

func TestErrorAckFailsSession(t *testing.T) {
	link := &recordingLink{}
	var gotEvent Event
	s := New(1, link, identityCodec{}, testParams(), func(e Event) { gotEvent = e }, nil)
	require.NoError(t, s.Start([]byte("abcdefgh")))

	s.OnAck(frame.NewErrorAck(1, uint8(winlink.ErrSessionNotFound)))

	require.Equal(t, PhaseFailed, s.Phase())
	require.Equal(t, EventFailed, gotEvent.Kind)
}

func TestResumeOnlyValidAfterTimedOut(t *testing.T) {
	link := &recordingLink{}
	s := New(1, link, identityCodec{}, testParams(), nil, nil)
	require.NoError(t, s.Start([]byte("abcdefgh")))

	err := s.Resume()
	require.ErrorIs(t, err, winlink.ErrInvalidParams)
}
