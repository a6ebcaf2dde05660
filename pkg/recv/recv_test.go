package recv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/winlink/winlink"
	"github.com/winlink/winlink/pkg/control"
	"github.com/winlink/winlink/pkg/frame"
)

type recordingLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (l *recordingLink) MTU() int { return 256 }

func (l *recordingLink) SendDatagram(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (l *recordingLink) RegisterReceiveCallback(winlink.DatagramHandler) {}
func (l *recordingLink) Close() error                                   { return nil }

func (l *recordingLink) last() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[len(l.sent)-1]
}

type noopCodec struct{}

func (noopCodec) EncodeFields(f control.Fields) ([]byte, error) { return []byte{1}, nil }
func (noopCodec) DecodeFields(raw []byte) (control.Fields, error) {
	return control.Fields{}, nil
}

func testParams() Params {
	return Params{BlockSize: 4, WindowSize: 2, TimeoutMs: 50, MaxRetransmits: 3, ExpiryMs: 10000}
}

func TestAdmitFiresStartedEvent(t *testing.T) {
	link := &recordingLink{}
	var got Event
	s := New(2, testParams(), link, noopCodec{}, nil, func(e Event) { got = e }, nil)
	s.Admit()
	require.Equal(t, EventStarted, got.Kind)
	require.Equal(t, PhaseReceiving, s.Phase())
}

func TestFullWindowDeliversOneCallPerBlock(t *testing.T) {
	link := &recordingLink{}
	type delivery struct {
		offset uint32
		data   []byte
	}
	var deliveries []delivery
	s := New(2, testParams(), link, noopCodec{}, func(offset uint32, data []byte) {
		deliveries = append(deliveries, delivery{offset, append([]byte(nil), data...)})
	}, nil, nil)
	s.Admit()

	s.OnData(frame.NewData(2, 0, false, false, []byte("abcd")))
	s.OnData(frame.NewData(2, 1, false, true, []byte("ef")))

	require.Equal(t, PhaseComplete, s.Phase())
	require.Len(t, deliveries, 2)
	require.Equal(t, uint32(0), deliveries[0].offset)
	require.Equal(t, []byte("abcd"), deliveries[0].data)
	require.Equal(t, uint32(4), deliveries[1].offset)
	require.Equal(t, []byte("ef"), deliveries[1].data)

	ack, err := frame.DecodeAck(link.last(), 1)
	require.NoError(t, err)
	require.True(t, ack.IsFullWindow())
}

func TestDuplicateBlockDiscarded(t *testing.T) {
	link := &recordingLink{}
	calls := 0
	s := New(2, testParams(), link, noopCodec{}, func(offset uint32, data []byte) {
		calls++
	}, nil, nil)
	s.Admit()

	s.OnData(frame.NewData(2, 0, false, false, []byte("abcd")))
	s.OnData(frame.NewData(2, 0, false, false, []byte("abcd"))) // duplicate
	s.OnData(frame.NewData(2, 1, false, true, []byte("ef")))

	// Window delivers one on_block call per block (2 blocks), not one per
	// OnData call: the duplicate must not have inflated the received count
	// into a third, spurious block.
	require.Equal(t, 2, calls)
	require.Equal(t, uint64(2), s.Stats().BlocksReceived)
}

func TestMissingBlockYieldsSelectiveAckOnTimeout(t *testing.T) {
	link := &recordingLink{}
	s := New(2, testParams(), link, noopCodec{}, nil, nil, nil)
	s.Admit()

	s.OnData(frame.NewData(2, 0, false, false, []byte("abcd"))) // block 1 never arrives

	s.OnTimerFired()

	ack, err := frame.DecodeAck(link.last(), 1)
	require.NoError(t, err)
	require.False(t, ack.IsFullWindow())
	require.Equal(t, byte(0b0000_0010), ack.Bitmap()[0])
	require.Equal(t, PhaseReceiving, s.Phase())
}

func TestResumeOffsetMismatchAborts(t *testing.T) {
	link := &recordingLink{}
	s := New(2, testParams(), link, noopCodec{}, nil, nil, nil)
	s.Admit()

	s.OnResume(100)

	require.Equal(t, PhaseAborted, s.Phase())
}

func TestResumeMatchingOffsetRearms(t *testing.T) {
	link := &recordingLink{}
	s := New(2, testParams(), link, noopCodec{}, nil, nil, nil)
	s.Admit()

	s.OnResume(0)

	require.Equal(t, PhaseReceiving, s.Phase())
}
