// Package virtual implements an in-memory Link pair for testing the
// transport without real BLE or socket hardware. Unlike a loopback test
// double, it can be configured to drop, duplicate, and reorder datagrams,
// exercising the retransmit and selective-ACK paths the way a flaky BLE
// connection would.
//
// Grounded on the teacher's pkg/can/virtual.Bus: a small struct holding a
// peer reference and the single registered handler, dispatching received
// traffic on its own goroutine rather than the caller's.
package virtual

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/winlink/winlink"
)

// Fault describes the unreliability this link injects on the send path.
// A zero-value Fault makes the link behave as a clean, reliable pipe.
type Fault struct {
	// LossProb is the probability (0..1) that a given datagram is
	// silently dropped instead of delivered to the peer.
	LossProb float64
	// DupProb is the probability (0..1) that a delivered datagram is
	// also delivered a second time.
	DupProb float64
	// MaxReorderDelay jitters delivery by a random duration in
	// [0, MaxReorderDelay), long enough that back-to-back sends can
	// race and arrive out of order.
	MaxReorderDelay time.Duration
}

var errClosed = errors.New("virtual link closed")

// Link is one end of an in-memory datagram pipe. Construct a connected
// pair with NewPair.
type Link struct {
	mtu   int
	fault Fault
	rng   *rand.Rand
	rngMu sync.Mutex

	mu      sync.Mutex
	peer    *Link
	handler winlink.DatagramHandler
	closed  bool
	wg      sync.WaitGroup
}

// NewPair builds two ends of a connected virtual link. faultAtoB governs
// datagrams sent from a to b; faultBtoA governs the reverse direction.
// seed makes fault injection reproducible across test runs.
func NewPair(mtu int, faultAtoB, faultBtoA Fault, seed int64) (a, b *Link) {
	a = &Link{mtu: mtu, fault: faultAtoB, rng: rand.New(rand.NewSource(seed))}
	b = &Link{mtu: mtu, fault: faultBtoA, rng: rand.New(rand.NewSource(seed + 1))}
	a.peer = b
	b.peer = a
	return a, b
}

// MTU returns the configured datagram ceiling.
func (l *Link) MTU() int { return l.mtu }

// RegisterReceiveCallback installs the handler for datagrams arriving
// from the peer.
func (l *Link) RegisterReceiveCallback(h winlink.DatagramHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SendDatagram hands bytes to the peer, subject to this link's configured
// Fault. A drop or the peer being closed is invisible to the caller — a
// real flaky link never tells the sender a datagram vanished in transit,
// it just never arrives; the retransmit timer is what notices.
func (l *Link) SendDatagram(b []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, errClosed
	}
	peer := l.peer
	l.mu.Unlock()

	if peer == nil {
		return len(b), nil
	}

	cp := append([]byte(nil), b...)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.deliver(peer, cp)
	}()
	return len(b), nil
}

func (l *Link) deliver(peer *Link, datagram []byte) {
	if l.roll() < l.fault.LossProb {
		return
	}
	if l.fault.MaxReorderDelay > 0 {
		time.Sleep(time.Duration(l.roll() * float64(l.fault.MaxReorderDelay)))
	}
	peer.dispatch(datagram)
	if l.roll() < l.fault.DupProb {
		peer.dispatch(datagram)
	}
}

func (l *Link) dispatch(datagram []byte) {
	peer := l
	peer.mu.Lock()
	h := peer.handler
	closed := peer.closed
	peer.mu.Unlock()
	if closed || h == nil {
		return
	}
	h.Handle(winlink.Datagram(datagram))
}

func (l *Link) roll() float64 {
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return l.rng.Float64()
}

// Close marks the link closed; in-flight deliveries already dispatched
// are allowed to finish, matching winlink.Link's contract that sessions
// in flight are not notified and must be aborted by the caller first.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
