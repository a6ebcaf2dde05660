// Package l2cap implements winlink.Link over a Linux Bluetooth L2CAP
// socket (BlueZ), the canonical deployment link named throughout the rest
// of this module's documentation: a connection-oriented, bounded-MTU,
// non-corrupting datagram pipe between a device and a companion gateway.
//
// Grounded on the teacher's pkg/can/socketcanv2.Bus: a raw unix.Socket
// opened and bound at construction, a background goroutine reading
// fixed-size records off the fd and handing them to the registered
// callback, and context-cancellation teardown on Disconnect. Re-targeted
// from AF_CAN/SOCK_RAW CAN frames to AF_BLUETOOTH/SOCK_SEQPACKET L2CAP
// messages, which are natively datagram-framed (no manual length prefix
// needed, unlike the teacher's fixed 16-byte CAN frame marshalling).
//go:build linux

package l2cap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/winlink/winlink"
)

// Link is one end of a connected L2CAP socket.
type Link struct {
	fd     int
	f      *os.File
	mtu    int
	logger *slog.Logger

	mu      sync.Mutex
	handler winlink.DatagramHandler
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to a remote device's L2CAP PSM as the client side of a
// session (the BLE central connecting to a peripheral's GATT-backed
// PSM, in the canonical deployment).
func Dial(addr string, psm uint16, mtu int, logger *slog.Logger) (*Link, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("open l2cap socket: %w", err)
	}
	mac, err := parseMAC(addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrL2{PSM: psm, Addr: mac}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect l2cap %s psm %d: %w", addr, psm, err)
	}
	return newLink(fd, mtu, logger), nil
}

// Listen binds psm and blocks until a single peer connects, then returns
// the connected link (the BLE peripheral side, accepting the central's
// connection to a fixed PSM).
func Listen(psm uint16, mtu int, logger *slog.Logger) (*Link, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("open l2cap socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{PSM: psm}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind l2cap psm %d: %w", psm, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen l2cap psm %d: %w", psm, err)
	}
	connFd, _, err := unix.Accept(fd)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("accept l2cap psm %d: %w", psm, err)
	}
	return newLink(connFd, mtu, logger), nil
}

func newLink(fd, mtu int, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		fd:     fd,
		f:      os.NewFile(uintptr(fd), fmt.Sprintf("l2cap-fd-%d", fd)),
		mtu:    mtu,
		logger: logger.With("component", "link-l2cap"),
	}
}

// MTU returns the negotiated L2CAP payload ceiling configured at dial
// time (spec.md §3: block_size is derived from this value).
func (l *Link) MTU() int { return l.mtu }

// SendDatagram writes one L2CAP message. SOCK_SEQPACKET preserves
// message boundaries, so a single Write is a single datagram on the wire.
func (l *Link) SendDatagram(b []byte) (int, error) {
	n, err := l.f.Write(b)
	if err != nil {
		return n, fmt.Errorf("l2cap write: %w", err)
	}
	if n != len(b) {
		return n, fmt.Errorf("l2cap short write: wrote %d of %d bytes", n, len(b))
	}
	return n, nil
}

// RegisterReceiveCallback installs the demux and, on first call, starts
// the background read loop for the lifetime of the link.
func (l *Link) RegisterReceiveCallback(h winlink.DatagramHandler) {
	l.mu.Lock()
	l.handler = h
	alreadyStarted := l.started
	l.started = true
	l.mu.Unlock()

	if alreadyStarted {
		return
	}
	var ctx context.Context
	ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.receiveLoop(ctx)
}

func (l *Link) receiveLoop(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, l.mtu)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := l.f.Read(buf)
		if errors.Is(err, syscall.EAGAIN) {
			continue
		}
		if err != nil {
			l.logger.Info("l2cap receive loop exiting", "err", err)
			return
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			cp := append([]byte(nil), buf[:n]...)
			h.Handle(winlink.Datagram(cp))
		}
	}
}

// Close tears down the receive loop and the underlying socket.
func (l *Link) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	err := l.f.Close()
	l.wg.Wait()
	return err
}

func parseMAC(addr string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return mac, fmt.Errorf("invalid bluetooth address %q: %w", addr, err)
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("invalid bluetooth address %q: want 6 bytes, got %d", addr, len(hw))
	}
	// unix.SockaddrL2.Addr is little-endian (LSB first); net.HardwareAddr
	// is printed/parsed MSB first.
	for i := 0; i < 6; i++ {
		mac[i] = hw[5-i]
	}
	return mac, nil
}
