// Package winlink implements a reliable, windowed, block-oriented transport
// on top of a connection-oriented datagram link whose MTU is too small to
// carry an application object in one piece. The canonical deployment is a
// BLE GATT pipe between a resource-constrained device and a companion
// gateway, but the link itself is abstracted behind the [Link] interface so
// any bounded-datagram, uncorrupted transport can host it; in-order
// delivery is not required.
package winlink

// Datagram is a single bounded-size payload handed to or received from a
// [Link]. The link is assumed to deliver datagrams out of order but
// uncorrupted; detecting corruption is the link's responsibility, not this
// package's.
type Datagram []byte

// DatagramHandler receives inbound datagrams from a [Link]. Handle must not
// block — implementations hand the datagram to a session table queue and
// return immediately, matching the "non-blocking receive callback"
// contract of the BLE GATT notification path this package targets.
type DatagramHandler interface {
	Handle(datagram Datagram)
}

// Link is the narrow send/receive primitive the core protocol consumes. It
// is never named concretely by the protocol engine — callers inject a
// concrete implementation (see pkg/link/virtual and pkg/link/l2cap) at
// context creation, the same capability-injection shape the teacher uses
// for its CAN Bus interface.
type Link interface {
	// MTU returns the maximum datagram payload this link accepts. Sessions
	// negotiate block_size as MTU-5 at START time.
	MTU() int

	// SendDatagram synchronously emits bytes on the link. A partial send
	// (bytesSent != len(bytes)) is treated by the caller as a network
	// error; it never panics or blocks past the link's own I/O deadline.
	SendDatagram(bytes []byte) (bytesSent int, err error)

	// RegisterReceiveCallback installs the single demultiplexer that will
	// receive every inbound datagram for the lifetime of the link. Calling
	// it twice replaces the previous handler.
	RegisterReceiveCallback(handler DatagramHandler)

	// Close releases any resources held by the link. Sessions in flight
	// are not notified; callers must abort them first.
	Close() error
}
