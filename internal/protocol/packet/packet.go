// Package packet owns the typed message contract and the id registry.
//
// Ownership boundary:
// - Packet read/write contract
// - keepalive marker (reserved id -1)
// - id <-> type registry
package packet

import (
	"net"

	"github.com/danmuck/pktlink/internal/protocol/wire"
)

const (
	// KeepAliveID is the reserved id of the body-less keepalive frame.
	KeepAliveID int32 = -1
	// Unregistered is returned by Registry.IDOf for types with no id.
	Unregistered int32 = -2
)

// Packet is a self-serializing application message.
//
// Read must consume exactly the bytes Write produced: frames carry no length,
// so a mismatch desynchronizes every later frame on the stream.
type Packet interface {
	Write(w *wire.Writer) error
	Read(conn Conn, r *wire.Reader) error
}

// Conn is the connection a packet is read from.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	Send(p Packet) error
}

// Factory returns a fresh zero instance of one packet type.
type Factory func() Packet

// Of returns a Factory for the pointer packet type *T.
func Of[T any, PT interface {
	*T
	Packet
}]() Factory {
	return func() Packet {
		return PT(new(T))
	}
}

// KeepAlive is the internal liveness marker. It is never delivered to handlers.
type KeepAlive struct{}

func (KeepAlive) Write(*wire.Writer) error { return nil }

func (KeepAlive) Read(Conn, *wire.Reader) error { return nil }

// IsKeepAlive reports whether p is the keepalive marker.
func IsKeepAlive(p Packet) bool {
	switch p.(type) {
	case KeepAlive, *KeepAlive:
		return true
	}
	return false
}
