package partner

import "github.com/danmuck/pktlink/internal/protocol/packet"

// Handler receives every decoded packet of a connection, in receive order, on
// the connection's read goroutine.
type Handler interface {
	HandlePacket(c *Conn, p packet.Packet)
}

type HandlerFunc func(c *Conn, p packet.Packet)

func (f HandlerFunc) HandlePacket(c *Conn, p packet.Packet) { f(c, p) }

// ActiveHandler is notified once a connection is ready to send, before the
// first packet is read.
type ActiveHandler interface {
	ConnActive(c *Conn)
}

// InactiveHandler is notified once after a connection closes. err is nil for
// an orderly close.
type InactiveHandler interface {
	ConnInactive(c *Conn, err error)
}

// ConnectResult is the outcome of one client connection attempt.
type ConnectResult struct {
	Conn *Conn
	Err  error
}

func (r ConnectResult) OK() bool { return r.Err == nil && r.Conn != nil }

// ConnectFunc observes every connection attempt with the consecutive failure
// count after that attempt. Retry ceilings and backoff belong here.
type ConnectFunc func(result ConnectResult, failedAttempts int)
