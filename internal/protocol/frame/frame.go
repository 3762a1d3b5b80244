// Package frame turns packets into id-prefixed frames and back.
//
// A frame is a big-endian int32 packet id followed by the packet body. There
// is no length prefix: the decoder trusts each packet to read exactly what it
// wrote.
package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/pktlink/internal/logging"
	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/wire"
	"github.com/rs/zerolog"
)

// IDLen is the size of the packet id that starts every frame.
const IDLen = 4

var (
	ErrUnregistered  = errors.New("frame: packet type is not registered")
	ErrPacketBody    = errors.New("frame: packet body failed")
	ErrFrameMismatch = errors.New("frame: body read and write sizes differ")
)

// Codec encodes and decodes frames against one registry and charset.
// A Codec holds no per-stream state and is safe for concurrent use.
type Codec struct {
	reg       *packet.Registry
	cs        wire.Charset
	selfCheck bool
	role      string
	maxString int
	logger    zerolog.Logger
}

type Option func(*Codec)

// WithSelfCheck makes Encode re-read every body it writes and warn when the
// byte counts differ.
func WithSelfCheck(enabled bool) Option {
	return func(c *Codec) { c.selfCheck = enabled }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Codec) { c.logger = logger }
}

// WithRole sets the role label used in logs and metrics.
func WithRole(role string) Option {
	return func(c *Codec) { c.role = role }
}

// WithMaxString bounds length-prefixed strings and byte slices on decode.
func WithMaxString(n int) Option {
	return func(c *Codec) { c.maxString = n }
}

// NewCodec returns a Codec for reg. A nil reg behaves as an empty registry.
func NewCodec(reg *packet.Registry, cs wire.Charset, opts ...Option) *Codec {
	if reg == nil {
		reg = packet.NewRegistry()
	}
	c := &Codec{
		reg:       reg,
		cs:        cs,
		role:      "codec",
		maxString: wire.DefaultMaxAlloc,
		logger:    logging.Component("frame.codec"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("role", c.role).Logger()
	return c
}

func (c *Codec) Registry() *packet.Registry { return c.reg }

func (c *Codec) Charset() wire.Charset { return c.cs }

// Encode writes one frame for p to w.
//
// Unregistered packets and body failures are logged and nothing reaches w.
// Any other error comes from w itself.
func (c *Codec) Encode(w io.Writer, p packet.Packet) error {
	buf, err := c.AppendFrame(nil, p)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if packet.IsKeepAlive(p) {
		observability.RecordKeepAlive(c.role, "sent")
	} else {
		observability.RecordFrameEncoded(c.role)
	}
	return nil
}

// AppendFrame appends the frame for p to dst. On error dst is returned unchanged.
func (c *Codec) AppendFrame(dst []byte, p packet.Packet) ([]byte, error) {
	id := c.reg.IDOf(p)
	if id == packet.Unregistered {
		c.logger.Error().Str("type", typeName(p)).Msg("frame.encode unregistered packet, dropping")
		observability.RecordFrameDropped(c.role, observability.DropUnregistered)
		return dst, fmt.Errorf("%w: %s", ErrUnregistered, typeName(p))
	}

	w := wire.NewWriter(c.cs)
	w.WriteInt32(id)
	if id == packet.KeepAliveID {
		return append(dst, w.Bytes()...), nil
	}
	if err := writeBody(p, w); err != nil {
		c.logger.Error().Err(err).Str("type", typeName(p)).Int32("id", id).Msg("frame.encode packet write failed")
		observability.RecordFrameDropped(c.role, observability.DropBody)
		return dst, fmt.Errorf("%w: %s id=%d: %w", ErrPacketBody, typeName(p), id, err)
	}

	if c.selfCheck {
		if _, err := c.check(id, w.Bytes()[IDLen:]); err != nil {
			c.logger.Warn().Err(err).Str("type", typeName(p)).Int32("id", id).Msg("frame.encode self-check failed")
			observability.RecordFrameDropped(c.role, observability.DropMismatch)
		}
	}
	return append(dst, w.Bytes()...), nil
}

// Decode reads one frame from r.
//
// It returns (nil, nil) for frames that produce no value: keepalives, corrupt
// or unknown ids, and bodies that fail to read. Only stream errors are
// returned; after one the stream is unusable.
func (c *Codec) Decode(conn packet.Conn, r *bufio.Reader) (packet.Packet, error) {
	rd := wire.NewReader(r, c.cs)
	rd.SetMaxAlloc(c.maxString)

	id := rd.ReadInt32()
	if err := rd.IOErr(); err != nil {
		return nil, err
	}
	if id == packet.KeepAliveID {
		c.logger.Debug().Str("conn", connID(conn)).Msg("frame.decode keepalive")
		observability.RecordKeepAlive(c.role, "received")
		return nil, nil
	}
	reason := observability.DropUnknownID
	if id < packet.KeepAliveID {
		c.logger.Warn().Int32("id", id).Str("conn", connID(conn)).Msg("frame.decode data corruption, negative packet id")
		reason = observability.DropCorrupt
	}

	p, err := c.reg.New(id)
	if err != nil {
		c.logger.Error().Err(err).Int32("id", id).Str("conn", connID(conn)).Msg("frame.decode unknown packet id, dropping")
		observability.RecordFrameDropped(c.role, reason)
		return nil, nil
	}
	if err := readBody(conn, p, rd); err != nil {
		if ioErr := rd.IOErr(); ioErr != nil {
			return nil, ioErr
		}
		c.logger.Error().Err(err).Str("type", typeName(p)).Int32("id", id).Str("conn", connID(conn)).Msg("frame.decode packet read failed")
		observability.RecordFrameDropped(c.role, observability.DropBody)
		return nil, nil
	}
	observability.RecordFrameDecoded(c.role)
	return p, nil
}

// check reads body into a fresh instance of id and compares byte counts.
func (c *Codec) check(id int32, body []byte) (packet.Packet, error) {
	if id == packet.KeepAliveID {
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: keepalive carries %d body bytes", ErrFrameMismatch, len(body))
		}
		return packet.KeepAlive{}, nil
	}
	p, err := c.reg.New(id)
	if err != nil {
		return nil, err
	}
	rd := wire.NewReader(bytes.NewReader(body), c.cs)
	rd.SetMaxAlloc(c.maxString)
	if err := readBody(nil, p, rd); err != nil {
		if rd.IOErr() != nil {
			return nil, fmt.Errorf("%w: %s id=%d read past %d written bytes", ErrFrameMismatch, typeName(p), id, len(body))
		}
		return nil, fmt.Errorf("%w: %s id=%d: %w", ErrPacketBody, typeName(p), id, err)
	}
	if rd.N() != len(body) {
		return nil, fmt.Errorf("%w: %s id=%d wrote %d bytes, read %d", ErrFrameMismatch, typeName(p), id, len(body), rd.N())
	}
	return p, nil
}

// VerifyRoundTrip encodes p, decodes the frame with the same registry and
// charset, and returns the decoded packet. It fails with ErrFrameMismatch when
// p's Read does not consume exactly what its Write produced.
func VerifyRoundTrip(reg *packet.Registry, cs wire.Charset, p packet.Packet) (packet.Packet, error) {
	c := NewCodec(reg, cs, WithLogger(zerolog.Nop()), WithRole("verify"))
	buf, err := c.AppendFrame(nil, p)
	if err != nil {
		return nil, err
	}
	rd := wire.NewReader(bytes.NewReader(buf), cs)
	id := rd.ReadInt32()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	return c.check(id, buf[IDLen:])
}

func writeBody(p packet.Packet, w *wire.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Write: %v", r)
		}
	}()
	if err := p.Write(w); err != nil {
		return err
	}
	return w.Err()
}

func readBody(conn packet.Conn, p packet.Packet, r *wire.Reader) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Read: %v", rec)
		}
	}()
	if err := p.Read(conn, r); err != nil {
		return err
	}
	return r.Err()
}

func typeName(p packet.Packet) string {
	return fmt.Sprintf("%T", p)
}

func connID(conn packet.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}
