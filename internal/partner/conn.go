package partner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn is one live byte-stream connection with its installed pipeline.
type Conn struct {
	id      string
	role    Role
	raw     net.Conn
	br      *bufio.Reader
	codec   *frame.Codec
	handler Handler
	logger  zerolog.Logger
	stages  []string

	keepAlive    time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	wmu       sync.Mutex
	lastWrite atomic.Int64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	onClose []func(*Conn)
}

func newConn(ctx context.Context, role Role, raw net.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		role: role,
		raw:  raw,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger = logger.With().Str("conn", c.id).Str("remote", raw.RemoteAddr().String()).Logger()
	c.lastWrite.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() Role { return c.role }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Context is canceled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Pipeline returns the names of the installed stages, in order.
func (c *Conn) Pipeline() []string {
	out := make([]string, len(c.stages))
	copy(out, c.stages)
	return out
}

// Err returns why the connection closed: nil while open or after an orderly close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send encodes p and writes it as one frame. Unregistered packets and body
// failures are returned without closing the connection; write failures close it.
func (c *Conn) Send(p packet.Packet) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.codec.Encode(c.raw, p); err != nil {
		if errors.Is(err, frame.ErrUnregistered) || errors.Is(err, frame.ErrPacketBody) {
			return err
		}
		c.logger.Warn().Err(err).Msg("partner.conn write failed, closing")
		c.closeWith(err)
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.cancel()
		_ = c.raw.Close()
	})
}

// serve runs the read loop until the connection closes, then notifies the
// handler and runs the close hooks.
func (c *Conn) serve() {
	observability.ConnectionOpened(string(c.role))
	c.logger.Info().Strs("pipeline", c.stages).Msg("partner.conn active")

	var aux sync.WaitGroup
	if c.keepAlive > 0 {
		aux.Add(1)
		go func() {
			defer aux.Done()
			c.runKeepAlive()
		}()
	}
	if h, ok := c.handler.(ActiveHandler); ok {
		c.safeCall(func() { h.ConnActive(c) })
	}

	for {
		p, err := c.codec.Decode(c, c.br)
		if err != nil {
			c.closeWith(c.classify(err))
			break
		}
		if p == nil || c.handler == nil {
			continue
		}
		c.safeCall(func() { c.handler.HandlePacket(c, p) })
	}
	aux.Wait()

	err := c.Err()
	if err != nil {
		c.logger.Warn().Err(err).Msg("partner.conn inactive")
	} else {
		c.logger.Info().Msg("partner.conn inactive")
	}
	if h, ok := c.handler.(InactiveHandler); ok {
		c.safeCall(func() { h.ConnInactive(c, err) })
	}
	observability.ConnectionClosed(string(c.role))
	for _, hook := range c.onClose {
		hook(c)
	}
}

// classify maps a read error to a close cause. Orderly closes map to nil.
func (c *Conn) classify(err error) error {
	if c.ctx.Err() != nil {
		return c.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var ne net.Error
	if c.readTimeout > 0 && errors.As(err, &ne) && ne.Timeout() {
		observability.RecordReadTimeout()
		c.logger.Warn().Dur("timeout", c.readTimeout).Msg("partner.conn read timeout, closing")
		return ErrReadTimeout
	}
	return err
}

// runKeepAlive sends a keepalive whenever nothing was written for keepAlive.
func (c *Conn) runKeepAlive() {
	timer := time.NewTimer(c.keepAlive)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}
		idle := time.Since(time.Unix(0, c.lastWrite.Load()))
		if idle < c.keepAlive {
			timer.Reset(c.keepAlive - idle)
			continue
		}
		if err := c.Send(packet.KeepAlive{}); err != nil {
			return
		}
		c.logger.Debug().Msg("partner.conn keepalive sent")
		timer.Reset(c.keepAlive)
	}
}

func (c *Conn) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("partner.conn handler panic")
		}
	}()
	f()
}

// readDeadline refreshes the read deadline before every read.
type readDeadline struct {
	conn    net.Conn
	timeout time.Duration
}

func (r readDeadline) Read(b []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(b)
}
