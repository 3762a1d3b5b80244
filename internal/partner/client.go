package partner

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/session"
)

// ClientConfig configures a Client. It is copied at construction.
type ClientConfig struct {
	Host      string
	Port      int
	Session   session.Config
	Handler   Handler
	OnConnect ConnectFunc
}

// Client holds one outbound connection and reconnects it after a fixed delay.
type Client struct {
	*partner
	host      string
	addr      string
	onConnect ConnectFunc
	pipeline  *assembler

	failedAttempts atomic.Int64
	conn           atomic.Pointer[Conn]
}

// NewClient validates cfg and takes a frozen copy of reg.
func NewClient(cfg ClientConfig, reg *packet.Registry) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, ErrHostRequired
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	p, err := newPartner(RoleClient, cfg.Session, reg)
	if err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if p.cfg.TLS.Enabled {
		if tlsCfg, err = p.cfg.ClientTLSConfig(host); err != nil {
			return nil, err
		}
	} else if err := p.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	c := &Client{
		partner:   p,
		host:      host,
		addr:      net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		onConnect: cfg.OnConnect,
	}
	c.pipeline = &assembler{
		role:      RoleClient,
		cfg:       p.cfg,
		tlsConfig: tlsCfg,
		codec:     p.codec,
		handler:   cfg.Handler,
		logger:    p.logger,
	}
	return c, nil
}

// FailedAttempts returns the number of consecutive failed connection attempts.
func (c *Client) FailedAttempts() int { return int(c.failedAttempts.Load()) }

// Conn returns the live connection, or nil.
func (c *Client) Conn() *Conn { return c.conn.Load() }

// Addr returns the remote address of the live connection, or nil.
func (c *Client) Addr() net.Addr {
	if conn := c.Conn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// Send writes p on the live connection.
func (c *Client) Send(p packet.Packet) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(p)
}

// Init tears down any previous generation, connects, and blocks until the
// connection closes. A failed attempt returns an error wrapping ErrConnect.
// Canceling ctx closes the connection and returns ctx.Err().
//
// With a reconnect delay, every close or failed attempt schedules a fresh Init
// with the same ctx on a timer goroutine, until Shutdown or ctx is done.
func (c *Client) Init(ctx context.Context) error {
	return c.run(ctx, nil)
}

func (c *Client) run(ctx context.Context, from *generation) error {
	gen, ok := c.begin(ctx, from)
	if !ok {
		return nil
	}
	conn, err := c.connect(gen)
	if err != nil && gen.ctx.Err() != nil {
		// Canceled or superseded mid-attempt: not a connection outcome.
		c.finish(gen)
		return ctx.Err()
	}
	if err == nil {
		c.transition(gen, StateRunning)
	}
	attempts := c.report(conn, err)

	if err != nil {
		if ctx.Err() != nil {
			c.finish(gen)
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Str("addr", c.addr).Int("failed_attempts", attempts).Msg("partner.client connect failed")
		c.transition(gen, StateStopped)
		c.scheduleReconnect(gen)
		return fmt.Errorf("%w: %s: %w", ErrConnect, c.addr, err)
	}

	select {
	case <-conn.Done():
	case <-gen.ctx.Done():
	}
	c.conn.CompareAndSwap(conn, nil)
	if ctx.Err() != nil {
		c.finish(gen)
		return ctx.Err()
	}
	c.transition(gen, StateStopped)
	return nil
}

func (c *Client) connect(gen *generation) (*Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(gen.ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	conn, err := c.pipeline.withReconnect(c.reconnectHook(gen)).assemble(gen.ctx, raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	c.conn.Store(conn)
	if !gen.attach(conn) {
		c.conn.CompareAndSwap(conn, nil)
		_ = conn.Close()
		return nil, ErrConnClosed
	}
	return conn, nil
}

// report updates the failure count and runs the connect callback.
func (c *Client) report(conn *Conn, err error) int {
	var attempts int64
	if err != nil {
		attempts = c.failedAttempts.Add(1)
	} else {
		c.failedAttempts.Store(0)
	}
	observability.RecordConnectAttempt(err == nil)
	if err == nil {
		c.logger.Info().Str("addr", c.addr).Str("conn", conn.ID()).Msg("partner.client connected")
	}
	if c.onConnect != nil {
		c.onConnect(ConnectResult{Conn: conn, Err: err}, int(attempts))
	}
	return int(attempts)
}

func (c *Client) reconnectHook(gen *generation) func(*Conn) {
	if c.cfg.ReconnectDelay <= 0 {
		return nil
	}
	return func(*Conn) { c.scheduleReconnect(gen) }
}

// scheduleReconnect arms a timer that starts a fresh Init from gen.
func (c *Client) scheduleReconnect(gen *generation) {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		return
	}
	scheduled := gen.after(delay, func() {
		if err := c.run(gen.parent, gen); err != nil {
			c.logger.Debug().Err(err).Msg("partner.client reconnect attempt ended")
		}
	})
	if scheduled {
		observability.RecordReconnectScheduled()
		c.logger.Info().Dur("delay", delay).Str("addr", c.addr).Msg("partner.client reconnect scheduled")
	}
}
