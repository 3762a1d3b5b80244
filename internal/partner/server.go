package partner

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/session"
)

// ServerConfig configures a Server. It is copied at construction.
type ServerConfig struct {
	// Host is the optional bind address; empty binds all interfaces.
	Host    string
	Port    int
	Session session.Config
	Handler Handler
}

// Server accepts inbound connections and closes the ones that go quiet.
type Server struct {
	*partner
	addr     string
	pipeline *assembler
}

// NewServer validates cfg and takes a frozen copy of reg. Port 0 binds an
// ephemeral port; see Addr.
func NewServer(cfg ServerConfig, reg *packet.Registry) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	p, err := newPartner(RoleServer, cfg.Session, reg)
	if err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if p.cfg.TLS.Enabled {
		if tlsCfg, err = p.cfg.ServerTLSConfig(); err != nil {
			return nil, err
		}
	} else if err := p.cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	s := &Server{
		partner: p,
		addr:    net.JoinHostPort(strings.TrimSpace(cfg.Host), strconv.Itoa(cfg.Port)),
	}
	s.pipeline = &assembler{
		role:      RoleServer,
		cfg:       p.cfg,
		tlsConfig: tlsCfg,
		codec:     p.codec,
		handler:   cfg.Handler,
		logger:    p.logger,
	}
	return s, nil
}

// Addr returns the bound listener address while running, or nil.
func (s *Server) Addr() net.Addr {
	gen := s.current()
	if gen == nil {
		return nil
	}
	if ln := gen.listener(); ln != nil {
		return ln.Addr()
	}
	return nil
}

// Broadcast sends p to every live connection and returns how many succeeded.
func (s *Server) Broadcast(p packet.Packet) int {
	sent := 0
	for _, c := range s.Conns() {
		if err := c.Send(p); err == nil {
			sent++
		}
	}
	return sent
}

// Init tears down any previous generation, binds, and accepts connections
// until the listener closes. A bind failure returns an error wrapping ErrBind.
// Canceling ctx closes the listener and all connections and returns ctx.Err().
func (s *Server) Init(ctx context.Context) error {
	gen, _ := s.begin(ctx, nil)

	var lc net.ListenConfig
	ln, err := lc.Listen(gen.ctx, "tcp", s.addr)
	if err != nil {
		s.finish(gen)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", ErrBind, s.addr, err)
	}
	if !gen.setListener(ln) {
		_ = ln.Close()
		s.finish(gen)
		return ctx.Err()
	}
	stopWatch := context.AfterFunc(gen.ctx, func() { _ = ln.Close() })
	defer stopWatch()

	s.transition(gen, StateRunning)
	s.logger.Info().Str("addr", ln.Addr().String()).Strs("pipeline", s.stageNames()).Msg("partner.server listening")

	err = s.serve(gen, ln)
	s.finish(gen)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// serve is the accept loop. It returns nil once the listener is closed.
// Transient accept errors are retried with a growing pause.
func (s *Server) serve(gen *generation, ln net.Listener) error {
	var pause time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if gen.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !transientAccept(err) {
				return err
			}
			pause = nextAcceptPause(pause)
			s.logger.Warn().Err(err).Dur("retry_in", pause).Msg("partner.server accept failed")
			timer := time.NewTimer(pause)
			select {
			case <-gen.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		pause = 0
		if !gen.spawn(func() { s.handle(gen, raw) }) {
			_ = raw.Close()
			return nil
		}
	}
}

const maxAcceptPause = time.Second

func nextAcceptPause(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(prev*2, maxAcceptPause)
}

// transientAccept reports accept failures that leave the listener usable.
func transientAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED, syscall.ECONNRESET} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// handle assembles the pipeline and runs the connection on the current
// worker goroutine.
func (s *Server) handle(gen *generation, raw net.Conn) {
	conn, err := s.pipeline.assemble(gen.ctx, raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("partner.server pipeline setup failed")
		_ = raw.Close()
		return
	}
	if !gen.track(conn) {
		_ = conn.Close()
		return
	}
	conn.serve()
}

// stageNames reports the stages a connection accepted now would get.
func (s *Server) stageNames() []string {
	var out []string
	if s.pipeline.tlsConfig != nil {
		out = append(out, StageTLS)
	}
	if s.cfg.Timeout > 0 {
		out = append(out, StageReadTimeout)
	}
	out = append(out, StageCodec)
	if s.pipeline.handler != nil {
		out = append(out, StageHandler)
	}
	return out
}
