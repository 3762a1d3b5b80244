package partner

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Pipeline stage names reported by Conn.Pipeline.
const (
	StageTLS         = "tls"
	StageIdle        = "idle"
	StageReadTimeout = "read-timeout"
	StageReconnect   = "reconnect"
	StageCodec       = "codec"
	StageHandler     = "handler"
)

// assembler builds the per-connection pipeline for one role:
// tls, then idle or read-timeout, then reconnect, then codec, then handler.
type assembler struct {
	role      Role
	cfg       session.Config
	tlsConfig *tls.Config
	codec     *frame.Codec
	handler   Handler
	logger    zerolog.Logger
	// reconnect runs after a client connection is fully torn down.
	reconnect func(*Conn)
}

// withReconnect returns a copy of a that installs hook as the reconnect stage.
func (a *assembler) withReconnect(hook func(*Conn)) *assembler {
	cp := *a
	cp.reconnect = hook
	return &cp
}

func (a *assembler) assemble(ctx context.Context, raw net.Conn) (*Conn, error) {
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	stream := raw
	var stages []string

	if a.tlsConfig != nil {
		tconn, err := a.handshake(ctx, raw)
		if err != nil {
			return nil, err
		}
		stream = tconn
		stages = append(stages, StageTLS)
	}

	c := newConn(ctx, a.role, stream, a.logger)
	c.writeTimeout = a.cfg.WriteTimeout
	var src io.Reader = stream

	if a.cfg.Timeout > 0 {
		switch a.role {
		case RoleClient:
			c.keepAlive = a.cfg.Timeout
			stages = append(stages, StageIdle)
		case RoleServer:
			c.readTimeout = a.cfg.Timeout
			src = readDeadline{conn: stream, timeout: a.cfg.Timeout}
			stages = append(stages, StageReadTimeout)
		}
	}
	if a.role == RoleClient && a.reconnect != nil {
		c.onClose = append(c.onClose, a.reconnect)
		stages = append(stages, StageReconnect)
	}

	c.codec = a.codec
	c.br = bufio.NewReader(src)
	stages = append(stages, StageCodec)

	if a.handler != nil {
		c.handler = a.handler
		stages = append(stages, StageHandler)
	}
	c.stages = stages
	return c, nil
}

func (a *assembler) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, error) {
	var tconn *tls.Conn
	if a.role == RoleServer {
		tconn = tls.Server(raw, a.tlsConfig)
	} else {
		tconn = tls.Client(raw, a.tlsConfig)
	}
	hctx := ctx
	if a.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := tconn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	return tconn, nil
}
