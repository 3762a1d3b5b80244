// Package partner runs the client and server connection roles.
//
// Ownership boundary:
// - role lifecycle (Init / Shutdown / State)
// - one live generation of transport resources per role
// - per-connection pipeline, keepalive, read timeout, reconnect
package partner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/pktlink/internal/logging"
	"github.com/danmuck/pktlink/internal/protocol/frame"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// partner is the state shared by Client and Server.
type partner struct {
	role   Role
	cfg    session.Config
	reg    *packet.Registry
	codec  *frame.Codec
	logger zerolog.Logger

	mu    sync.Mutex
	gen   *generation
	state State
}

func newPartner(role Role, cfg session.Config, reg *packet.Registry) (*partner, error) {
	if reg == nil {
		return nil, packet.ErrNilRegistry
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cs, err := cfg.ResolveCharset()
	if err != nil {
		return nil, err
	}
	owned := reg.Clone()
	owned.Freeze()
	logger := logging.Component("partner." + string(role))
	codec := frame.NewCodec(owned, cs,
		frame.WithRole(string(role)),
		frame.WithSelfCheck(cfg.SelfCheck),
		frame.WithLogger(logging.Component("frame.codec")),
	)
	return &partner{
		role:   role,
		cfg:    cfg,
		reg:    owned,
		codec:  codec,
		logger: logger,
	}, nil
}

// State reports the lifecycle state.
func (p *partner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Role reports which side this partner plays.
func (p *partner) Role() Role { return p.role }

// Registry returns the frozen registry owned by this role.
func (p *partner) Registry() *packet.Registry { return p.reg }

// Conns returns a snapshot of the live connections.
func (p *partner) Conns() []*Conn {
	gen := p.current()
	if gen == nil {
		return nil
	}
	return gen.snapshot()
}

// Shutdown tears down the live generation: pending reconnects and timers are
// canceled, the listener and connections are closed, and connection goroutines
// are given ShutdownTimeout to drain. It is idempotent.
//
// Shutdown waits on connection goroutines, so a Handler that calls it
// directly stalls for ShutdownTimeout; call it from a new goroutine instead.
func (p *partner) Shutdown() {
	p.mu.Lock()
	gen := p.gen
	p.gen = nil
	if gen != nil {
		p.state = StateStopped
	}
	p.mu.Unlock()
	if gen != nil {
		p.logger.Info().Msg("partner.shutdown")
		gen.stop(p.cfg.ShutdownTimeout, p.logger)
	}
}

// begin swaps in a fresh generation and tears down the previous one. When from
// is non-nil the swap only happens if from is still the live generation.
func (p *partner) begin(ctx context.Context, from *generation) (*generation, bool) {
	p.mu.Lock()
	if from != nil && p.gen != from {
		p.mu.Unlock()
		return nil, false
	}
	old := p.gen
	gen := newGeneration(ctx)
	p.gen = gen
	p.state = StateStarting
	p.mu.Unlock()

	if old != nil {
		old.stop(p.cfg.ShutdownTimeout, p.logger)
	}
	return gen, true
}

// finish tears gen down and marks the role stopped if gen is still live.
func (p *partner) finish(gen *generation) {
	p.mu.Lock()
	if p.gen == gen {
		p.gen = nil
		p.state = StateStopped
	}
	p.mu.Unlock()
	gen.stop(p.cfg.ShutdownTimeout, p.logger)
}

// transition sets the state only while gen is the live generation.
func (p *partner) transition(gen *generation, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.state = s
	}
}

func (p *partner) current() *generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// generation owns the transport resources of one Init call.
type generation struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	ln     net.Listener
	timers []*time.Timer

	stopOnce sync.Once
}

func newGeneration(parent context.Context) *generation {
	ctx, cancel := context.WithCancel(parent)
	g := &generation{
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}
	// Parent cancellation disarms pending reconnects even when no Init is blocked.
	context.AfterFunc(ctx, g.stopTimers)
	return g
}

// spawn runs f on a goroutine the generation waits for. It refuses once the
// generation is stopping.
func (g *generation) spawn(f func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f()
	}()
	return true
}

// track records c as live and untracks it when it closes. It refuses once
// the generation is stopping.
func (g *generation) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.conns[c] = struct{}{}
	c.onClose = append(c.onClose, g.untrack)
	return true
}

// attach tracks c and runs its read loop on a generation goroutine.
func (g *generation) attach(c *Conn) bool {
	if !g.track(c) {
		return false
	}
	if !g.spawn(c.serve) {
		g.untrack(c)
		return false
	}
	return true
}

func (g *generation) untrack(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

func (g *generation) snapshot() []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		out = append(out, c)
	}
	return out
}

func (g *generation) setListener(ln net.Listener) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.ln = ln
	return true
}

func (g *generation) listener() net.Listener {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ln
}

// after schedules f on its own goroutine once d elapses, unless the
// generation's context ends first.
func (g *generation) after(d time.Duration, f func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.timers = append(g.timers, time.AfterFunc(d, func() {
		if g.ctx.Err() != nil {
			return
		}
		f()
	}))
	return true
}

func (g *generation) stopTimers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
}

func (g *generation) stop(timeout time.Duration, logger zerolog.Logger) {
	g.stopOnce.Do(func() {
		g.cancel()
		g.stopTimers()
		g.mu.Lock()
		if g.ln != nil {
			_ = g.ln.Close()
		}
		conns := make([]*Conn, 0, len(g.conns))
		for c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		if err := waitTimeout(&g.wg, timeout); err != nil {
			logger.Warn().Err(err).Int("conns", len(conns)).Msg("partner.shutdown drain incomplete")
		}
	})
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("connection goroutines still running after %s", timeout)
	}
}
