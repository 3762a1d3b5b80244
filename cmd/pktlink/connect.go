package main

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/pktlink/internal/config"
	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/packets"
	"github.com/danmuck/pktlink/internal/partner"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type connectOptions struct {
	configPath  string
	host        string
	port        int
	keepalive   int
	reconnect   int
	tls         bool
	caFile      string
	adminAddr   string
	backoff     bool
	maxAttempts int
}

func connectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run the demo packet client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cfg, opts.policy(), observability.InitLogger("pktlink-connect"))
		},
	}
	opts.flags(cmd)
	return cmd
}

func (o *connectOptions) flags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "client config file (.toml, .yaml)")
	f.StringVar(&o.host, "host", config.DefaultHost, "server host")
	f.IntVarP(&o.port, "port", "p", config.DefaultPort, "server port")
	f.IntVar(&o.keepalive, "keepalive", 0, "send a keepalive after this many idle seconds (0 disables)")
	f.IntVar(&o.reconnect, "reconnect", 0, "reconnect this many seconds after a close or failure (0 disables)")
	f.BoolVar(&o.tls, "tls", false, "enable TLS")
	f.StringVar(&o.caFile, "ca", "", "CA file to verify the server (skips verification when empty)")
	f.StringVar(&o.adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	f.BoolVar(&o.backoff, "backoff", false, "wait an exponential backoff on top of the reconnect delay")
	f.IntVar(&o.maxAttempts, "max-attempts", 0, "stop after this many consecutive failures (0 retries forever)")
}

func (o connectOptions) resolve(cmd *cobra.Command) (config.Client, error) {
	cfg := config.DefaultClient()
	if o.configPath != "" {
		loaded, err := config.LoadClient(o.configPath)
		if err != nil {
			return config.Client{}, err
		}
		cfg = loaded
	}
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = o.host
	}
	if f.Changed("port") {
		cfg.Port = o.port
	}
	if f.Changed("keepalive") {
		cfg.Session.Timeout = time.Duration(o.keepalive) * time.Second
	}
	if f.Changed("reconnect") {
		cfg.Session.ReconnectDelay = time.Duration(o.reconnect) * time.Second
	}
	if f.Changed("tls") {
		cfg.Session.TLS.Enabled = o.tls
	}
	if f.Changed("ca") {
		cfg.Session.TLS.CAFile = o.caFile
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr = o.adminAddr
	}
	return cfg, nil
}

func (o connectOptions) policy() retryPolicy {
	p := retryPolicy{maxAttempts: o.maxAttempts}
	if o.backoff {
		b := session.DefaultBackoff()
		p.backoff = &b
	}
	return p
}

// retryPolicy layers a ceiling and backoff over the fixed reconnect delay.
type retryPolicy struct {
	maxAttempts int
	backoff     *session.Backoff
}

func runClient(ctx context.Context, cfg config.Client, policy retryPolicy, logger zerolog.Logger) error {
	observability.RegisterMetrics()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &clientHandler{
		logger: logger.With().Str("component", "demo.client").Logger(),
		policy: policy,
		ctx:    ctx,
		stop:   cancel,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	cfg.Handler = h
	cfg.OnConnect = h.onConnect
	cli, err := partner.NewClient(cfg.ClientConfig, packets.NewRegistry())
	if err != nil {
		return err
	}
	defer cli.Shutdown()

	adminErr := startAdmin(ctx, cfg.AdminAddr, "pktlink-client", cli)
	err = cli.Init(ctx)
	if cfg.Session.ReconnectDelay > 0 && ctx.Err() == nil {
		// Init returns after the first attempt; reconnects run on timers.
		<-ctx.Done()
		err = nil
	}
	cancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if h.exhausted() {
		err = errors.Join(err, errAttemptsExhausted)
	}
	return errors.Join(err, <-adminErr)
}

var errAttemptsExhausted = errors.New("connect attempts exhausted")

type clientHandler struct {
	logger zerolog.Logger
	policy retryPolicy
	ctx    context.Context
	stop   context.CancelFunc
	rng    *rand.Rand

	gaveUp atomic.Bool
}

// onConnect runs on the attempt goroutine, before any reconnect is armed.
func (h *clientHandler) onConnect(res partner.ConnectResult, failedAttempts int) {
	if !res.OK() {
		h.logger.Warn().Err(res.Err).Int("failed_attempts", failedAttempts).Msg("connect failed")
		if h.policy.maxAttempts > 0 && failedAttempts >= h.policy.maxAttempts {
			h.logger.Error().Int("max_attempts", h.policy.maxAttempts).Msg("giving up")
			h.gaveUp.Store(true)
			h.stop()
			return
		}
		if h.policy.backoff != nil {
			_ = h.policy.backoff.Sleep(h.ctx, failedAttempts, h.rng)
		}
		return
	}
	h.logger.Info().Str("conn", res.Conn.ID()).Str("remote", res.Conn.RemoteAddr().String()).Msg("connected")
	if err := res.Conn.Send(&packets.Greeting{Name: "Cool, super cool!", Age: 111}); err != nil {
		h.logger.Warn().Err(err).Msg("send failed")
	}
}

func (h *clientHandler) exhausted() bool { return h.gaveUp.Load() }

func (h *clientHandler) ConnActive(c *partner.Conn) {
	if err := c.Send(&packets.Greeting{Name: "Welcome Server!", Age: 271}); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.ID()).Msg("greeting failed")
	}
}

func (h *clientHandler) HandlePacket(c *partner.Conn, p packet.Packet) {
	logPacket(h.logger, c, p)
}

func (h *clientHandler) ConnInactive(c *partner.Conn, err error) {
	ev := h.logger.Info()
	if err != nil {
		ev = h.logger.Warn().Err(err)
	}
	ev.Str("conn", c.ID()).Msg("disconnected")
}
