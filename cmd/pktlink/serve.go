package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/pktlink/internal/admin"
	"github.com/danmuck/pktlink/internal/config"
	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/packets"
	"github.com/danmuck/pktlink/internal/partner"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	timeout    int
	tls        bool
	certFile   string
	keyFile    string
	adminAddr  string
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo packet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, observability.InitLogger("pktlink-serve"))
		},
	}
	opts.flags(cmd)
	return cmd
}

func (o *serveOptions) flags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "server config file (.toml, .yaml)")
	f.StringVar(&o.host, "host", "", "bind address (empty binds all interfaces)")
	f.IntVarP(&o.port, "port", "p", config.DefaultPort, "listen port")
	f.IntVar(&o.timeout, "timeout", 0, "close connections idle for this many seconds (0 disables)")
	f.BoolVar(&o.tls, "tls", false, "enable TLS (self-signed without --cert)")
	f.StringVar(&o.certFile, "cert", "", "TLS certificate file")
	f.StringVar(&o.keyFile, "key", "", "TLS key file")
	f.StringVar(&o.adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
}

// resolve loads the config file, if any, then applies explicitly set flags.
func (o serveOptions) resolve(cmd *cobra.Command) (config.Server, error) {
	cfg := config.DefaultServer()
	if o.configPath != "" {
		loaded, err := config.LoadServer(o.configPath)
		if err != nil {
			return config.Server{}, err
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
	if f.Changed("timeout") {
		cfg.Session.Timeout = time.Duration(o.timeout) * time.Second
	}
	if f.Changed("tls") {
		cfg.Session.TLS.Enabled = o.tls
	}
	if f.Changed("cert") {
		cfg.Session.TLS.CertFile = o.certFile
	}
	if f.Changed("key") {
		cfg.Session.TLS.KeyFile = o.keyFile
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr = o.adminAddr
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg config.Server, logger zerolog.Logger) error {
	observability.RegisterMetrics()
	cfg.Handler = &serverHandler{logger: logger.With().Str("component", "demo.server").Logger()}
	srv, err := partner.NewServer(cfg.ServerConfig, packets.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	adminErr := startAdmin(ctx, cfg.AdminAddr, "pktlink-server", srv)
	err = srv.Init(ctx)
	cancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, <-adminErr)
}

// startAdmin serves the admin surface until ctx is done. The returned channel
// yields exactly once.
func startAdmin(ctx context.Context, addr, service string, target admin.Partner) <-chan error {
	out := make(chan error, 1)
	if addr == "" {
		out <- nil
		return out
	}
	go func() {
		out <- admin.New(service, target, nil).Serve(ctx, addr)
	}()
	return out
}

type serverHandler struct {
	logger zerolog.Logger
}

func (h *serverHandler) ConnActive(c *partner.Conn) {
	h.logger.Info().Str("conn", c.ID()).Str("remote", c.RemoteAddr().String()).Strs("pipeline", c.Pipeline()).Msg("client connected")
	if err := c.Send(&packets.Greeting{Name: "Welcome Client!", Age: 314}); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.ID()).Msg("greeting failed")
	}
}

func (h *serverHandler) HandlePacket(c *partner.Conn, p packet.Packet) {
	logPacket(h.logger, c, p)
}

func (h *serverHandler) ConnInactive(c *partner.Conn, err error) {
	ev := h.logger.Info()
	if err != nil {
		ev = h.logger.Warn().Err(err)
	}
	ev.Str("conn", c.ID()).Msg("client disconnected")
}

func logPacket(logger zerolog.Logger, c *partner.Conn, p packet.Packet) {
	switch pkt := p.(type) {
	case *packets.Greeting:
		logger.Info().Str("conn", c.ID()).Str("name", pkt.Name).Int32("age", pkt.Age).Msg("greeting received")
	case *packets.Chat:
		logger.Info().Str("conn", c.ID()).Str("from", pkt.From).Str("text", pkt.Text).Msg("chat received")
	default:
		logger.Info().Str("conn", c.ID()).Type("packet", p).Msg("packet received")
	}
}
