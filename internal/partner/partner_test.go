package partner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/pktlink/internal/packets"
	"github.com/danmuck/pktlink/internal/protocol/packet"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/danmuck/pktlink/internal/protocol/wire"
	"github.com/danmuck/pktlink/internal/testutil/testlog"
	"github.com/danmuck/pktlink/internal/testutil/tlstest"
)

type outcome struct {
	ok       bool
	failures int
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// startServer runs srv.Init in the background and waits for it to bind.
func startServer(t *testing.T, srv *Server) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Init(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool { return srv.Addr() != nil })
	t.Cleanup(srv.Shutdown)
	return errCh
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	return srv.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func echoServer(t *testing.T, cfg session.Config) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Host:    "127.0.0.1",
		Session: cfg,
		Handler: HandlerFunc(func(c *Conn, p packet.Packet) {
			if g, ok := p.(*packets.Greeting); ok {
				_ = c.Send(&packets.Greeting{Name: "echo:" + g.Name, Age: g.Age + 1})
			}
		}),
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func collectingHandler() (Handler, <-chan packet.Packet) {
	ch := make(chan packet.Packet, 16)
	return HandlerFunc(func(_ *Conn, p packet.Packet) { ch <- p }), ch
}

func TestClientServerRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	startServer(t, srv)

	handler, got := collectingHandler()
	connected := make(chan *Conn, 1)
	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    serverPort(t, srv),
		Handler: handler,
		OnConnect: func(r ConnectResult, _ int) {
			if r.OK() {
				connected <- r.Conn
			}
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	initErr := make(chan error, 1)
	go func() { initErr <- client.Init(context.Background()) }()

	var conn *Conn
	select {
	case conn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatalf("client never connected")
	}
	if client.State() != StateRunning {
		t.Fatalf("state = %v", client.State())
	}
	if want := []string{StageCodec, StageHandler}; !reflect.DeepEqual(conn.Pipeline(), want) {
		t.Fatalf("pipeline = %v want %v", conn.Pipeline(), want)
	}

	if err := client.Send(&packets.Greeting{Name: "hi", Age: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case p := <-got:
		g, ok := p.(*packets.Greeting)
		if !ok || g.Name != "echo:hi" || g.Age != 8 {
			t.Fatalf("unexpected reply %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}

	client.Shutdown()
	select {
	case err := <-initErr:
		if err != nil {
			t.Fatalf("init after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client init did not return after shutdown")
	}
	if client.State() != StateStopped {
		t.Fatalf("state after shutdown = %v", client.State())
	}
	if err := client.Send(&packets.Greeting{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientPipelineOrderWithAllStages(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{TLS: session.TLSConfig{Enabled: true}})
	startServer(t, srv)

	handler, _ := collectingHandler()
	connected := make(chan *Conn, 1)
	client, err := NewClient(ClientConfig{
		Host: "127.0.0.1",
		Port: serverPort(t, srv),
		Session: session.Config{
			Timeout:        time.Minute,
			ReconnectDelay: time.Minute,
			TLS:            session.TLSConfig{Enabled: true},
		},
		Handler: handler,
		OnConnect: func(r ConnectResult, _ int) {
			if r.OK() {
				connected <- r.Conn
			}
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	go func() { _ = client.Init(context.Background()) }()
	defer client.Shutdown()

	select {
	case conn := <-connected:
		want := []string{StageTLS, StageIdle, StageReconnect, StageCodec, StageHandler}
		if !reflect.DeepEqual(conn.Pipeline(), want) {
			t.Fatalf("pipeline = %v want %v", conn.Pipeline(), want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("client never connected")
	}
}

func TestClientReconnectCountsFailuresThenResets(t *testing.T) {
	testlog.Start(t)
	port := freePort(t)

	outcomes := make(chan outcome, 64)
	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Session: session.Config{ReconnectDelay: 200 * time.Millisecond, ConnectTimeout: time.Second},
		OnConnect: func(r ConnectResult, failures int) {
			outcomes <- outcome{ok: r.OK(), failures: failures}
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()

	if err := client.Init(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	first := <-outcomes
	if first.ok || first.failures != 1 {
		t.Fatalf("first attempt = %+v want failure with count 1", first)
	}
	if client.FailedAttempts() != 1 {
		t.Fatalf("FailedAttempts = %d", client.FailedAttempts())
	}

	srv, err := NewServer(ServerConfig{Host: "127.0.0.1", Port: port}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	startServer(t, srv)

	last := first.failures
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-outcomes:
			if o.ok {
				if o.failures != 0 || client.FailedAttempts() != 0 {
					t.Fatalf("success must reset count, got %+v / %d", o, client.FailedAttempts())
				}
				return
			}
			if o.failures != last+1 {
				t.Fatalf("failures went %d -> %d", last, o.failures)
			}
			last = o.failures
		case <-deadline:
			t.Fatalf("client never reconnected, last failures=%d", last)
		}
	}
}

func TestClientReconnectsAfterServerCloses(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	startServer(t, srv)

	outcomes := make(chan outcome, 16)
	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    serverPort(t, srv),
		Session: session.Config{ReconnectDelay: 100 * time.Millisecond},
		OnConnect: func(r ConnectResult, failures int) {
			outcomes <- outcome{ok: r.OK(), failures: failures}
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()
	go func() { _ = client.Init(context.Background()) }()

	if o := <-outcomes; !o.ok {
		t.Fatalf("first attempt failed: %+v", o)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.Conns()) == 1 })
	for _, c := range srv.Conns() {
		_ = c.Close()
	}
	select {
	case o := <-outcomes:
		if !o.ok || o.failures != 0 {
			t.Fatalf("reconnect outcome = %+v", o)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not reconnect after close")
	}
}

func TestCanceledContextDisarmsPendingReconnect(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	var seen []outcome
	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    freePort(t),
		Session: session.Config{ReconnectDelay: 200 * time.Millisecond, ConnectTimeout: time.Second},
		OnConnect: func(r ConnectResult, failures int) {
			mu.Lock()
			seen = append(seen, outcome{ok: r.OK(), failures: failures})
			mu.Unlock()
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Init(ctx); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	cancel()
	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].ok || seen[0].failures != 1 {
		t.Fatalf("expected only the real failed attempt, got %+v", seen)
	}
	if client.FailedAttempts() != 1 {
		t.Fatalf("FailedAttempts = %d, want 1", client.FailedAttempts())
	}
}

func TestShutdownDuringDialIsNotAFailedAttempt(t *testing.T) {
	testlog.Start(t)

	// A listener that never accepts leaves the TLS handshake pending.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var mu sync.Mutex
	calls := 0
	client, err := NewClient(ClientConfig{
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
		Session: session.Config{
			TLS:              session.TLSConfig{Enabled: true},
			HandshakeTimeout: 5 * time.Second,
		},
		OnConnect: func(ConnectResult, int) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Init(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool { return client.State() == StateStarting })
	time.Sleep(50 * time.Millisecond)
	client.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Init after Shutdown = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Init did not return after Shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 || client.FailedAttempts() != 0 {
		t.Fatalf("shutdown mid-attempt reported an outcome: calls=%d failures=%d", calls, client.FailedAttempts())
	}
}

func TestClientWithoutReconnectDelayNeverRetries(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	calls := 0
	client, err := NewClient(ClientConfig{
		Host: "127.0.0.1",
		Port: freePort(t),
		OnConnect: func(ConnectResult, int) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Init(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
	if client.State() != StateStopped {
		t.Fatalf("state = %v", client.State())
	}
}

func TestClientSendsKeepAliveWhenWriteIdle(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Session: session.Config{Timeout: 100 * time.Millisecond},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()
	go func() { _ = client.Init(context.Background()) }()

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer peer.Close()
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatalf("read keepalives: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("expected two keepalive frames, got %x", buf)
	}
}

func TestServerReadTimeoutClosesQuietConnection(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{Timeout: 150 * time.Millisecond})
	startServer(t, srv)

	peer, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	_ = peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected server to close the quiet connection, got %v", err)
	}
}

func TestServerTimeoutZeroKeepsQuietConnection(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	startServer(t, srv)

	peer, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	_ = peer.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	_, err = peer.Read(make([]byte, 1))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected connection to stay open, got %v", err)
	}
	if n := len(srv.Conns()); n != 1 {
		t.Fatalf("expected one live connection, got %d", n)
	}
}

func TestServerKeepAliveResetsReadTimeout(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{Timeout: 300 * time.Millisecond})
	startServer(t, srv)

	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    serverPort(t, srv),
		Session: session.Config{Timeout: 100 * time.Millisecond},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()
	go func() { _ = client.Init(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return client.Conn() != nil })
	conn := client.Conn()
	time.Sleep(time.Second)
	select {
	case <-conn.Done():
		t.Fatalf("keepalives should hold the connection open, err=%v", conn.Err())
	default:
	}
}

func TestShutdownIsIdempotentAndUnblocksInit(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	srv.Shutdown()
	if srv.State() != StateIdle {
		t.Fatalf("shutdown from idle changed state to %v", srv.State())
	}

	errCh := startServer(t, srv)
	if srv.State() != StateRunning {
		t.Fatalf("state = %v", srv.State())
	}
	srv.Shutdown()
	srv.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("init after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("init did not return")
	}
	if srv.State() != StateStopped || srv.Addr() != nil {
		t.Fatalf("state=%v addr=%v after shutdown", srv.State(), srv.Addr())
	}

	// Re-init after shutdown binds again.
	startServer(t, srv)
	if srv.State() != StateRunning {
		t.Fatalf("re-init state = %v", srv.State())
	}
}

func TestInitPropagatesContextCancellation(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Init(ctx) }()
	waitFor(t, 2*time.Second, func() bool { return srv.Addr() != nil })
	port := serverPort(t, srv)

	client, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Session: session.Config{ReconnectDelay: 50 * time.Millisecond},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cliErr := make(chan error, 1)
	go func() { cliErr <- client.Init(ctx) }()
	waitFor(t, 2*time.Second, func() bool { return client.Conn() != nil })

	cancel()
	for name, ch := range map[string]<-chan error{"server": srvErr, "client": cliErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("%s: expected context.Canceled, got %v", name, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: init did not return on cancel", name)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if client.State() != StateStopped || client.Conn() != nil {
		t.Fatalf("client kept running after cancel: state=%v", client.State())
	}
}

func TestReInitReplacesPreviousGeneration(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	first := startServer(t, srv)
	firstAddr := srv.Addr().String()

	second := make(chan error, 1)
	go func() { second <- srv.Init(context.Background()) }()
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("replaced init returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first generation was not torn down")
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Addr() != nil })
	if _, err := net.DialTimeout("tcp", firstAddr, 200*time.Millisecond); err == nil && srv.Addr().String() != firstAddr {
		t.Fatalf("old listener %s still accepting", firstAddr)
	}
	srv.Shutdown()
	<-second
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.NewPKI(t)
	srv := echoServer(t, session.Config{TLS: session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   pki.CAFile,
		CertFile: pki.ServerCertFile,
		KeyFile:  pki.ServerKeyFile,
	}})
	startServer(t, srv)

	handler, got := collectingHandler()
	client, err := NewClient(ClientConfig{
		Host: "127.0.0.1",
		Port: serverPort(t, srv),
		Session: session.Config{TLS: session.TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CAFile:   pki.CAFile,
			CertFile: pki.ClientCertFile,
			KeyFile:  pki.ClientKeyFile,
		}},
		Handler: handler,
		OnConnect: func(r ConnectResult, _ int) {
			if r.OK() {
				_ = r.Conn.Send(&packets.Greeting{Name: "Welcome Server!", Age: 271})
			}
		},
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()
	go func() { _ = client.Init(context.Background()) }()

	select {
	case p := <-got:
		if g, ok := p.(*packets.Greeting); !ok || g.Name != "echo:Welcome Server!" || g.Age != 272 {
			t.Fatalf("unexpected reply %#v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reply over mutual tls")
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	startServer(t, srv)

	var inboxes []<-chan packet.Packet
	for i := 0; i < 2; i++ {
		handler, got := collectingHandler()
		inboxes = append(inboxes, got)
		client, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: serverPort(t, srv), Handler: handler}, packets.NewRegistry())
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		defer client.Shutdown()
		go func() { _ = client.Init(context.Background()) }()
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.Conns()) == 2 })

	if n := srv.Broadcast(&packets.Chat{From: "server", Text: "hello all"}); n != 2 {
		t.Fatalf("broadcast reached %d conns", n)
	}
	for i, inbox := range inboxes {
		select {
		case p := <-inbox:
			if c, ok := p.(*packets.Chat); !ok || c.Text != "hello all" {
				t.Fatalf("client %d got %#v", i, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %d missed broadcast", i)
		}
	}
}

func TestUnregisteredSendKeepsConnectionOpen(t *testing.T) {
	testlog.Start(t)
	srv := echoServer(t, session.Config{})
	startServer(t, srv)

	handler, got := collectingHandler()
	client, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: serverPort(t, srv), Handler: handler}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Shutdown()
	go func() { _ = client.Init(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool { return client.Conn() != nil })

	type stray struct{ packets.Greeting }
	if err := client.Send(&stray{}); err == nil {
		t.Fatalf("expected unregistered send to fail")
	}
	if err := client.Send(&packets.Greeting{Name: "still", Age: 1}); err != nil {
		t.Fatalf("connection should survive: %v", err)
	}
	select {
	case p := <-got:
		if g := p.(*packets.Greeting); g.Name != "echo:still" {
			t.Fatalf("unexpected reply %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply after unregistered send")
	}
}

func TestConstructorsFailFast(t *testing.T) {
	testlog.Start(t)
	reg := packets.NewRegistry()
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"client port zero", clientErr(ClientConfig{Host: "h", Port: 0}, reg), ErrInvalidPort},
		{"client port high", clientErr(ClientConfig{Host: "h", Port: 70000}, reg), ErrInvalidPort},
		{"client host", clientErr(ClientConfig{Port: 1}, reg), ErrHostRequired},
		{"client nil registry", clientErr(ClientConfig{Host: "h", Port: 1}, nil), packet.ErrNilRegistry},
		{"client charset", clientErr(ClientConfig{Host: "h", Port: 1, Session: session.Config{Charset: "nope"}}, reg), wire.ErrUnsupportedCharset},
		{"server port", serverErr(ServerConfig{Port: -1}, reg), ErrInvalidPort},
		{"server tls", serverErr(ServerConfig{Session: session.Config{TLS: session.TLSConfig{Mutual: true}}}, reg), session.ErrTLSRequired},
		{"server duration", serverErr(ServerConfig{Session: session.Config{Timeout: -time.Second}}, reg), session.ErrNegativeDuration},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, tc.err)
		}
	}
}

func TestRoleOwnsFrozenRegistryCopy(t *testing.T) {
	testlog.Start(t)
	reg := packets.NewRegistry()
	srv, err := NewServer(ServerConfig{}, reg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	type extra struct{ packets.Chat }
	reg.MustRegister(40, packet.Of[extra]())

	if !srv.Registry().Frozen() {
		t.Fatalf("role registry must be frozen")
	}
	if _, err := srv.Registry().Lookup(40); !errors.Is(err, packet.ErrNotFound) {
		t.Fatalf("caller mutation leaked into role registry: %v", err)
	}
}

func TestServerBindFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv, err := NewServer(ServerConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Init(context.Background()); !errors.Is(err, ErrBind) {
		t.Fatalf("expected ErrBind, got %v", err)
	}
	if srv.State() != StateStopped {
		t.Fatalf("state = %v", srv.State())
	}
}

func clientErr(cfg ClientConfig, reg *packet.Registry) error {
	_, err := NewClient(cfg, reg)
	return err
}

func serverErr(cfg ServerConfig, reg *packet.Registry) error {
	_, err := NewServer(cfg, reg)
	return err
}

// flakyListener fails the first fails Accept calls with err.
type flakyListener struct {
	net.Listener
	fails atomic.Int32
	err   error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.fails.Add(-1) >= 0 {
		return nil, l.err
	}
	return l.Listener.Accept()
}

func TestServerAcceptRetriesTransientErrors(t *testing.T) {
	testlog.Start(t)

	srv, err := NewServer(ServerConfig{Host: "127.0.0.1"}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fl := &flakyListener{
		Listener: ln,
		err:      &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)},
	}
	fl.fails.Store(2)

	gen, _ := srv.begin(context.Background(), nil)
	if !gen.setListener(fl) {
		t.Fatalf("generation refused listener")
	}
	done := make(chan error, 1)
	go func() { done <- srv.serve(gen, fl) }()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	waitFor(t, 2*time.Second, func() bool { return len(srv.Conns()) == 1 })

	srv.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("accept loop returned %v after shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("accept loop did not stop")
	}
}

func TestServerAcceptStopsOnPermanentError(t *testing.T) {
	testlog.Start(t)

	srv, err := NewServer(ServerConfig{Host: "127.0.0.1"}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	broken := errors.New("listener broken")
	fl := &flakyListener{Listener: ln, err: broken}
	fl.fails.Store(1)

	gen, _ := srv.begin(context.Background(), nil)
	defer srv.Shutdown()
	if err := srv.serve(gen, fl); !errors.Is(err, broken) {
		t.Fatalf("expected permanent accept error, got %v", err)
	}
}
