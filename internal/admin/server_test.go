package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/packets"
	"github.com/danmuck/pktlink/internal/partner"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"github.com/danmuck/pktlink/internal/testutil/testlog"
)

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

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func newServer(t *testing.T) *partner.Server {
	t.Helper()
	srv, err := partner.NewServer(partner.ServerConfig{
		Host:    "127.0.0.1",
		Session: session.DefaultConfig(),
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestHealthAndReadyTrackState(t *testing.T) {
	testlog.Start(t)

	srv := newServer(t)
	s := New("pktlink-test", srv, nil)

	rr := get(t, s.Handler(), "/health")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"version":"`+Version+`"`) {
		t.Fatalf("unexpected /health: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(observability.RequestIDHeader) == "" {
		t.Fatalf("expected a generated request id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(observability.RequestIDHeader, "abc-123")
	echo := httptest.NewRecorder()
	s.Handler().ServeHTTP(echo, req)
	if got := echo.Header().Get(observability.RequestIDHeader); got != "abc-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	if rr := get(t, s.Handler(), "/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rr.Code)
	}

	go func() { _ = srv.Init(context.Background()) }()
	t.Cleanup(srv.Shutdown)
	waitFor(t, 2*time.Second, func() bool { return srv.State() == partner.StateRunning })

	rr = get(t, s.Handler(), "/ready")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once running, got %d %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /ready: %v", err)
	}
	if body["ready"] != true || body["state"] != "running" {
		t.Fatalf("unexpected /ready body: %#v", body)
	}
}

func TestStatusListsConnsAndAttempts(t *testing.T) {
	testlog.Start(t)

	srv := newServer(t)
	go func() { _ = srv.Init(context.Background()) }()
	t.Cleanup(srv.Shutdown)
	waitFor(t, 2*time.Second, func() bool { return srv.Addr() != nil })

	cli, err := partner.NewClient(partner.ClientConfig{
		Host:    "127.0.0.1",
		Port:    srv.Addr().(*net.TCPAddr).Port,
		Session: session.DefaultConfig(),
	}, packets.NewRegistry())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	go func() { _ = cli.Init(context.Background()) }()
	t.Cleanup(cli.Shutdown)
	waitFor(t, 2*time.Second, func() bool { return len(srv.Conns()) == 1 && cli.Conn() != nil })

	srvStatus := New("server", srv, nil).Status()
	if srvStatus.Role != "server" || srvStatus.State != "running" || len(srvStatus.Conns) != 1 {
		t.Fatalf("unexpected server status: %+v", srvStatus)
	}
	if srvStatus.FailedAttempts != nil {
		t.Fatalf("server status should not report failed attempts")
	}
	if srvStatus.Addr != srv.Addr().String() {
		t.Fatalf("expected addr %s, got %s", srv.Addr(), srvStatus.Addr)
	}

	rr := get(t, New("client", cli, nil).Handler(), "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected /status code %d", rr.Code)
	}
	var cliStatus Status
	if err := json.Unmarshal(rr.Body.Bytes(), &cliStatus); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if cliStatus.Role != "client" || len(cliStatus.Conns) != 1 {
		t.Fatalf("unexpected client status: %+v", cliStatus)
	}
	if cliStatus.FailedAttempts == nil || *cliStatus.FailedAttempts != 0 {
		t.Fatalf("expected failed_attempts=0, got %v", cliStatus.FailedAttempts)
	}
	if got := cliStatus.Conns[0].Pipeline; len(got) == 0 || got[len(got)-1] != partner.StageCodec {
		t.Fatalf("unexpected client pipeline: %v", got)
	}
}

func TestMetricsEndpointExposesPktlinkSeries(t *testing.T) {
	testlog.Start(t)

	s := New("pktlink-test", newServer(t), nil)
	_ = get(t, s.Handler(), "/health")

	rr := get(t, s.Handler(), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected /metrics code %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "pktlink_http_requests_total") {
		t.Fatalf("expected http request series in /metrics output")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	s := New("pktlink-test", newServer(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}
