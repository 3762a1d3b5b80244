// Package admin serves the HTTP health, status, and metrics surface for a
// running client or server role.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/pktlink/internal/observability"
	"github.com/danmuck/pktlink/internal/partner"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Version is reported by /health and the CLI.
const Version = "0.1.0"

// Partner is the view of a Client or Server the admin routes read.
type Partner interface {
	Role() partner.Role
	State() partner.State
	Conns() []*partner.Conn
	Addr() net.Addr
}

type attemptCounter interface {
	FailedAttempts() int
}

type Server struct {
	service string
	target  Partner
	started time.Time
	router  *gin.Engine
}

// ConnInfo describes one live connection in /status.
type ConnInfo struct {
	ID       string   `json:"id"`
	Remote   string   `json:"remote"`
	Local    string   `json:"local"`
	Pipeline []string `json:"pipeline"`
}

// Status is the /status response body.
type Status struct {
	Service        string     `json:"service"`
	Role           string     `json:"role"`
	State          string     `json:"state"`
	Addr           string     `json:"addr,omitempty"`
	Uptime         string     `json:"uptime"`
	Conns          []ConnInfo `json:"conns"`
	FailedAttempts *int       `json:"failed_attempts,omitempty"`
}

func New(service string, target Partner, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(service))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(corsOrigins),
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		service: service,
		target:  target,
		started: time.Now(),
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.service,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		state := s.target.State()
		code := http.StatusOK
		if state != partner.StateRunning {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   state == partner.StateRunning,
			"state":   state.String(),
			"service": s.service,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
}

// Status snapshots the partner. Connections are ordered by id.
func (s *Server) Status() Status {
	st := Status{
		Service: s.service,
		Role:    string(s.target.Role()),
		State:   s.target.State().String(),
		Uptime:  time.Since(s.started).String(),
		Conns:   []ConnInfo{},
	}
	if addr := s.target.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	for _, conn := range s.target.Conns() {
		st.Conns = append(st.Conns, ConnInfo{
			ID:       conn.ID(),
			Remote:   addrString(conn.RemoteAddr()),
			Local:    addrString(conn.LocalAddr()),
			Pipeline: conn.Pipeline(),
		})
	}
	sort.Slice(st.Conns, func(i, j int) bool { return st.Conns[i].ID < st.Conns[j].ID })
	if ac, ok := s.target.(attemptCounter); ok {
		n := ac.FailedAttempts()
		st.FailedAttempts = &n
	}
	return st
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("service", s.service).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
