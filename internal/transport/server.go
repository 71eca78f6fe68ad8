// Package transport exposes sessions over HTTP: a WebSocket event channel plus a few JSON
// endpoints for health and diagnostics.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"golang.org/x/net/netutil"

	"convohub/internal/hub"
	"convohub/internal/logging"
)

// Options configures the server.
type Options struct {
	Addr           string
	WSPath         string
	AllowedOrigins []string // empty accepts any origin
	MaxConnections int
	ClientBuffer   int
	// DefaultProject is used when a client connects without ?project=.
	DefaultProject string
	Version        string
}

// Server routes HTTP and WebSocket traffic to the hub.
type Server struct {
	hub      *hub.Hub
	opts     Options
	echo     *echo.Echo
	upgrader websocket.Upgrader

	active atomic.Int64
	conns  sync.WaitGroup

	mu       sync.Mutex
	clients  map[*hub.Client]struct{}
	draining bool
}

// New builds the router.
func New(h *hub.Hub, opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	s := &Server{hub: h, opts: opts, echo: echo.New(), clients: make(map[*hub.Client]struct{})}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.echo.Use(requestLogger)
	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/api/sessions", s.listSessions)
	s.echo.GET("/api/history", s.listHistory)
	s.echo.GET(opts.WSPath, s.handleWS)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	logging.Transport("listening on %s (ws %s)", ln.Addr(), s.opts.WSPath)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// hijacked websocket connections are not tracked by Shutdown
	s.closeClients()
	s.conns.Wait()
	<-errc
	logging.Transport("server stopped")
	return err
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// track registers a live client; it reports false once the server is draining.
func (s *Server) track(c *hub.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *hub.Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for c := range s.clients {
		c.Close(hub.ErrSessionClosed)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logging.Get(logging.CategoryTransport).Warn("rejected origin %q", origin)
	return false
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)
		req := c.Request()
		logging.TransportDebug("%s %s (%v)", req.Method, req.URL.Path, time.Since(start))
		return err
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Sessions    int    `json:"sessions"`
	Connections int64  `json:"connections"`
}

func (s *Server) healthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Version:     s.opts.Version,
		Sessions:    len(s.hub.Sessions(c.Request().Context())),
		Connections: s.active.Load(),
	})
}

func (s *Server) listSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Sessions(c.Request().Context()))
}

func (s *Server) listHistory(c *echo.Context) error {
	project := c.QueryParam("project")
	if project == "" {
		project = s.opts.DefaultProject
	}
	list, err := s.hub.History(c.Request().Context(), project)
	if err != nil {
		return projectError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func projectError(err error) error {
	if errors.Is(err, hub.ErrProjectNotAllowed) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
