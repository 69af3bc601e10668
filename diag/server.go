package diag

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
)

// Option configures a Server
type Option func(*Server)

// WithAddr sets the listen address. ":0" binds an ephemeral port.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventRate limits every websocket client to perSecond events with the
// given burst. A non-positive rate means unlimited.
func WithEventRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.eventRate = rate.Inf
		} else {
			s.eventRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.burst = burst
		}
	}
}

// WithClientQueue bounds the events queued per websocket client
func WithClientQueue(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithTLS serves the endpoints, the event stream included, over TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tls = cfg }
}

// WithMetrics registers the event stream metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.registry = registry }
}

// Server serves the diagnostic endpoints
type Server struct {
	collector *Collector
	addr      string
	tls       *tls.Config
	logger    *slog.Logger
	eventRate rate.Limit
	burst     int
	queueSize int
	registry  *metric.MetricsRegistry
	metrics   *serverMetrics
	upgrader  websocket.Upgrader

	mu       sync.Mutex // protects server and listener
	server   *http.Server
	listener net.Listener

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a stopped server over collector
func NewServer(collector *Collector, opts ...Option) (*Server, error) {
	if collector == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "collector check")
	}
	s := &Server{
		collector: collector,
		addr:      ":8081",
		logger:    slog.Default(),
		eventRate: rate.Limit(50),
		burst:     10,
		queueSize: 256,
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "diag")
	if s.registry != nil {
		m, err := newServerMetrics(s.registry)
		if err != nil {
			return nil, errors.Wrap(err, "Server", "NewServer", "register metrics")
		}
		s.metrics = m
	}
	return s, nil
}

// Handler returns the chi router serving every endpoint
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/services", s.handleServices)
	r.Get("/components", s.handleComponents)
	r.Get("/components/{name}", s.handleComponent)
	r.Get("/routes", s.handleRoutes)
	r.Get("/configurations", s.handleConfigurations)
	r.Get("/health", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/events", s.handleEvents)
	return r
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.WrapState(errors.ErrAlreadyStarted, "Server", "Start", "running check")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.server = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Diagnostic server stopped", "error", err)
		}
	}()
	s.logger.Info("Diagnostic server started", "addr", ln.Addr().String())
	return nil
}

// Address returns the base URL, or "" when the server is not running
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	if s.tls != nil {
		return "https://" + s.listener.Addr().String()
	}
	return "http://" + s.listener.Addr().String()
}

// Stop disconnects event clients and shuts the server down, waiting at most
// timeout for open requests
func (s *Server) Stop(timeout time.Duration) error {
	s.closeClients()

	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if serr := srv.Shutdown(ctx); serr != nil {
			err = errors.WrapTransient(serr, "Server", "Stop", "shutdown HTTP server")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		if err == nil {
			err = errors.WrapTransient(context.DeadlineExceeded, "Server", "Stop", "wait for event clients")
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Services())
}

func (s *Server) handleComponents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Components())
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	comp, ok := s.collector.Component(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("component %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.collector.Routes()
	if routes == nil {
		writeError(w, http.StatusNotFound, "routing is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleConfigurations(w http.ResponseWriter, _ *http.Request) {
	configs := s.collector.Configurations()
	if configs == nil {
		configs = []configadmin.ConfigDTO{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.collector.Health()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}
