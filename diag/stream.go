package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// Event is one message on the /events stream
type Event struct {
	Type      string                `json:"type"`
	At        time.Time             `json:"at"`
	Service   *ServiceEvent         `json:"service,omitempty"`
	Component *depgraph.StateChange `json:"component,omitempty"`
}

// ServiceEvent describes a registry change
type ServiceEvent struct {
	Event string `json:"event"`
	registry.ServiceDTO
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	queue   chan []byte
	dropped atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	stops     []func()
}

func serviceEvent(ev registry.Event) Event {
	rec := ev.Record
	props := ev.Properties
	if props == nil {
		props = rec.Properties()
	}
	return Event{
		Type: "service",
		At:   time.Now(),
		Service: &ServiceEvent{
			Event: ev.Type.String(),
			ServiceDTO: registry.ServiceDTO{
				ID:            rec.ID(),
				Interfaces:    rec.Interfaces(),
				Rank:          rec.Rank(),
				Owner:         rec.Owner(),
				Unregistering: rec.Unregistering(),
				Properties:    properties.ToMap(props),
			},
		},
	}
}

func componentEvent(ev depgraph.StateChange) Event {
	return Event{Type: "component", At: ev.At, Component: &ev}
}

// offer queues an event without blocking the dispatcher
func (s *Server) offer(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to encode event", "client", c.id, "error", err)
		return
	}
	select {
	case <-c.ctx.Done():
	case c.queue <- data:
	default:
		c.dropped.Add(1)
		s.metrics.recordDropped()
	}
}

// handleEvents upgrades to a websocket and streams events. The optional
// interface and filter query parameters scope the service events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	iface := r.URL.Query().Get("interface")
	expr := r.URL.Query().Get("filter")
	if expr != "" {
		if _, err := s.collector.registry.Compile(expr); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(s.eventRate, s.burst),
		queue:   make(chan []byte, s.queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	handle, err := s.collector.registry.AddListener(registry.ListenerFunc(func(_ context.Context, ev registry.Event) {
		s.offer(c, serviceEvent(ev))
	}), registry.WithName("diag-"+c.id), registry.WithInterface(iface), registry.WithFilter(expr))
	if err != nil {
		cancel()
		_ = conn.Close()
		s.logger.Warn("Failed to attach event client", "error", err)
		return
	}
	c.stops = append(c.stops, handle.Remove)

	if g := s.collector.graph; g != nil {
		sub, err := g.Subscribe("diag-"+c.id, func(_ context.Context, ev depgraph.StateChange) {
			s.offer(c, componentEvent(ev))
		})
		if err != nil {
			handle.Remove()
			cancel()
			_ = conn.Close()
			s.logger.Warn("Failed to attach event client", "error", err)
			return
		}
		c.stops = append(c.stops, sub.Close)
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.setClients(n)
	s.logger.Debug("Event client connected", "client", c.id, "remote", r.RemoteAddr)

	s.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)
}

// readLoop discards client messages and notices when the client goes away
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.closeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.closeClient(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-c.queue:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			s.metrics.recordSent()
		}
	}
}

func (s *Server) closeClient(c *client) {
	c.closeOnce.Do(func() {
		for _, stop := range c.stops {
			stop()
		}
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()

		s.clientsMu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.clientsMu.Unlock()
		s.metrics.setClients(n)
		if dropped := c.dropped.Load(); dropped > 0 {
			s.logger.Info("Event client disconnected", "client", c.id, "dropped", dropped)
		} else {
			s.logger.Debug("Event client disconnected", "client", c.id)
		}
	})
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		s.closeClient(c)
	}
}

// Clients returns the number of connected event clients
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
