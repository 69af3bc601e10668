package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/depkit/depgraph"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/pkg/worker"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "depkit"

// Sink is where the publisher sends messages. *natsclient.Client implements it.
type Sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ServiceEvent is the payload of a service event
type ServiceEvent struct {
	Type       string         `json:"type"`
	ServiceID  int64          `json:"service_id"`
	Interfaces []string       `json:"interfaces"`
	Rank       int            `json:"rank"`
	Owner      string         `json:"owner,omitempty"`
	Properties map[string]any `json:"properties"`
	At         time.Time      `json:"at"`
}

type message struct {
	subject string
	payload any
}

// Option configures a Publisher
type Option func(*config)

type config struct {
	prefix    string
	logger    *slog.Logger
	workers   int
	queueSize int
	registry  *metric.MetricsRegistry
	iface     string
	filter    string
}

// WithPrefix sets the subject prefix
func WithPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPool sizes the publishing pool
func WithPool(workers, queueSize int) Option {
	return func(c *config) {
		c.workers = workers
		c.queueSize = queueSize
	}
}

// WithMetrics registers the pool metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *config) { c.registry = registry }
}

// WithScope limits the mirrored services by interface and filter
func WithScope(iface, filterExpr string) Option {
	return func(c *config) {
		c.iface = iface
		c.filter = filterExpr
	}
}

// Publisher mirrors registry and graph events to a Sink
type Publisher struct {
	sink   Sink
	cfg    config
	logger *slog.Logger
	pool   *worker.Pool[message]

	mu      sync.Mutex
	cancel  context.CancelFunc
	stops   []func()
	started bool
}

// NewPublisher creates a stopped publisher
func NewPublisher(sink Sink, opts ...Option) (*Publisher, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "sink check")
	}
	cfg := config{prefix: DefaultPrefix, logger: slog.Default(), workers: 2, queueSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Publisher{
		sink:   sink,
		cfg:    cfg,
		logger: cfg.logger.With("component", "natsbridge", "role", "publisher"),
	}
	var poolOpts []worker.Option[message]
	if cfg.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[message](cfg.registry, "natsbridge"))
	}
	pool, err := worker.NewPool(cfg.workers, cfg.queueSize, p.send, poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Publisher", "NewPublisher", "create pool")
	}
	p.pool = pool
	return p, nil
}

// Subject returns the subject for an event type or state name
func (p *Publisher) Subject(kind, name string) string {
	return p.cfg.prefix + "." + kind + "." + strings.ToLower(name)
}

// Start begins mirroring reg and, when g is not nil, its component states
func (p *Publisher) Start(ctx context.Context, reg *registry.Registry, g *depgraph.Graph) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.WrapState(errors.ErrAlreadyStarted, "Publisher", "Start", "state check")
	}

	pctx, cancel := context.WithCancel(ctx)
	if err := p.pool.Start(pctx); err != nil {
		cancel()
		return errors.Wrap(err, "Publisher", "Start", "start pool")
	}

	handle, err := reg.AddListener(registry.ListenerFunc(p.serviceChanged),
		registry.WithName("natsbridge"),
		registry.WithInterface(p.cfg.iface),
		registry.WithFilter(p.cfg.filter))
	if err != nil {
		cancel()
		return errors.Wrap(err, "Publisher", "Start", "add listener")
	}
	p.stops = append(p.stops, handle.Remove)

	if g != nil {
		sub, err := g.Subscribe("natsbridge", p.stateChanged)
		if err != nil {
			handle.Remove()
			cancel()
			return errors.Wrap(err, "Publisher", "Start", "subscribe to graph")
		}
		p.stops = append(p.stops, sub.Close)
	}

	p.cancel = cancel
	p.started = true
	p.logger.Info("Mirroring events", "prefix", p.cfg.prefix)
	return nil
}

func (p *Publisher) serviceChanged(_ context.Context, ev registry.Event) {
	rec := ev.Record
	props := ev.Properties
	if props == nil {
		props = rec.Properties()
	}
	payload := ServiceEvent{
		Type:       strings.ToLower(ev.Type.String()),
		ServiceID:  rec.ID(),
		Interfaces: rec.Interfaces(),
		Rank:       rec.Rank(),
		Owner:      rec.Owner(),
		Properties: properties.ToMap(props),
		At:         time.Now(),
	}
	p.enqueue(message{subject: p.Subject("events", payload.Type), payload: payload})
}

func (p *Publisher) stateChanged(_ context.Context, ev depgraph.StateChange) {
	p.enqueue(message{subject: p.Subject("components", ev.To.String()), payload: ev})
}

func (p *Publisher) enqueue(msg message) {
	if err := p.pool.Submit(msg); err != nil {
		p.logger.Warn("Dropped event", "subject", msg.subject, "error", err)
	}
}

func (p *Publisher) send(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg.payload)
	if err != nil {
		p.logger.Error("Failed to encode event", "subject", msg.subject, "error", err)
		return err
	}
	if err := p.sink.Publish(ctx, msg.subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", msg.subject, "error", err)
		return err
	}
	return nil
}

// Stats returns the publishing pool statistics
func (p *Publisher) Stats() worker.PoolStats { return p.pool.Stats() }

// Stop detaches from the registry and graph and drains queued events for up
// to timeout
func (p *Publisher) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	for _, stop := range p.stops {
		stop()
	}
	p.stops = nil
	err := p.pool.Stop(timeout)
	p.cancel()
	p.started = false
	return err
}
