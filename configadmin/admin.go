// Package configadmin stores configurations by pid and delivers them to
// managed services. Callbacks run asynchronously on one mailbox per consumer,
// in the order the configurations changed.
package configadmin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/events"
	"github.com/c360/depkit/metric"
	"github.com/c360/depkit/properties"
)

// Properties added to every configuration
const (
	PropPID        = "service.pid"
	PropFactoryPID = "service.factoryPid"
)

// FactorySeparator joins a factory pid and an instance id
const FactorySeparator = "~"

// EventType distinguishes configuration events
type EventType int

const (
	// Updated means a configuration was created or replaced
	Updated EventType = iota
	// Deleted means a configuration was removed
	Deleted
)

func (t EventType) String() string {
	if t == Deleted {
		return "deleted"
	}
	return "updated"
}

// Event describes one configuration change. Properties is nil for Deleted.
type Event struct {
	Type        EventType
	PID         string
	FactoryPID  string
	Properties  properties.Reader
	ChangeCount uint64
}

type configuration struct {
	pid        string
	factoryPID string
	props      *properties.Store
	changes    uint64
}

// Option configures an Admin
type Option func(*Admin)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records updates, deletes and callback failures
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Admin) { a.metrics = m }
}

// Admin is an in-memory configuration store
type Admin struct {
	logger     *slog.Logger
	metrics    *metric.Metrics
	dispatcher *events.Dispatcher[Event]

	mu      sync.Mutex
	configs map[string]*configuration
	deleted map[string]struct{}
}

// New creates an empty Admin
func New(opts ...Option) *Admin {
	a := &Admin{
		logger:  slog.Default(),
		configs: make(map[string]*configuration),
		deleted: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "configadmin")
	a.dispatcher = events.NewDispatcher[Event]("configadmin",
		events.WithLogger(a.logger), events.WithMetrics(a.metrics))
	return a
}

func validatePID(method, pid string) error {
	if strings.TrimSpace(pid) == "" {
		return errors.WrapInvalid(fmt.Errorf("empty pid: %w", errors.ErrInvalidConfig), "Admin", method, "pid validation")
	}
	return nil
}

// Update creates or replaces the configuration pid
func (a *Admin) Update(_ context.Context, pid string, props properties.Reader) error {
	if err := validatePID("Update", pid); err != nil {
		return err
	}
	factoryPID := ""
	if i := strings.Index(pid, FactorySeparator); i > 0 {
		factoryPID = pid[:i]
	}
	return a.store("Update", pid, factoryPID, props)
}

// UpdateMap validates m as properties and stores it under pid
func (a *Admin) UpdateMap(ctx context.Context, pid string, m map[string]any) error {
	props, err := properties.FromMap(m)
	if err != nil {
		return errors.WrapInvalid(err, "Admin", "UpdateMap", "properties validation")
	}
	return a.Update(ctx, pid, props)
}

// UpdateFactory creates a new configuration instance of factoryPID and
// returns its generated pid
func (a *Admin) UpdateFactory(_ context.Context, factoryPID string, props properties.Reader) (string, error) {
	if err := validatePID("UpdateFactory", factoryPID); err != nil {
		return "", err
	}
	if strings.Contains(factoryPID, FactorySeparator) {
		return "", errors.WrapInvalid(fmt.Errorf("factory pid %q contains %q: %w", factoryPID, FactorySeparator,
			errors.ErrInvalidConfig), "Admin", "UpdateFactory", "pid validation")
	}
	pid := factoryPID + FactorySeparator + uuid.NewString()
	if err := a.store("UpdateFactory", pid, factoryPID, props); err != nil {
		return "", err
	}
	return pid, nil
}

func (a *Admin) store(method, pid, factoryPID string, props properties.Reader) error {
	stored, err := properties.CopyOf(props)
	if err != nil {
		return errors.WrapInvalid(err, "Admin", method, "properties validation")
	}
	if stored == nil {
		stored = properties.New()
	}
	stored.Remove(PropFactoryPID)
	if _, err := stored.Put(PropPID, pid); err != nil {
		return errors.WrapInvalid(err, "Admin", method, "set pid")
	}
	if factoryPID != "" {
		if _, err := stored.Put(PropFactoryPID, factoryPID); err != nil {
			return errors.WrapInvalid(err, "Admin", method, "set factory pid")
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.configs[pid]
	if !ok {
		cfg = &configuration{pid: pid, factoryPID: factoryPID}
		a.configs[pid] = cfg
		delete(a.deleted, pid)
	}
	cfg.props = stored
	cfg.changes++

	a.metrics.RecordConfigUpdate(Updated.String())
	a.logger.Debug("Configuration updated", "pid", pid, "change_count", cfg.changes)
	a.dispatcher.Publish(Event{
		Type:        Updated,
		PID:         pid,
		FactoryPID:  factoryPID,
		Properties:  properties.ReadOnly(stored),
		ChangeCount: cfg.changes,
	})
	return nil
}

// Delete removes the configuration pid. Deleting it again is a state error.
func (a *Admin) Delete(_ context.Context, pid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, ok := a.configs[pid]
	if !ok {
		if _, gone := a.deleted[pid]; gone {
			return errors.WrapState(fmt.Errorf("pid %q: %w", pid, errors.ErrAlreadyDeleted), "Admin", "Delete", "state check")
		}
		return errors.WrapState(fmt.Errorf("pid %q: %w", pid, errors.ErrNotFound), "Admin", "Delete", "lookup")
	}
	delete(a.configs, pid)
	a.deleted[pid] = struct{}{}

	a.metrics.RecordConfigUpdate(Deleted.String())
	a.logger.Debug("Configuration deleted", "pid", pid)
	a.dispatcher.Publish(Event{Type: Deleted, PID: pid, FactoryPID: cfg.factoryPID, ChangeCount: cfg.changes + 1})
	return nil
}

// Get returns a copy of the configuration pid
func (a *Admin) Get(pid string) (*properties.Store, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.configs[pid]
	if !ok {
		return nil, false
	}
	return cfg.props.Copy(), true
}

// ConfigDTO is the diagnostic view of a configuration
type ConfigDTO struct {
	PID         string         `json:"pid"`
	FactoryPID  string         `json:"factory_pid,omitempty"`
	ChangeCount uint64         `json:"change_count"`
	Properties  map[string]any `json:"properties"`
}

// List returns every configuration sorted by pid
func (a *Admin) List() []ConfigDTO {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ConfigDTO, 0, len(a.configs))
	for _, cfg := range a.configs {
		out = append(out, ConfigDTO{
			PID:         cfg.pid,
			FactoryPID:  cfg.factoryPID,
			ChangeCount: cfg.changes,
			Properties:  properties.ToMap(cfg.props),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Subscribe observes every configuration event. Existing configurations are
// not replayed.
func (a *Admin) Subscribe(name string, handler events.Handler[Event]) (*events.Subscription[Event], error) {
	return a.dispatcher.Subscribe(name, handler, nil)
}

// Close stops delivering callbacks, waiting up to timeout for queued ones
func (a *Admin) Close(timeout time.Duration) error {
	return a.dispatcher.Close(timeout)
}
