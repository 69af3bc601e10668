package configadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/natsclient"
	"github.com/c360/depkit/properties"
)

// KVSource feeds a JetStream KV bucket into an Admin. Each key is a pid and
// each value a JSON object of properties. Deleting or purging a key deletes
// the configuration. KV keys cannot hold the factory separator, so the bucket
// only carries plain pids.
type KVSource struct {
	admin  *Admin
	kv     *natsclient.KVStore
	logger *slog.Logger

	mu      sync.Mutex
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	done    chan struct{}
	ready   chan struct{}
}

// NewKVSource creates a source; Start begins watching
func NewKVSource(admin *Admin, kv *natsclient.KVStore, logger *slog.Logger) *KVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSource{
		admin:  admin,
		kv:     kv,
		logger: logger.With("component", "configadmin-kv"),
		ready:  make(chan struct{}),
	}
}

// Start watches the bucket. Existing keys are applied before Ready closes.
func (s *KVSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return errors.WrapState(errors.ErrAlreadyStarted, "KVSource", "Start", "state check")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(watchCtx, ">")
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "KVSource", "Start", "watch bucket")
	}
	s.watcher = w
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(watchCtx, w)
	return nil
}

// Ready is closed once the initial bucket contents have been applied
func (s *KVSource) Ready() <-chan struct{} { return s.ready }

func (s *KVSource) run(ctx context.Context, w jetstream.KeyWatcher) {
	defer close(s.done)
	initial := true
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End of the initial values
				if initial {
					initial = false
					close(s.ready)
				}
				continue
			}
			s.apply(ctx, entry)
		}
	}
}

func (s *KVSource) apply(ctx context.Context, entry jetstream.KeyValueEntry) {
	pid := entry.Key()
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		props, err := DecodeProperties(entry.Value())
		if err != nil {
			s.logger.Warn("Ignoring invalid configuration", "pid", pid, "revision", entry.Revision(), "error", err)
			return
		}
		if err := s.admin.Update(ctx, pid, props); err != nil {
			s.logger.Warn("Configuration rejected", "pid", pid, "error", err)
		}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		if err := s.admin.Delete(ctx, pid); err != nil && !errors.IsState(err) {
			s.logger.Warn("Configuration delete failed", "pid", pid, "error", err)
		}
	}
}

// Put writes props to the bucket under pid. The change reaches the Admin
// through the watch.
func (s *KVSource) Put(ctx context.Context, pid string, props properties.Reader) error {
	data, err := json.Marshal(properties.ToMap(props))
	if err != nil {
		return errors.WrapInvalid(err, "KVSource", "Put", "encode properties")
	}
	if _, err := s.kv.Put(ctx, pid, data); err != nil {
		return errors.WrapTransient(err, "KVSource", "Put", "write key")
	}
	return nil
}

// Remove deletes pid from the bucket
func (s *KVSource) Remove(ctx context.Context, pid string) error {
	if err := s.kv.Delete(ctx, pid); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapState(fmt.Errorf("pid %q: %w", pid, errors.ErrAlreadyDeleted), "KVSource", "Remove", "delete key")
		}
		return errors.WrapTransient(err, "KVSource", "Remove", "delete key")
	}
	return nil
}

// Stop ends the watch and waits for the watch goroutine
func (s *KVSource) Stop() error {
	s.mu.Lock()
	w, cancel, done := s.watcher, s.cancel, s.done
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Stop()
	cancel()
	<-done
	return err
}

// DecodeProperties parses a JSON object into properties. Whole numbers
// become int64 and other numbers float64; arrays must be homogeneous and
// nested objects are rejected.
func DecodeProperties(data []byte) (*properties.Store, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"configadmin", "DecodeProperties", "decode JSON")
	}
	for k, v := range raw {
		converted, err := fromJSON(v)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("key %q: %w", k, err), "configadmin", "DecodeProperties", "convert value")
		}
		raw[k] = converted
	}
	return properties.FromMap(raw)
}

func fromJSON(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			c, err := fromJSON(elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		return nil, errors.ErrUnsupportedType
	}
	return v, nil
}
