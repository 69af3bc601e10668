package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// Interfaces and properties read by the Whiteboard
const (
	HandlerInterface = "depkit.routing.Handler"
	ContextInterface = "depkit.routing.Context"

	PropPattern     = "route.pattern"
	PropContext     = "route.context"
	PropContextName = "context.name"
	PropContextPath = "context.path"
)

type boundEntries struct {
	context  string
	patterns []string
}

// Whiteboard keeps a ContextRegistry in step with the services registered
// under HandlerInterface and ContextInterface.
type Whiteboard struct {
	logger   *slog.Logger
	contexts *ContextRegistry

	handlers *registry.Tracker
	ctxs     *registry.Tracker

	mu    sync.Mutex
	bound map[int64]boundEntries
}

// NewWhiteboard starts tracking reg. Services already registered are picked up
// asynchronously.
func NewWhiteboard(reg *registry.Registry, contexts *ContextRegistry, logger *slog.Logger) (*Whiteboard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Whiteboard{
		logger:   logger.With("component", "whiteboard"),
		contexts: contexts,
		bound:    make(map[int64]boundEntries),
	}

	var err error
	w.ctxs, err = reg.Track("whiteboard-contexts", ContextInterface, "("+PropContextName+"=*)", registry.TrackerFuncs{
		OnAdded:    func(_ context.Context, rec *registry.Record) { w.addContext(rec) },
		OnModified: func(_ context.Context, rec *registry.Record) { w.removeContext(rec); w.addContext(rec) },
		OnRemoved:  func(_ context.Context, rec *registry.Record) { w.removeContext(rec) },
	})
	if err != nil {
		return nil, err
	}
	w.handlers, err = reg.Track("whiteboard-handlers", HandlerInterface, "("+PropPattern+"=*)", registry.TrackerFuncs{
		OnAdded:    func(_ context.Context, rec *registry.Record) { w.addHandler(rec) },
		OnModified: func(_ context.Context, rec *registry.Record) { w.removeHandler(rec); w.addHandler(rec) },
		OnRemoved:  func(_ context.Context, rec *registry.Record) { w.removeHandler(rec) },
	})
	if err != nil {
		w.ctxs.Close()
		return nil, err
	}
	return w, nil
}

func (w *Whiteboard) addContext(rec *registry.Record) {
	props := rec.Properties()
	name, _ := properties.String(props, PropContextName)
	mount, ok := properties.String(props, PropContextPath)
	if !ok {
		mount = "/"
	}
	info := ContextInfo{Name: name, Path: mount, Rank: rec.Rank(), ServiceID: rec.ID()}
	if err := w.contexts.AddContext(info); err != nil {
		w.logger.Warn("Context service rejected", "service_id", rec.ID(), "error", err)
	}
}

func (w *Whiteboard) removeContext(rec *registry.Record) {
	w.contexts.RemoveContext(rec.ID())
}

func (w *Whiteboard) addHandler(rec *registry.Record) {
	h, ok := rec.Instance().(Handler)
	if !ok {
		w.logger.Warn("Handler service does not implement routing.Handler",
			"service_id", rec.ID(), "type", fmt.Sprintf("%T", rec.Instance()))
		return
	}
	props := rec.Properties()
	ctxName, _ := properties.String(props, PropContext)
	if ctxName == "" {
		ctxName = DefaultContext
	}

	var added []string
	for _, p := range properties.Strings(props, PropPattern) {
		err := w.contexts.AddEntry(ctxName, Entry{Pattern: p, ServiceID: rec.ID(), Rank: rec.Rank(), Handler: h})
		if err != nil {
			w.logger.Warn("Route rejected", "service_id", rec.ID(), "pattern", p, "error", err)
			continue
		}
		added = append(added, p)
	}

	w.mu.Lock()
	w.bound[rec.ID()] = boundEntries{context: ctxName, patterns: added}
	w.mu.Unlock()
}

func (w *Whiteboard) removeHandler(rec *registry.Record) {
	w.mu.Lock()
	b, ok := w.bound[rec.ID()]
	delete(w.bound, rec.ID())
	w.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range b.patterns {
		w.contexts.RemoveEntry(b.context, p, rec.ID())
	}
}

// Close stops tracking. Routes already bound stay in the ContextRegistry.
func (w *Whiteboard) Close() {
	w.handlers.Close()
	w.ctxs.Close()
}
