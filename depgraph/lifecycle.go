package depgraph

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// Lifecycle callbacks are optional interfaces on the component instance.
// They run on the component's executor, one at a time.

// Initializer is called after the instance is created. Dependencies added
// from Init through Context.AddDependency are bound to this instance.
type Initializer interface {
	Init(ctx *Context) error
}

// Starter is called once every required dependency is bound
type Starter interface {
	Start(ctx *Context) error
}

// Stopper is called when the component stops, after its services are
// unregistered
type Stopper interface {
	Stop(ctx *Context) error
}

// Destroyer is called before the instance is dropped
type Destroyer interface {
	Destroy(ctx *Context)
}

// Binder follows binding changes while the component is started. A
// replacement is bound before the provider it replaces is unbound.
type Binder interface {
	Bind(ctx *Context, b Binding)
	Unbind(ctx *Context, b Binding)
}

// Reconfigurer receives configuration updates while the component is
// started. Components with a ConfigPID that do not implement it are
// restarted on every update.
type Reconfigurer interface {
	Updated(ctx *Context, props *properties.Store) error
}

// Context is handed to factories and lifecycle callbacks. It is only valid
// for the duration of the call.
type Context struct {
	ctx   context.Context
	comp  *component
	valid atomic.Bool
}

func (c *component) newContext(ctx context.Context) *Context {
	cc := &Context{ctx: ctx, comp: c}
	cc.valid.Store(true)
	return cc
}

func (cc *Context) done() { cc.valid.Store(false) }

// Context returns the context of the running callback
func (cc *Context) Context() context.Context { return cc.ctx }

// Name returns the component name
func (cc *Context) Name() string { return cc.comp.def.Name }

// Logger returns the component logger
func (cc *Context) Logger() *slog.Logger { return cc.comp.logger }

// Registry returns the registry the component is bound against
func (cc *Context) Registry() *registry.Registry { return cc.comp.graph.registry }

// Bindings returns the current bindings
func (cc *Context) Bindings() Bindings { return cc.comp.bound.clone() }

// Configuration returns a copy of the component configuration, or nil when
// the component has no ConfigPID
func (cc *Context) Configuration() *properties.Store {
	if cc.comp.config == nil {
		return nil
	}
	return cc.comp.config.Copy()
}

// AddDependency adds a dependency bound to the current instance. It is
// evaluated before the component advances and dropped with the instance.
func (cc *Context) AddDependency(spec DependencySpec) error {
	if !cc.valid.Load() {
		return errors.WrapState(errors.New("context used outside its callback"), "Context", "AddDependency", "validity check")
	}
	if isTemplatePolicy(spec.Policy) {
		return invalid("AddDependency", "dependency %q: adapter and aspect policies are only allowed in definitions", spec.Name)
	}
	return cc.comp.addInstanceDependency(cc.ctx, spec)
}
