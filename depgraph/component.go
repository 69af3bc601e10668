package depgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/pkg/worker"
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// PropComponentName is added to every service a component provides
const PropComponentName = "component.name"

// component is one node of the graph. Everything except the atomics is
// owned by exec and must only be touched from tasks running on it.
type component struct {
	graph  *Graph
	def    Definition
	parent string
	logger *slog.Logger
	exec   *worker.Serial

	deps         []*dependency
	instanceDeps []*dependency
	template     *dependency
	children     map[int64]string

	instance     any
	state        State
	lastErr      error
	config       *properties.Store
	configHandle *configadmin.Handle
	bound        Bindings
	regs         []*registry.Registration
	activatedAt  time.Time
	removed      bool

	failed   atomic.Bool
	removing atomic.Bool
	current  atomic.Int32
	view     atomic.Pointer[ComponentDTO]
}

func newComponent(g *Graph, def Definition, parent string) *component {
	logger := g.logger.With("name", def.Name)
	c := &component{
		graph:    g,
		def:      def,
		parent:   parent,
		logger:   logger,
		children: make(map[int64]string),
		state:    StateInactive,
	}
	c.exec = worker.NewSerial("component:"+def.Name, worker.WithLogger(logger))
	return c
}

// submit runs fn on the executor and refreshes the published view afterwards
func (c *component) submit(fn func(ctx context.Context)) {
	if err := c.exec.Submit(c.task(fn)); err != nil {
		c.logger.Debug("Dropped task for stopped component", "error", err)
	}
}

func (c *component) task(fn func(ctx context.Context)) worker.Task {
	return func(ctx context.Context) {
		if c.removed {
			return
		}
		fn(ctx)
		c.publishView()
	}
}

// open starts the trackers and the configuration registration. A template
// tracks only its policy dependency; the children track the rest.
func (c *component) open() error {
	for _, spec := range c.def.Dependencies {
		switch p := spec.Policy.(type) {
		case PolicyAspect:
			c.template = newDependency(spec, withoutAspects(spec.Filter), false)
		case *PolicyAspect:
			spec.Policy = *p
			c.template = newDependency(spec, withoutAspects(spec.Filter), false)
		case PolicyAdapter:
			c.template = newDependency(spec, spec.Filter, false)
		default:
			c.deps = append(c.deps, newDependency(spec, spec.Filter, false))
		}
	}

	tracked := c.deps
	if c.template != nil {
		tracked = []*dependency{c.template}
	}
	for _, dep := range tracked {
		if err := dep.open(c.graph.registry, c.def.Name, c); err != nil {
			c.closeTrackers()
			return err
		}
	}

	if c.def.ConfigPID != "" && c.template == nil {
		handle, err := c.graph.admin.RegisterManaged(c.def.ConfigPID,
			configadmin.ManagedServiceFunc(func(_ context.Context, props *properties.Store) error {
				c.submit(func(ctx context.Context) { c.configure(ctx, props) })
				return nil
			}))
		if err != nil {
			c.closeTrackers()
			return err
		}
		c.configHandle = handle
	}
	return nil
}

// changed queues a dependency change followed by an evaluation. Any change
// clears an earlier callback failure.
func (c *component) changed(fn func(ctx context.Context)) {
	c.submit(func(ctx context.Context) {
		fn(ctx)
		c.failed.Store(false)
		c.evaluate(ctx)
	})
}

// changedNow is changed for records going away: it returns after the
// evaluation has run, including any Unbind, Stop or Destroy it caused
func (c *component) changedNow(ctx context.Context, fn func(ctx context.Context)) {
	err := c.exec.SubmitWait(ctx, c.task(func(ctx context.Context) {
		fn(ctx)
		c.failed.Store(false)
		c.evaluate(ctx)
	}))
	if err != nil {
		c.logger.Debug("Removal not applied", "error", err)
	}
}

func withoutAspects(expr string) string {
	if expr == "" {
		return "(!(" + PropAspectOf + "=*))"
	}
	return "(&" + expr + "(!(" + PropAspectOf + "=*)))"
}

func (c *component) closeTrackers() {
	for _, dep := range c.deps {
		dep.close()
	}
	for _, dep := range c.instanceDeps {
		dep.close()
	}
	if c.template != nil {
		c.template.close()
	}
}

func (c *component) allDeps() []*dependency {
	return append(slices.Clone(c.deps), c.instanceDeps...)
}

func (c *component) satisfied(deps []*dependency) bool {
	for _, dep := range deps {
		if !dep.satisfied() {
			return false
		}
	}
	return true
}

func (c *component) configReady() bool {
	return c.def.ConfigPID == "" || c.config != nil
}

func (c *component) evaluate(ctx context.Context) {
	if c.removing.Load() {
		return
	}
	if c.template != nil {
		c.evaluateTemplate(ctx)
		return
	}

	switch c.state {
	case StateWaitingForRequired:
		if c.failed.Load() || !c.configReady() || !c.satisfied(c.deps) {
			return
		}
		c.activate(ctx)
	case StateInstantiatedAndWaitingForRequired:
		if !c.configReady() || !c.satisfied(c.deps) {
			c.destroy(ctx, StateWaitingForRequired)
			return
		}
		if !c.failed.Load() && c.satisfied(c.instanceDeps) {
			c.start(ctx)
		}
	case StateTrackingOptional:
		if !c.configReady() || !c.satisfied(c.allDeps()) {
			c.deactivate(ctx, StateWaitingForRequired)
			c.evaluate(ctx)
			return
		}
		c.syncBindings(ctx)
	}
}

// activate creates the instance and runs Init. An instance-bound dependency
// that is still unbound keeps the component instantiated.
func (c *component) activate(ctx context.Context) {
	c.activatedAt = time.Now()
	c.bound = c.computeBindings()

	cc := c.newContext(ctx)
	defer cc.done()

	var inst any
	err := c.call("factory", func() error {
		var err error
		inst, err = c.def.Factory(cc)
		if err == nil && inst == nil {
			err = fmt.Errorf("factory returned no instance")
		}
		return err
	})
	if err != nil {
		c.failed.Store(true)
		c.publishState(c.state, c.state)
		return
	}
	c.instance = inst
	c.transition(StateInstantiatedAndWaitingForRequired)

	if init, ok := inst.(Initializer); ok {
		if err := c.call("init", func() error { return init.Init(cc) }); err != nil {
			c.dropInstance()
			c.failed.Store(true)
			c.transition(StateWaitingForRequired)
			return
		}
	}
	c.evaluate(ctx)
}

func (c *component) start(ctx context.Context) {
	c.bound = c.computeBindings()

	cc := c.newContext(ctx)
	defer cc.done()

	if s, ok := c.instance.(Starter); ok {
		if err := c.call("start", func() error { return s.Start(cc) }); err != nil {
			c.failed.Store(true)
			c.destroy(ctx, StateWaitingForRequired)
			return
		}
	}

	// A removal or a provider going away during Start rolls the activation back
	if c.removing.Load() || !c.configReady() || !c.satisfied(c.allDeps()) {
		c.stop(ctx)
		c.destroy(ctx, StateWaitingForRequired)
		c.evaluate(ctx)
		return
	}

	if err := c.registerProvided(ctx); err != nil {
		c.lastErr = err
		c.failed.Store(true)
		c.stop(ctx)
		c.destroy(ctx, StateWaitingForRequired)
		return
	}

	c.lastErr = nil
	c.transition(StateTrackingOptional)
	c.graph.metrics.RecordTransitionDuration(StateTrackingOptional.String(), time.Since(c.activatedAt).Seconds())
}

func (c *component) registerProvided(ctx context.Context) error {
	for _, svc := range c.def.Provides {
		props := properties.New()
		if svc.Properties != nil {
			copied, err := properties.CopyOf(svc.Properties)
			if err != nil {
				c.unregisterProvided(ctx)
				return errors.WrapInvalid(err, "Graph", "registerProvided", "copy service properties")
			}
			props = copied
		}
		if _, err := props.Put(PropComponentName, c.def.Name); err != nil {
			c.unregisterProvided(ctx)
			return errors.WrapInvalid(err, "Graph", "registerProvided", "set component name")
		}
		reg, err := c.graph.registry.Register(ctx, registry.Static{
			Interfaces: svc.Interfaces,
			Instance:   c.instance,
			Properties: props,
			Owner:      c.def.Name,
		})
		if err != nil {
			c.unregisterProvided(ctx)
			return errors.Wrap(err, "Graph", "registerProvided", "register service")
		}
		c.regs = append(c.regs, reg)
	}
	return nil
}

func (c *component) unregisterProvided(ctx context.Context) {
	regs := c.regs
	c.regs = nil
	// Reverse order, the last registered goes first
	for i := len(regs) - 1; i >= 0; i-- {
		if err := regs[i].Unregister(ctx); err != nil && !errors.IsState(err) {
			c.logger.Warn("Failed to unregister provided service", "service_id", regs[i].ID(), "error", err)
		}
	}
}

// deactivate takes a started component down to final. Unregister may run
// queued tasks of this executor while consumers let go; if one of them
// already took the instance down there is nothing left to do.
func (c *component) deactivate(ctx context.Context, final State) {
	inst := c.instance
	c.unregisterProvided(ctx)
	if c.instance != inst || c.state != StateTrackingOptional {
		if c.state != final && c.instance == nil {
			c.transition(final)
		}
		return
	}
	c.stop(ctx)
	c.destroy(ctx, final)
}

// stop runs Stop and leaves the component instantiated
func (c *component) stop(ctx context.Context) {
	if s, ok := c.instance.(Stopper); ok {
		cc := c.newContext(ctx)
		_ = c.call("stop", func() error { return s.Stop(cc) })
		cc.done()
	}
	if c.state != StateInstantiatedAndWaitingForRequired {
		c.transition(StateInstantiatedAndWaitingForRequired)
	}
}

// destroy runs Destroy, drops the instance and moves to final
func (c *component) destroy(ctx context.Context, final State) {
	if d, ok := c.instance.(Destroyer); ok {
		cc := c.newContext(ctx)
		_ = c.call("destroy", func() error {
			d.Destroy(cc)
			return nil
		})
		cc.done()
	}
	c.dropInstance()
	c.transition(final)
}

func (c *component) dropInstance() {
	for _, dep := range c.instanceDeps {
		dep.close()
	}
	c.instanceDeps = nil
	c.instance = nil
	c.bound = Bindings{}
}

func (c *component) addInstanceDependency(ctx context.Context, spec DependencySpec) error {
	if !c.exec.Within(ctx) {
		return errors.WrapState(errors.New("called outside the component executor"), "Context", "AddDependency", "executor check")
	}
	names := make(map[string]struct{})
	for _, dep := range c.allDeps() {
		names[dep.spec.Name] = struct{}{}
	}
	if err := validateSpec("AddDependency", spec, names); err != nil {
		return err
	}

	dep := newDependency(spec, spec.Filter, true)
	if err := dep.seed(c.graph.registry); err != nil {
		return err
	}
	if err := dep.open(c.graph.registry, c.def.Name, c); err != nil {
		return err
	}
	c.instanceDeps = append(c.instanceDeps, dep)
	return nil
}

func (c *component) computeBindings() Bindings {
	b := Bindings{byName: make(map[string][]Binding)}
	for _, dep := range c.allDeps() {
		if list := dep.bindings(); len(list) > 0 {
			b.byName[dep.spec.Name] = list
		}
	}
	return b
}

// syncBindings reports binding changes of a started component. New
// providers are bound before the ones they replace are unbound.
func (c *component) syncBindings(ctx context.Context) {
	next := c.computeBindings()
	binder, ok := c.instance.(Binder)
	if !ok {
		c.bound = next
		return
	}

	cc := c.newContext(ctx)
	defer cc.done()

	prev := c.bound
	c.bound = next
	deps := c.allDeps()
	for _, dep := range deps {
		name := dep.spec.Name
		for _, b := range next.byName[name] {
			if !containsID(prev.byName[name], b.ServiceID) {
				_ = c.call("bind", func() error {
					binder.Bind(cc, b)
					return nil
				})
			}
		}
	}
	for _, dep := range deps {
		name := dep.spec.Name
		for _, b := range prev.byName[name] {
			if !containsID(next.byName[name], b.ServiceID) {
				_ = c.call("unbind", func() error {
					binder.Unbind(cc, b)
					return nil
				})
			}
		}
	}
}

func containsID(list []Binding, id int64) bool {
	for _, b := range list {
		if b.ServiceID == id {
			return true
		}
	}
	return false
}

// configure applies a configuration change. A nil props means the
// configuration was deleted.
func (c *component) configure(ctx context.Context, props *properties.Store) {
	c.config = props
	c.failed.Store(false)

	if c.state != StateTrackingOptional || props == nil {
		c.evaluate(ctx)
		return
	}
	r, ok := c.instance.(Reconfigurer)
	if !ok {
		c.logger.Info("Restarting component for new configuration", "pid", c.def.ConfigPID)
		c.deactivate(ctx, StateWaitingForRequired)
		c.evaluate(ctx)
		return
	}
	cc := c.newContext(ctx)
	defer cc.done()
	_ = c.call("updated", func() error { return r.Updated(cc, props.Copy()) })
}

// call runs a user callback, turning errors and panics into callback errors
func (c *component) call(callback string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrCallbackPanic, r)
		}
		if err == nil {
			return
		}
		err = errors.WrapCallback(err, "Graph", callback, callback+" callback")
		c.lastErr = err
		c.graph.metrics.RecordCallbackFailure(callback)
		c.logger.Error("Lifecycle callback failed", "callback", callback, "state", c.state.String(), "error", err)
	}()
	return fn()
}

func (c *component) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.publishView()
	c.current.Store(int32(to))
	c.graph.metrics.RecordComponentTransition(gaugeLabel(from), gaugeLabel(to))
	c.logger.Debug("Component state changed", "from", from.String(), "to", to.String())
	c.publishState(from, to)
}

func gaugeLabel(s State) string {
	if s == StateInactive {
		return ""
	}
	return s.String()
}

func (c *component) publishState(from, to State) {
	ev := StateChange{Component: c.def.Name, From: from, To: to, At: time.Now()}
	if c.lastErr != nil {
		ev.Error = c.lastErr.Error()
	}
	c.graph.dispatcher.Publish(ev)
}

// remove marks the component and queues its teardown
func (c *component) remove() *worker.Future {
	c.removing.Store(true)
	f := worker.NewFuture()
	err := c.exec.Submit(func(ctx context.Context) {
		c.teardown(ctx)
		f.Complete(nil)
	})
	if err != nil {
		f.Complete(errors.WrapState(errors.ErrComponentRemoved, "Graph", "Remove", "queue teardown"))
	}
	return f
}

// teardown runs the remaining callbacks and leaves the component inactive
func (c *component) teardown(ctx context.Context) {
	if c.removed {
		return
	}
	if c.configHandle != nil {
		c.configHandle.Close()
		c.configHandle = nil
	}
	c.closeTrackers()

	switch c.state {
	case StateTrackingOptional:
		if c.template != nil {
			c.removeChildren(ctx)
			c.transition(StateInactive)
		} else {
			c.deactivate(ctx, StateInactive)
		}
	case StateInstantiatedAndWaitingForRequired:
		c.destroy(ctx, StateInactive)
	default:
		if c.template != nil {
			c.removeChildren(ctx)
		}
		c.transition(StateInactive)
	}
	c.removed = true
	c.publishView()
}
