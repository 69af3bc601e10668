package depgraph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// PropAspectOf names the service an aspect sits in front of
const PropAspectOf = "aspect.of"

// evaluateTemplate keeps one child per matching record of the policy
// dependency. The template is waiting while there is none and tracking
// otherwise.
func (c *component) evaluateTemplate(ctx context.Context) {
	live := make(map[int64]struct{})
	for _, rec := range c.template.candidates() {
		live[rec.ID()] = struct{}{}
		if _, ok := c.children[rec.ID()]; ok {
			continue
		}
		def, err := c.childDefinition(rec)
		if err == nil {
			err = c.graph.add(def, c.def.Name)
		}
		if err != nil {
			c.lastErr = err
			c.logger.Error("Failed to create child component", "service_id", rec.ID(), "error", err)
			continue
		}
		c.children[rec.ID()] = def.Name
	}

	for id, name := range c.children {
		if _, ok := live[id]; ok {
			continue
		}
		delete(c.children, id)
		c.graph.RemoveAsync(name)
	}

	if len(c.children) > 0 {
		c.transition(StateTrackingOptional)
	} else {
		c.transition(StateWaitingForRequired)
	}
}

func childName(parent string, id int64) string {
	return parent + "[" + strconv.FormatInt(id, 10) + "]"
}

// childDefinition derives the definition bound to rec only
func (c *component) childDefinition(rec *registry.Record) (Definition, error) {
	spec := c.template.spec
	aspect, isAspect := spec.Policy.(PolicyAspect)

	pinned := fmt.Sprintf("(%s=%d)", registry.PropServiceID, rec.ID())
	if spec.Filter != "" {
		pinned = "(&" + spec.Filter + pinned + ")"
	}
	spec.Filter = pinned
	spec.Cardinality = RequiredSingle
	spec.Policy = nil

	def := c.def
	def.Name = childName(c.def.Name, rec.ID())
	def.Dependencies = make([]DependencySpec, 0, len(c.def.Dependencies))
	for _, d := range c.def.Dependencies {
		if d.Name == spec.Name {
			def.Dependencies = append(def.Dependencies, spec)
		} else {
			def.Dependencies = append(def.Dependencies, d)
		}
	}
	def.Provides = append([]Service(nil), c.def.Provides...)

	if isAspect {
		props, err := properties.CopyOf(rec.Properties())
		if err != nil {
			return Definition{}, err
		}
		props.Remove(registry.PropServiceID)
		props.Remove(registry.PropObjectClass)
		if _, err := props.Put(registry.PropRanking, aspect.Rank); err != nil {
			return Definition{}, err
		}
		if _, err := props.Put(PropAspectOf, rec.ID()); err != nil {
			return Definition{}, err
		}
		def.Provides = append(def.Provides, Service{Interfaces: []string{spec.Interface}, Properties: props})
	}
	return def, nil
}

// removeChildren removes every child and waits for their teardown
func (c *component) removeChildren(ctx context.Context) {
	for id, name := range c.children {
		if err := c.graph.RemoveAsync(name).Wait(ctx); err != nil {
			c.logger.Debug("Child removal failed", "child", name, "error", err)
		}
		delete(c.children, id)
	}
}
