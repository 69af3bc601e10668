package depgraph

import (
	"github.com/c360/depkit/properties"
	"github.com/c360/depkit/registry"
)

// Binding is one provider bound to a dependency. Properties is set for
// DeliverWithProperties and Map for DeliverWithMap.
type Binding struct {
	Dependency string
	ServiceID  int64
	Rank       int
	Instance   any
	Properties properties.Reader
	Map        map[string]any
}

func newBinding(spec DependencySpec, rec *registry.Record) Binding {
	b := Binding{
		Dependency: spec.Name,
		ServiceID:  rec.ID(),
		Rank:       rec.Rank(),
		Instance:   rec.Instance(),
	}
	switch spec.Delivery {
	case DeliverWithProperties:
		b.Properties = rec.Properties()
	case DeliverWithMap:
		b.Map = properties.ToMap(rec.Properties())
	}
	return b
}

// Bindings holds the providers bound to each dependency, best first
type Bindings struct {
	byName map[string][]Binding
}

func (b Bindings) clone() Bindings {
	out := Bindings{byName: make(map[string][]Binding, len(b.byName))}
	for k, v := range b.byName {
		out.byName[k] = append([]Binding(nil), v...)
	}
	return out
}

// All returns the bindings of dependency name
func (b Bindings) All(name string) []Binding {
	return append([]Binding(nil), b.byName[name]...)
}

// One returns the best binding of dependency name
func (b Bindings) One(name string) (Binding, bool) {
	list := b.byName[name]
	if len(list) == 0 {
		return Binding{}, false
	}
	return list[0], true
}

// Instance returns the best bound instance of dependency name, or nil
func (b Bindings) Instance(name string) any {
	one, _ := b.One(name)
	return one.Instance
}

// Len returns the number of bindings of dependency name
func (b Bindings) Len(name string) int { return len(b.byName[name]) }

// IDs returns the bound service ids of dependency name
func (b Bindings) IDs(name string) []int64 {
	list := b.byName[name]
	ids := make([]int64, len(list))
	for i, one := range list {
		ids[i] = one.ServiceID
	}
	return ids
}
