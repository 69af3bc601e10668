package depgraph

import (
	"sort"
	"time"
)

// DependencyDTO is the diagnostic view of one dependency
type DependencyDTO struct {
	Name          string      `json:"name"`
	Interface     string      `json:"interface"`
	Filter        string      `json:"filter,omitempty"`
	Cardinality   Cardinality `json:"cardinality"`
	Satisfied     bool        `json:"satisfied"`
	Bound         []int64     `json:"bound,omitempty"`
	InstanceBound bool        `json:"instance_bound,omitempty"`
}

// ComponentDTO is the diagnostic view of one component
type ComponentDTO struct {
	Name         string          `json:"name"`
	Owner        string          `json:"owner,omitempty"`
	Parent       string          `json:"parent,omitempty"`
	State        State           `json:"state"`
	ConfigPID    string          `json:"config_pid,omitempty"`
	Configured   bool            `json:"configured,omitempty"`
	Dependencies []DependencyDTO `json:"dependencies"`
	Provided     []int64         `json:"provided,omitempty"`
	Children     []string        `json:"children,omitempty"`
	Failed       bool            `json:"failed,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Snapshot lists the components by name
type Snapshot struct {
	TakenAt    time.Time      `json:"taken_at"`
	Components []ComponentDTO `json:"components"`
}

// publishView stores the current view. Called on the executor only.
func (c *component) publishView() {
	dto := &ComponentDTO{
		Name:       c.def.Name,
		Owner:      c.def.Owner,
		Parent:     c.parent,
		State:      c.state,
		ConfigPID:  c.def.ConfigPID,
		Configured: c.config != nil,
		Failed:     c.failed.Load(),
	}
	deps := c.allDeps()
	if c.template != nil {
		deps = []*dependency{c.template}
	}
	dto.Dependencies = make([]DependencyDTO, 0, len(deps))
	for _, dep := range deps {
		dto.Dependencies = append(dto.Dependencies, dep.dto())
	}
	for _, reg := range c.regs {
		dto.Provided = append(dto.Provided, reg.ID())
	}
	for _, name := range c.children {
		dto.Children = append(dto.Children, name)
	}
	sort.Strings(dto.Children)
	if c.lastErr != nil {
		dto.LastError = c.lastErr.Error()
	}
	c.view.Store(dto)
}

// Snapshot returns the latest published view of every component. Each view
// is consistent for its component; views of different components may be a
// few events apart.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	views := make([]ComponentDTO, 0, len(g.components))
	for _, c := range g.components {
		if v := c.view.Load(); v != nil {
			views = append(views, *v)
		}
	}
	g.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return Snapshot{TakenAt: time.Now(), Components: views}
}

// Component returns the latest view of one component
func (g *Graph) Component(name string) (ComponentDTO, bool) {
	c, ok := g.lookup(name)
	if !ok {
		return ComponentDTO{}, false
	}
	v := c.view.Load()
	if v == nil {
		return ComponentDTO{}, false
	}
	return *v, true
}
