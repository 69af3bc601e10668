package depgraph

import (
	"fmt"

	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/properties"
)

// State is a component lifecycle state
type State int

const (
	// StateInactive is the state before a component is added and after it
	// has been removed
	StateInactive State = iota
	// StateWaitingForRequired means a required dependency is unbound and no
	// instance exists
	StateWaitingForRequired
	// StateInstantiatedAndWaitingForRequired means the instance exists but
	// has not been started, either because callbacks are running or because
	// a dependency added from Init is unbound
	StateInstantiatedAndWaitingForRequired
	// StateTrackingOptional means the component is started; optional
	// dependencies come and go without a state change
	StateTrackingOptional
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateWaitingForRequired:
		return "WAITING_FOR_REQUIRED"
	case StateInstantiatedAndWaitingForRequired:
		return "INSTANTIATED_AND_WAITING_FOR_REQUIRED"
	case StateTrackingOptional:
		return "TRACKING_OPTIONAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names produced by String
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the state with the given name
func ParseState(name string) (State, error) {
	for st := StateInactive; st <= StateTrackingOptional; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("unknown state %q: %w", name, errors.ErrInvalidValue),
		"depgraph", "ParseState", "state validation")
}

// Cardinality says how many providers a dependency binds and whether it
// blocks activation
type Cardinality int

const (
	RequiredSingle Cardinality = iota
	OptionalSingle
	RequiredMultiple
	OptionalMultiple
)

// Required reports whether an unbound dependency blocks activation
func (c Cardinality) Required() bool { return c == RequiredSingle || c == RequiredMultiple }

// Multiple reports whether every matching provider is bound
func (c Cardinality) Multiple() bool { return c == RequiredMultiple || c == OptionalMultiple }

func (c Cardinality) String() string {
	switch c {
	case RequiredSingle:
		return "1..1"
	case OptionalSingle:
		return "0..1"
	case RequiredMultiple:
		return "1..n"
	case OptionalMultiple:
		return "0..n"
	default:
		return "unknown"
	}
}

// MarshalText renders the cardinality in JSON
func (c Cardinality) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText accepts the forms produced by String
func (c *Cardinality) UnmarshalText(text []byte) error {
	for card := RequiredSingle; card <= OptionalMultiple; card++ {
		if card.String() == string(text) {
			*c = card
			return nil
		}
	}
	return errors.WrapInvalid(fmt.Errorf("unknown cardinality %q: %w", text, errors.ErrInvalidValue),
		"depgraph", "UnmarshalText", "cardinality validation")
}

// Delivery selects what a Binding carries besides the instance
type Delivery int

const (
	DeliverInstance Delivery = iota
	DeliverWithProperties
	DeliverWithMap
)

// Policy changes how the graph uses a dependency. A nil Policy binds the
// dependency normally.
type Policy interface {
	policyName() string
}

// PolicyNone binds the dependency normally
type PolicyNone struct{}

// PolicyAdapter turns the definition into a template: one child component is
// created per record matching the dependency, bound to that record only.
type PolicyAdapter struct{}

// PolicyAspect is an adapter whose children also republish the dependency
// interface with service.ranking set to Rank and aspect.of naming the
// original service id, so consumers bind the aspect in front of the original.
type PolicyAspect struct {
	Rank int
}

func (PolicyNone) policyName() string    { return "none" }
func (PolicyAdapter) policyName() string { return "adapter" }
func (PolicyAspect) policyName() string  { return "aspect" }

func isTemplatePolicy(p Policy) bool {
	switch p.(type) {
	case PolicyAdapter, PolicyAspect, *PolicyAspect:
		return true
	}
	return false
}

// DependencySpec declares one dependency of a component
type DependencySpec struct {
	Name        string
	Interface   string
	Filter      string
	Cardinality Cardinality
	Delivery    Delivery
	Policy      Policy
}

// Service is published while the component is active
type Service struct {
	Interfaces []string
	Properties properties.Reader
}

// Definition describes a component
type Definition struct {
	Name         string
	Owner        string
	Dependencies []DependencySpec
	// Factory creates the instance once the required dependencies are bound
	Factory  func(ctx *Context) (any, error)
	Provides []Service
	// ConfigPID, when set, makes a configuration with that pid required
	ConfigPID string
}

func invalid(method, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format+": %w", append(args, errors.ErrInvalidConfig)...),
		"Graph", method, "definition validation")
}

func validateSpec(method string, spec DependencySpec, names map[string]struct{}) error {
	if spec.Name == "" {
		return invalid(method, "dependency on %q has no name", spec.Interface)
	}
	if spec.Interface == "" {
		return invalid(method, "dependency %q has no interface", spec.Name)
	}
	if spec.Cardinality < RequiredSingle || spec.Cardinality > OptionalMultiple {
		return invalid(method, "dependency %q has unknown cardinality %d", spec.Name, spec.Cardinality)
	}
	if spec.Delivery < DeliverInstance || spec.Delivery > DeliverWithMap {
		return invalid(method, "dependency %q has unknown delivery %d", spec.Name, spec.Delivery)
	}
	if _, dup := names[spec.Name]; dup {
		return invalid(method, "duplicate dependency name %q", spec.Name)
	}
	names[spec.Name] = struct{}{}
	return nil
}

func (d Definition) validate() error {
	if d.Name == "" {
		return invalid("Add", "component has no name")
	}
	if d.Factory == nil {
		return invalid("Add", "component %q has no factory", d.Name)
	}
	names := make(map[string]struct{}, len(d.Dependencies))
	templates := 0
	for _, spec := range d.Dependencies {
		if err := validateSpec("Add", spec, names); err != nil {
			return err
		}
		if isTemplatePolicy(spec.Policy) {
			templates++
		}
	}
	if templates > 1 {
		return invalid("Add", "component %q has more than one adapter or aspect dependency", d.Name)
	}
	for _, svc := range d.Provides {
		if len(svc.Interfaces) == 0 {
			return invalid("Add", "component %q provides a service without interfaces", d.Name)
		}
	}
	return nil
}
