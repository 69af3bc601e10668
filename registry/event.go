package registry

import (
	"context"

	"github.com/c360/depkit/properties"
)

// EventType classifies a service event
type EventType int

const (
	// Registered is sent after a service is added
	Registered EventType = iota
	// Modified is sent after properties change
	Modified
	// ModifiedEndMatch is sent to a filtered listener whose filter matched
	// the old properties but not the new ones
	ModifiedEndMatch
	// Unregistering is sent before the service is removed. It is delivered
	// synchronously and the record can still be looked up while it runs.
	Unregistering
)

// String returns the event type name
func (t EventType) String() string {
	switch t {
	case Registered:
		return "REGISTERED"
	case Modified:
		return "MODIFIED"
	case ModifiedEndMatch:
		return "MODIFIED_ENDMATCH"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// Event describes a change to one service
type Event struct {
	Type   EventType
	Record *Record
	// Properties are the properties at the time of the event
	Properties properties.Reader
	// OldProperties are the properties before a Modified event, nil otherwise
	OldProperties properties.Reader
}

// Listener receives service events
type Listener interface {
	ServiceChanged(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, event Event)

// ServiceChanged implements Listener
func (f ListenerFunc) ServiceChanged(ctx context.Context, event Event) { f(ctx, event) }
