package registry

import (
	"context"
	"time"

	"github.com/c360/depkit/properties"
)

const defaultCloseTimeout = 5 * time.Second

func timeUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

// Registration is the owner's handle on a registered service
type Registration struct {
	rec *Record
	reg *Registry
}

// Record returns the registered record
func (g *Registration) Record() *Record { return g.rec }

// ID returns the service id
func (g *Registration) ID() int64 { return g.rec.id }

// SetProperties replaces the properties. service.id and objectClass are kept,
// a changed service.ranking re-sorts every view the record is in. Listeners
// receive Modified with the old properties attached.
func (g *Registration) SetProperties(ctx context.Context, props properties.Reader) error {
	return g.reg.setProperties(ctx, g.rec, props)
}

// Unregister removes the service. A second call returns a state error.
func (g *Registration) Unregister(ctx context.Context) error {
	return g.reg.unregister(ctx, g.rec)
}
