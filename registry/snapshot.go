package registry

import (
	"time"

	"github.com/c360/depkit/properties"
)

// ServiceDTO is the diagnostic view of one record
type ServiceDTO struct {
	ID            int64          `json:"id"`
	Interfaces    []string       `json:"interfaces"`
	Rank          int            `json:"rank"`
	Owner         string         `json:"owner,omitempty"`
	Unregistering bool           `json:"unregistering,omitempty"`
	Properties    map[string]any `json:"properties"`
}

// Snapshot is a point-in-time copy of the registry
type Snapshot struct {
	TakenAt  time.Time    `json:"taken_at"`
	Services []ServiceDTO `json:"services"`
}

// Snapshot copies every record, highest rank first. It holds the registry
// write lock while copying, so no registration, removal or property update is
// half visible; it mutates nothing.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	dtos := make([]ServiceDTO, 0, len(recs))
	for _, rec := range sortByRank(recs) {
		dtos = append(dtos, ServiceDTO{
			ID:            rec.id,
			Interfaces:    rec.Interfaces(),
			Rank:          rec.Rank(),
			Owner:         rec.owner,
			Unregistering: rec.Unregistering(),
			Properties:    properties.ToMap(rec.props.Load()),
		})
	}
	r.mu.Unlock()

	return Snapshot{TakenAt: time.Now(), Services: dtos}
}
