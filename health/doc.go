// Package health turns component and connection state into health statuses
// and aggregates them for the daemon.
//
// Three levels are reported: healthy, degraded and unhealthy. A started
// component is healthy, one that is instantiated but still waiting for an
// init-time dependency is degraded, and one waiting for a required
// dependency is unhealthy. Messages derived from component errors are
// sanitized so URLs, paths, addresses and credentials do not leak through
// the diagnostic endpoints.
//
// A Monitor keeps the latest status per name. Watch feeds it from a
// depgraph.Graph:
//
//	mon := health.NewMonitor()
//	stop, err := mon.Watch(graph)
//	...
//	overall := mon.AggregateHealth("depkitd")
package health
