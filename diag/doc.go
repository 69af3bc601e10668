// Package diag exposes a read-only view of a running depkit instance.
//
// A Collector combines the registry, dependency graph, routing and
// configuration snapshots into one document. Each part is taken under the
// consistency rules of its owner, so the parts are individually consistent
// but may be a few events apart from each other.
//
// Server publishes the collector over HTTP:
//
//	GET /services          registry records, highest rank first
//	GET /components        component states, bindings and last errors
//	GET /components/{name} a single component
//	GET /routes            routing contexts, shadowed and orphaned entries
//	GET /configurations    stored configurations
//	GET /health            component health aggregate
//	GET /snapshot          all of the above
//	GET /events            websocket stream of service and component events
//
// Every websocket client has its own rate limiter. Events that arrive faster
// than a client can be sent them are queued up to a bound and then dropped.
package diag
