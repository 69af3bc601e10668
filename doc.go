// Package depkit is an in-process service registry with a declarative
// dependency manager layered on top of it.
//
// # Architecture
//
// Services are published into a registry together with a property store and
// a rank. Components declare dependencies on interfaces, optionally narrowed
// by an LDAP-style filter, and the dependency graph instantiates, starts,
// rebinds and stops them as matching services come and go:
//
//	properties   typed, case-insensitive property stores
//	filter       LDAP-style filter expressions with a compiled cache
//	ranking      service ordering by rank then id
//	registry     registration, lookup and ordered service events
//	events       per-subscriber FIFO dispatch on serial executors
//	depgraph     component state machine, adapters and aspects
//	configadmin  configurations keyed by pid, fed to managed services
//	artifact     install, update and uninstall of owner locations
//	routing      path resolution per servlet-style context
//	diag         read-only snapshots over HTTP and a websocket event stream
//
// Supporting packages provide NATS connectivity (natsclient, natsbridge),
// Prometheus metrics (metric), health aggregation (health), the daemon
// configuration (config), listener TLS with optional ACME certificates
// (pkg/tlsutil, pkg/acme) and shared executors, caches and backoff under pkg/.
//
// # Component lifecycle
//
// A component moves through four states:
//
//	INACTIVE -> WAITING_FOR_REQUIRED -> INSTANTIATED_AND_WAITING_FOR_REQUIRED -> TRACKING_OPTIONAL
//
// An unsatisfied required dependency is never an error. It is visible only
// as the WAITING_FOR_REQUIRED state in depgraph snapshots and state change
// subscriptions.
//
// # Daemon
//
// cmd/depkitd hosts the registry and graph as a process: it serves whiteboard
// handlers and diagnostics over HTTP, exposes metrics, and can mirror events
// to NATS and read configurations from a JetStream KV bucket.
package depkit
