// Package natsbridge connects the in-process registry to NATS.
//
// Publisher mirrors service events to <prefix>.events.<type>, where type is
// registered, modified, modified_endmatch or unregistering, and component
// state changes to <prefix>.components.<state>. Payloads are JSON.
// Publishing runs on a bounded worker pool so registry listeners never wait
// on the network; when the pool is full events are dropped and counted.
//
// ArtifactSubscriber listens on <prefix>.artifacts.<kind> for install,
// update and uninstall notifications and applies them to an
// artifact.Tracker. The body is either {"location": "..."} or the bare
// location.
package natsbridge
