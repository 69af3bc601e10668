// Package config loads and validates the depkitd daemon configuration.
//
// Configuration files are JSON or YAML, chosen by extension. Several files can
// be layered, later layers overriding earlier ones key by key, and selected
// values can be overridden from DEPKIT_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/depkit/base.yaml")
//	loader.AddLayer("/etc/depkit/site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Validation happens in two passes. The merged document is first checked
// against an embedded JSON schema, which catches unknown keys and wrong types
// with the offending path. The decoded Config is then checked with validator
// tags for cross-field rules such as a NATS URL being required once NATS is
// enabled. Both report errors of the Invalid class.
//
// The configurations section holds static configurations keyed by pid. The
// daemon seeds them into the configuration admin at startup:
//
//	configurations:
//	  org.example.http:
//	    port: 8080
//	    hosts: [a, b]
//
// SafeConfig gives concurrent readers a deep copy of the current Config and
// validates replacements before swapping them in.
package config
