// Package registry maintains the in-memory catalog of linked devices:
// identity, declared capabilities, trust, and liveness.
//
// The registry answers "which device can do X" queries for capability
// delegation. Selection prefers the highest-trust device currently online
// that advertises the requested capability.
package registry
