// Package resolver maps a service name to a concrete endpoint. Two
// variants are offered per spec §4.4: a Static round-robin list and a
// Cluster resolver backed by Consul's health-checked catalog (this
// pack's real substitute for the original Curator/ZooKeeper cluster
// watcher — gizmo's config package already depends on
// hashicorp/consul/api for KV access, so this reuses the same client
// against its Health endpoint instead).
package resolver

import "errors"

// ErrNoEndpoint is returned when a service has no healthy endpoint.
var ErrNoEndpoint = errors.New("resolver: no endpoint available")

// Health is an instance's health status, per spec §6's
// `/v1/metadata/status` contract (HEALTHY|UNHEALTHY|UNKNOWN).
type Health string

const (
	HealthUnknown   Health = "UNKNOWN"
	HealthHealthy   Health = "HEALTHY"
	HealthUnhealthy Health = "UNHEALTHY"
)

// Endpoint is a concrete upstream address.
type Endpoint struct {
	Host   string
	Port   int
	Secure bool
	Status Health
}

// Resolver maps a service name to an Endpoint. Resolve must be
// non-blocking: any I/O needed to discover endpoints happens out of
// band, in a background refresh loop.
type Resolver interface {
	Resolve(service string) (Endpoint, error)
	// Instances reports every instance currently known for service,
	// healthy or not, for the metadata/status summary. Resolve only ever
	// picks among the healthy ones.
	Instances(service string) []Endpoint
	// Close stops any background refresh goroutines.
	Close()
}
