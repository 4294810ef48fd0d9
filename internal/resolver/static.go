package resolver

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// Static round-robins over a fixed endpoint list per service.
type Static struct {
	endpoints map[string][]Endpoint
	counters  map[string]*uint64
}

// NewStatic builds a Static resolver from a map of service name to a
// list of "host:port" endpoint strings. secure marks every endpoint
// under that service as https.
func NewStatic(perService map[string][]string, secure map[string]bool) (*Static, error) {
	s := &Static{
		endpoints: map[string][]Endpoint{},
		counters:  map[string]*uint64{},
	}
	for service, addrs := range perService {
		var eps []Endpoint
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("resolver: invalid endpoint %q for service %q: %w", addr, service, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("resolver: invalid port in %q for service %q: %w", addr, service, err)
			}
			eps = append(eps, Endpoint{Host: host, Port: port, Secure: secure[service], Status: HealthUnknown})
		}
		s.endpoints[service] = eps
		var zero uint64
		s.counters[service] = &zero
	}
	return s, nil
}

// Resolve returns the next endpoint in round-robin order.
func (s *Static) Resolve(service string) (Endpoint, error) {
	eps, ok := s.endpoints[service]
	if !ok || len(eps) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}
	counter := s.counters[service]
	n := atomic.AddUint64(counter, 1)
	return eps[(n-1)%uint64(len(eps))], nil
}

// Instances reports every configured endpoint for service. A static
// list has no health check of its own, so every instance reports
// HealthUnknown rather than a guessed HEALTHY/UNHEALTHY.
func (s *Static) Instances(service string) []Endpoint {
	eps := s.endpoints[service]
	out := make([]Endpoint, len(eps))
	copy(out, eps)
	return out
}

// Close is a no-op for Static; there is no background goroutine.
func (s *Static) Close() {}
