package resolver

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"
)

// Cluster resolves endpoints from Consul's health-checked service
// catalog. A background goroutine refreshes a per-service snapshot into
// an atomic.Value so Resolve never blocks on the network, per §4.4.
type Cluster struct {
	client   *consulapi.Client
	services []string
	secure   map[string]bool
	interval time.Duration

	snapshot atomic.Value // map[string][]Endpoint

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCluster builds a Cluster resolver that watches the given service
// names against the Consul agent described by addr (empty uses the
// default 127.0.0.1:8500 agent, matching gizmo's consul client setup).
func NewCluster(addr string, services []string, secure map[string]bool, refreshInterval time.Duration) (*Cluster, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Second
	}
	c := &Cluster{
		client:   client,
		services: services,
		secure:   secure,
		interval: refreshInterval,
		stop:     make(chan struct{}),
	}
	c.snapshot.Store(map[string][]Endpoint{})
	c.refresh()
	go c.loop()
	return c, nil
}

func (c *Cluster) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

// refresh fetches every instance of every watched service — not just
// the passing ones — so Instances can report the same HEALTHY|
// UNHEALTHY|UNKNOWN breakdown spec §6's metadata/status contract names.
// Resolve still only ever picks among the HEALTHY ones.
func (c *Cluster) refresh() {
	next := map[string][]Endpoint{}
	for _, service := range c.services {
		entries, _, err := c.client.Health().Service(service, "", false, nil)
		if err != nil {
			log.WithField("service", service).WithError(err).Warn("resolver: consul health lookup failed, keeping stale snapshot")
			if prev, ok := c.snapshot.Load().(map[string][]Endpoint)[service]; ok {
				next[service] = prev
			}
			continue
		}
		eps := make([]Endpoint, 0, len(entries))
		for _, e := range entries {
			addr := e.Service.Address
			if addr == "" {
				addr = e.Node.Address
			}
			status := HealthUnhealthy
			if e.Checks.AggregatedStatus() == consulapi.HealthPassing {
				status = HealthHealthy
			}
			eps = append(eps, Endpoint{Host: addr, Port: e.Service.Port, Secure: c.secure[service], Status: status})
		}
		next[service] = eps
	}
	c.snapshot.Store(next)
}

// Resolve picks uniformly at random among the last known healthy
// members for service.
func (c *Cluster) Resolve(service string) (Endpoint, error) {
	healthy := healthyOf(c.instances(service))
	if len(healthy) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}
	return healthy[rand.Intn(len(healthy))], nil
}

// Instances reports every known instance of service, healthy or not.
func (c *Cluster) Instances(service string) []Endpoint {
	return c.instances(service)
}

func (c *Cluster) instances(service string) []Endpoint {
	snap := c.snapshot.Load().(map[string][]Endpoint)
	return snap[service]
}

func healthyOf(eps []Endpoint) []Endpoint {
	var out []Endpoint
	for _, ep := range eps {
		if ep.Status == HealthHealthy {
			out = append(out, ep)
		}
	}
	return out
}

// Close stops the background refresh goroutine.
func (c *Cluster) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
