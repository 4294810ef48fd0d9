// Package bulkhead is the per-(service,api) isolation compartment from
// spec §4.2: a concurrency cap, a time budget, and a circuit breaker.
// It is built directly on afex/hystrix-go, the library
// cfchou/go-gentle's CircuitBreakerHandler and BulkheadHandler wrap —
// here the two are collapsed into hystrix's own MaxConcurrentRequests
// and breaker settings instead of a bespoke semaphore plus a bespoke
// state machine, since hystrix-go already does both jobs under one
// process-wide command registry, which is what makes the compartment
// unique process-wide (spec §3) without an extra registry of our own.
package bulkhead

import (
	"context"
	"fmt"
	"time"

	"github.com/afex/hystrix-go/hystrix"

	"github.com/relaycore/revolver-gateway/config"
	"github.com/relaycore/revolver-gateway/internal/gwerror"
)

// State mirrors §4.2's three-value breaker state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Compartment is one (service, api) bulkhead/breaker pair.
type Compartment struct {
	Name        string // the hystrix command name: "service.api[.generation]"
	Timeout     time.Duration
	SleepWindow time.Duration
}

// Registry owns every compartment built from a RuntimeConfig set.
type Registry struct {
	compartments map[string]*Compartment
}

// NewRegistry builds one Compartment per (service,api) for one config
// generation, configuring hystrix's command settings from each ApiSpec's
// RuntimeConfig (falling back to the global RuntimeConfig for anything
// left at zero value). generation is folded into each compartment's
// hystrix command name (service.api.<generation>) so that a
// Gateway.Reload's replacement Registry gets its own, empty rolling
// metrics window instead of resuming the outgoing generation's
// accumulated success/failure counts: hystrix-go's command registry is
// process-wide and keyed purely by name, and ConfigureCommand only ever
// updates a named breaker's forward-looking settings — it never resets
// history — so reusing the bare "service.api" name across a rebuild
// would reconfigure the old breaker rather than replace it (spec.md's
// "rebuilding replaces it atomically"). An empty generation keeps the
// bare name, for callers (tests) that don't care about this.
func NewRegistry(generation string, global config.RuntimeConfig, services []config.ServiceSpec) *Registry {
	reg := &Registry{compartments: map[string]*Compartment{}}
	for _, svc := range services {
		for _, api := range svc.APIs {
			reg.register(generation, svc.Service, api.Name, mergeRuntime(global, api.Runtime))
		}
	}
	return reg
}

func mergeRuntime(global, override config.RuntimeConfig) config.RuntimeConfig {
	merged := global
	if override.TimeoutMS > 0 {
		merged.TimeoutMS = override.TimeoutMS
	}
	if override.Concurrency > 0 {
		merged.Concurrency = override.Concurrency
	}
	if override.Circuit.ErrorThresholdPercent > 0 {
		merged.Circuit.ErrorThresholdPercent = override.Circuit.ErrorThresholdPercent
	}
	if override.Circuit.RequestVolume > 0 {
		merged.Circuit.RequestVolume = override.Circuit.RequestVolume
	}
	if override.Circuit.SleepWindowMS > 0 {
		merged.Circuit.SleepWindowMS = override.Circuit.SleepWindowMS
	}
	if override.FallbackEnabled {
		merged.FallbackEnabled = true
	}
	return merged
}

func compartmentName(service, api string) string {
	return service + "." + api
}

// hystrixCommandName is the process-wide hystrix command name a
// compartment registers under, distinct per generation.
func hystrixCommandName(generation, service, api string) string {
	if generation == "" {
		return compartmentName(service, api)
	}
	return compartmentName(service, api) + "." + generation
}

func (reg *Registry) register(generation, service, api string, rt config.RuntimeConfig) {
	key := compartmentName(service, api)
	name := hystrixCommandName(generation, service, api)
	timeout := rt.TimeoutMS
	if timeout <= 0 {
		timeout = 1000
	}
	concurrency := rt.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	errPct := rt.Circuit.ErrorThresholdPercent
	if errPct <= 0 {
		errPct = 50
	}
	reqVol := rt.Circuit.RequestVolume
	if reqVol <= 0 {
		reqVol = 20
	}
	sleepWindow := rt.Circuit.SleepWindowMS
	if sleepWindow <= 0 {
		sleepWindow = 5000
	}
	hystrix.ConfigureCommand(name, hystrix.CommandConfig{
		Timeout:                timeout,
		MaxConcurrentRequests:  concurrency,
		ErrorPercentThreshold:  errPct,
		RequestVolumeThreshold: reqVol,
		SleepWindow:            sleepWindow,
	})
	reg.compartments[key] = &Compartment{
		Name:        name,
		Timeout:     time.Duration(timeout) * time.Millisecond,
		SleepWindow: time.Duration(sleepWindow) * time.Millisecond,
	}
}

// Get returns the compartment for (service, api), or false if it was
// never registered (i.e. the router has an entry the bulkhead registry
// does not, which should not happen once router and registry are built
// from the same config generation).
func (reg *Registry) Get(service, api string) (*Compartment, bool) {
	c, ok := reg.compartments[compartmentName(service, api)]
	return c, ok
}

type result struct {
	value interface{}
	err   error
}

// Execute runs fn inside the named compartment. A context bound to the
// compartment's configured timeout is derived from parent and passed to
// fn; once hystrix.Do returns for any reason the derived context is
// canceled, so a still-running fn abandons its in-flight I/O rather
// than holding the permit longer than the command's own time budget.
// On success or on fn's own error, that value/error is returned
// verbatim; on CAPACITY_EXCEEDED, CIRCUIT_OPEN or TIMEOUT a
// *gwerror.Error of the matching kind is returned instead.
func (c *Compartment) Execute(parent context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	resultCh := make(chan result, 1)
	hystrixErr := hystrix.Do(c.Name, func() error {
		v, err := fn(ctx)
		resultCh <- result{value: v, err: err}
		return err
	}, nil)

	if hystrixErr != nil {
		switch hystrixErr {
		case hystrix.ErrTimeout:
			cancel()
			return nil, gwerror.New(gwerror.Timeout, fmt.Sprintf("compartment %q exceeded its time budget", c.Name))
		case hystrix.ErrCircuitOpen:
			return nil, &gwerror.Error{Kind: gwerror.CircuitOpen, Message: fmt.Sprintf("compartment %q circuit is open", c.Name), RetryAfter: c.SleepWindow}
		case hystrix.ErrMaxConcurrency:
			return nil, &gwerror.Error{Kind: gwerror.CapacityExceeded, Message: fmt.Sprintf("compartment %q is at capacity", c.Name), RetryAfter: c.SleepWindow}
		}
	}

	select {
	case r := <-resultCh:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			// fn gave up on the compartment's own deadline before
			// hystrix's timer reported it.
			return nil, gwerror.Wrap(gwerror.Timeout, r.err, fmt.Sprintf("compartment %q exceeded its time budget", c.Name))
		}
		return r.value, r.err
	default:
		// fn never got to run (e.g. ErrMaxConcurrency/ErrCircuitOpen fired
		// before the closure was invoked at all).
		return nil, hystrixErr
	}
}

// CurrentState reports the compartment's breaker state by inspecting
// hystrix's own circuit. Only CLOSED/OPEN are distinguished here:
// hystrix-go does not expose whether a half-open probe request is in
// flight, so HALF_OPEN is never reported; a circuit past its sleep
// window that is still open reports OPEN.
func (c *Compartment) CurrentState() State {
	circuit, _, err := hystrix.GetCircuit(c.Name)
	if err != nil || circuit == nil {
		return Closed
	}
	if circuit.IsOpen() {
		return Open
	}
	return Closed
}
