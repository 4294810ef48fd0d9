// Package gateway assembles one config generation's worth of router,
// resolvers, bulkheads, http clients, persistence provider and callback
// dispatcher into a running Engine, and owns the atomic swap that a
// dynamicconfig.Poller reload triggers. The swap follows router.Router's
// own posture — build the new generation off to the side, validate it
// fully, then publish — extended here to the handful of components a
// route table alone doesn't cover.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycore/revolver-gateway/config"
	"github.com/relaycore/revolver-gateway/internal/admin"
	"github.com/relaycore/revolver-gateway/internal/bulkhead"
	"github.com/relaycore/revolver-gateway/internal/callback"
	"github.com/relaycore/revolver-gateway/internal/engine"
	"github.com/relaycore/revolver-gateway/internal/gatewayhttp"
	"github.com/relaycore/revolver-gateway/internal/httpclient"
	"github.com/relaycore/revolver-gateway/internal/metrics"
	"github.com/relaycore/revolver-gateway/internal/resolver"
	"github.com/relaycore/revolver-gateway/internal/router"
	"github.com/relaycore/revolver-gateway/internal/store"
)

// generation is everything Reload rebuilds wholesale from a validated
// config: resolvers, bulkheads and http clients have no in-place update
// path the way router.Router does, so a new one is built and the old
// one's idle connections drained once the swap is published.
type generation struct {
	resolvers map[string]resolver.Resolver
	sharedRes resolver.Resolver // the one resolver instance backing every entry in resolvers, kept for Close
	bulkheads *bulkhead.Registry
	clients   *httpclient.Factory
	auth      map[string]*config.AuthSpec
}

// engineHolder lets gatewayhttp depend on engine.Invoker while Reload
// swaps the concrete *engine.Engine underneath it.
type engineHolder struct {
	current atomic.Value // *engine.Engine
}

func (h *engineHolder) Invoke(ctx context.Context, in engine.Ingress) (engine.Egress, error) {
	return h.current.Load().(*engine.Engine).Invoke(ctx, in)
}

func (h *engineHolder) store(e *engine.Engine) { h.current.Store(e) }

func (h *engineHolder) get() *engine.Engine { return h.current.Load().(*engine.Engine) }

// Gateway is the process-owned aggregate: one Router, one Store, one
// Dispatcher and one Flags table that outlive config reloads, plus the
// current generation's resolvers/bulkheads/clients behind engineHolder.
type Gateway struct {
	Router     *router.Router
	Store      store.Provider
	Dispatcher *callback.Dispatcher
	Flags      *admin.Flags
	Handlers   *gatewayhttp.Handlers

	engine *engineHolder
	gen    atomic.Value // *generation
}

// New builds a Gateway from an initial, already-validated config
// generation.
func New(cfg *config.Revolver) (*Gateway, error) {
	r := router.New()
	if err := r.Register(cfg.Services); err != nil {
		return nil, fmt.Errorf("gateway: unable to register initial routes: %w", err)
	}

	gen, err := buildGeneration(cfg, nextGenerationID())
	if err != nil {
		return nil, err
	}

	provider, err := buildStore(cfg.MailBox)
	if err != nil {
		return nil, err
	}

	dispatcher := callback.NewDispatcher(
		provider,
		time.Duration(cfg.CallbackTimeout)*time.Millisecond,
		cfg.MaxCallbackAttempts,
		cfg.CallbackWorkers,
		cfg.CallbackQueueSize,
		0,
		0,
	)

	flags := admin.New(pairsOf(cfg.Services))
	for _, svc := range cfg.Services {
		for _, api := range svc.APIs {
			metrics.SetAPIEnabled(svc.Service, api.Name, true)
		}
	}

	eng := &engine.Engine{
		Router:      r,
		Resolvers:   gen.resolvers,
		Clients:     gen.clients,
		Bulkheads:   gen.bulkheads,
		Store:       provider,
		Dispatcher:  dispatcher,
		ServiceAuth: gen.auth,
		Enabled:     flags.Enabled,
		DefaultTTL:  time.Duration(cfg.MailBox.DefaultTTL) * time.Second,
	}
	holder := &engineHolder{}
	holder.store(eng)

	g := &Gateway{
		Router:     r,
		Store:      provider,
		Dispatcher: dispatcher,
		Flags:      flags,
		engine:     holder,
	}
	g.gen.Store(gen)
	g.Handlers = &gatewayhttp.Handlers{
		Engine:     holder,
		Store:      provider,
		Router:     r,
		Flags:      flags,
		Dispatcher: dispatcher,
		Resolvers:  g.resolverFor,
	}
	return g, nil
}

// resolverFor looks up the currently published generation's resolver
// for a service, for gatewayhttp's metadata/status summary.
func (g *Gateway) resolverFor(service string) (resolver.Resolver, bool) {
	gen := g.gen.Load().(*generation)
	res, ok := gen.resolvers[service]
	return res, ok
}

// Reload publishes a new config generation. It rebuilds the router
// table, resolvers, bulkheads and http clients off to the side; only
// once every piece has built without error are they published and the
// engine swapped, so an invalid or unbuildable generation leaves the
// running gateway completely untouched (spec §9's atomic-swap-or-reject
// property). The persistence provider, callback dispatcher and admin
// flags outlive the swap — Register on Flags adds entries for any newly
// introduced (service, api) pair rather than replacing the table.
func (g *Gateway) Reload(cfg *config.Revolver) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	newGen, err := buildGeneration(cfg, nextGenerationID())
	if err != nil {
		return err
	}

	if err := g.Router.Register(cfg.Services); err != nil {
		return err
	}

	prev := g.gen.Load().(*generation)

	eng := &engine.Engine{
		Router:      g.Router,
		Resolvers:   newGen.resolvers,
		Clients:     newGen.clients,
		Bulkheads:   newGen.bulkheads,
		Store:       g.Store,
		Dispatcher:  g.Dispatcher,
		ServiceAuth: newGen.auth,
		Enabled:     g.Flags.Enabled,
		DefaultTTL:  time.Duration(cfg.MailBox.DefaultTTL) * time.Second,
	}
	g.engine.store(eng)
	g.gen.Store(newGen)

	for _, svc := range cfg.Services {
		for _, api := range svc.APIs {
			g.Flags.Register(svc.Service, api.Name)
		}
	}

	if prev != nil {
		prev.clients.CloseIdle()
		if prev.sharedRes != nil {
			prev.sharedRes.Close()
		}
	}
	return nil
}

// Engine returns the currently published engine, for callers (tests,
// cmd/revolver) that need direct access rather than going through
// Handlers.
func (g *Gateway) Engine() *engine.Engine { return g.engine.get() }

// Close releases every resource the current generation and the
// long-lived components own.
func (g *Gateway) Close() error {
	gen := g.gen.Load().(*generation)
	gen.clients.CloseIdle()
	if gen.sharedRes != nil {
		gen.sharedRes.Close()
	}
	g.Dispatcher.Stop()
	return g.Store.Close()
}

// generationSeq hands out a process-wide unique id per generation, so
// each Gateway.Reload's bulkhead compartments register under a fresh
// hystrix command name (service.api.<generation>) rather than reusing
// one that already has accumulated rolling-window history — see
// bulkhead.NewRegistry.
var generationSeq atomic.Uint64

func nextGenerationID() string {
	return strconv.FormatUint(generationSeq.Add(1), 10)
}

func buildGeneration(cfg *config.Revolver, id string) (*generation, error) {
	clients, err := httpclient.NewFactory(cfg.ClientConfig, cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("gateway: unable to build http clients: %w", err)
	}

	res, err := buildResolver(cfg.ServiceResolverConfig, cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("gateway: unable to build resolver: %w", err)
	}
	resolvers := map[string]resolver.Resolver{}
	for _, svc := range cfg.Services {
		resolvers[svc.Service] = res
	}

	bulkheads := bulkhead.NewRegistry(id, cfg.Global, cfg.Services)

	auth := map[string]*config.AuthSpec{}
	for _, svc := range cfg.Services {
		if svc.Auth != nil {
			auth[svc.Service] = svc.Auth
		}
	}

	return &generation{
		resolvers: resolvers,
		sharedRes: res,
		bulkheads: bulkheads,
		clients:   clients,
		auth:      auth,
	}, nil
}

// buildResolver picks between the Consul-backed cluster watcher and the
// static round-robin list per spec §4.4, keyed on
// serviceResolverConfig.useCurator. A single instance is built to cover
// every service; Resolver.Resolve already takes the service name, so
// one instance is sufficient regardless of how many services share it.
func buildResolver(rc config.ServiceResolverConfig, services []config.ServiceSpec) (resolver.Resolver, error) {
	secure := map[string]bool{}
	names := make([]string, 0, len(services))
	perService := map[string][]string{}
	for _, svc := range services {
		names = append(names, svc.Service)
		secure[svc.Service] = svc.Type == "https"
		perService[svc.Service] = svc.Endpoints
	}

	if rc.UseCurator {
		addr := ""
		if len(rc.Endpoints) > 0 {
			addr = rc.Endpoints[0]
		}
		return resolver.NewCluster(addr, names, secure, 0)
	}
	return resolver.NewStatic(perService, secure)
}

// buildStore selects the persistence backend from mailBox.type: any
// value other than "external" (including the "in_memory" default) gets
// the in-process Memory provider.
func buildStore(mb config.MailboxConfig) (store.Provider, error) {
	if mb.Type != "external" {
		return store.NewMemory(0), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: mb.RedisAddr,
		DB:   mb.RedisDB,
	})
	return store.NewRedis(client, ""), nil
}

func pairsOf(services []config.ServiceSpec) [][2]string {
	var pairs [][2]string
	for _, svc := range services {
		for _, api := range svc.APIs {
			pairs = append(pairs, [2]string{svc.Service, api.Name})
		}
	}
	return pairs
}
