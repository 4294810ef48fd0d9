// Package engine implements the invocation pipeline of spec §4.3: router
// match, mode selection, idempotency dedup, persistence, bulkhead
// submission with auth/tracing decoration and retries, response mapping,
// and the async accept-then-deliver split between SYNC and
// POLLING/CALLBACK modes. Its request/response wrapping follows gizmo's
// server/middleware.go; the retry shape in retry.go follows
// C360Studio-semstreams' pkg/retry, reimplemented in-package so retries
// run inside the bulkhead's own time budget rather than around it.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/revolver-gateway/config"
	"github.com/relaycore/revolver-gateway/internal/bulkhead"
	"github.com/relaycore/revolver-gateway/internal/callback"
	"github.com/relaycore/revolver-gateway/internal/gwerror"
	"github.com/relaycore/revolver-gateway/internal/httpclient"
	"github.com/relaycore/revolver-gateway/internal/resolver"
	"github.com/relaycore/revolver-gateway/internal/router"
	"github.com/relaycore/revolver-gateway/internal/store"
)

// maxUpstreamBody bounds how much of an upstream response body is read
// into memory for persistence/forwarding.
const maxUpstreamBody = 10 << 20 // 10MiB

// Mode is the execution mode selected for one ingress (spec §3).
type Mode string

const (
	ModeSync     Mode = "SYNC"
	ModePolling  Mode = "POLLING"
	ModeCallback Mode = "CALLBACK"
)

// Invoker is the subset of Engine the façade depends on. Gateway.Reload
// swaps the concrete *Engine behind an atomic.Value on a config reload;
// gatewayhttp only ever needs Invoke, so it depends on this interface
// rather than the concrete type.
type Invoker interface {
	Invoke(ctx context.Context, in Ingress) (Egress, error)
}

// Ingress is the façade's normalized view of an inbound call.
type Ingress struct {
	Service string
	Path    string
	Method  string
	Header  http.Header
	Body    []byte
}

// Egress is what the façade writes back to the client.
type Egress struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

// Engine wires the router, resolvers, bulkheads, http clients, store and
// callback dispatcher into the single Invoke pipeline.
type Engine struct {
	Router     *router.Router
	Resolvers  map[string]resolver.Resolver
	Clients    *httpclient.Factory
	Bulkheads  *bulkhead.Registry
	Store      store.Provider
	Dispatcher *callback.Dispatcher

	// ServiceAuth carries each service's configured auth decoration
	// (spec §4.3 step 6a), keyed by service name.
	ServiceAuth map[string]*config.AuthSpec

	// Enabled reports whether admin has left (service, api) turned on;
	// nil means everything is enabled.
	Enabled func(service, api string) bool

	// DefaultTTL bounds how long a persisted record survives before it is
	// eligible for expiry; zero means one hour.
	DefaultTTL time.Duration
}

func (e *Engine) enabled(service, api string) bool {
	if e.Enabled == nil {
		return true
	}
	return e.Enabled(service, api)
}

// Invoke runs the full pipeline for one ingress request.
func (e *Engine) Invoke(ctx context.Context, in Ingress) (Egress, error) {
	route, _, ok := e.Router.Match(in.Service, in.Path)
	if !ok {
		return Egress{}, gwerror.New(gwerror.NotFound, fmt.Sprintf("no route for %s %s", in.Service, in.Path))
	}
	if !methodAllowed(route.API.Methods, in.Method) {
		return Egress{}, gwerror.New(gwerror.NotFound, fmt.Sprintf("method %s not allowed on %s.%s", in.Method, route.Service, route.API.Name))
	}
	if !e.enabled(route.Service, route.API.Name) {
		return Egress{}, gwerror.New(gwerror.APIDisabled, fmt.Sprintf("%s.%s is disabled", route.Service, route.API.Name))
	}
	if route.API.AuthRequired && in.Header.Get("Authorization") == "" {
		return Egress{}, gwerror.New(gwerror.Auth, fmt.Sprintf("%s.%s requires caller authentication", route.Service, route.API.Name))
	}

	mode := selectMode(route.API.Mode, in.Header)
	callbackURL := in.Header.Get("X-Callback-Uri")
	if mode == ModeCallback && callbackURL == "" {
		return Egress{}, gwerror.New(gwerror.BadRequest, "CALLBACK mode requires X-Callback-Uri")
	}

	requestID := in.Header.Get("X-Request-Id")
	if requestID == "" {
		generated, err := uuid.NewV4()
		if err != nil {
			return Egress{}, gwerror.Wrap(gwerror.Internal, err, "unable to generate request id")
		}
		requestID = generated.String()
	}

	persistOn := mode != ModeSync || route.API.PersistSync

	// Idempotency dedup: a record already on file for this id means
	// either it's still being worked or it's already terminal. Either
	// way the upstream call must not be re-issued (spec §8's round-trip
	// property); the caller re-polls or re-receives the callback.
	// SaveIfAbsent makes the check-and-insert one atomic store operation
	// instead of a Get followed by a Save, so two callers racing on the
	// same client-supplied request id can't both slip past the check and
	// both invoke upstream.
	if persistOn {
		existing, inserted, err := e.Store.SaveIfAbsent(ctx, store.Record{
			RequestID:      requestID,
			MailboxID:      in.Header.Get("X-Mailbox-Id"),
			Service:        route.Service,
			API:            route.API.Name,
			Mode:           string(mode),
			State:          store.Received,
			RequestHeaders: in.Header,
			RequestBody:    in.Body,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
			ExpiresAt:      time.Now().Add(e.ttl()),
			CallbackURL:    callbackURL,
		})
		if err != nil {
			return Egress{}, gwerror.Wrap(gwerror.Internal, err, "unable to persist request")
		}
		if !inserted {
			if mode == ModeSync {
				return egressFromRecord(existing), nil
			}
			return Egress{
				Status:    http.StatusAccepted,
				Header:    http.Header{"X-Request-Id": {requestID}},
				RequestID: requestID,
			}, nil
		}
	}

	if mode == ModeSync {
		egress, err := e.process(ctx, route, in, requestID, mode, persistOn, callbackURL)
		return egress, err
	}

	// Async modes: acknowledge immediately, run the upstream call on a
	// context detached from the inbound HTTP request (which ends the
	// instant this handler returns 202). The bulkhead compartment still
	// bounds its own runtime.
	go func() {
		if _, err := e.process(context.Background(), route, in, requestID, mode, persistOn, callbackURL); err != nil {
			log.WithFields(log.Fields{
				"request_id": requestID,
				"service":    route.Service,
				"api":        route.API.Name,
			}).WithError(err).Warn("engine: async invocation ended in error")
		}
	}()

	return Egress{
		Status:    http.StatusAccepted,
		Header:    http.Header{"X-Request-Id": {requestID}},
		RequestID: requestID,
	}, nil
}

func (e *Engine) ttl() time.Duration {
	if e.DefaultTTL > 0 {
		return e.DefaultTTL
	}
	return time.Hour
}

// process resolves an endpoint, submits the upstream call through the
// (service,api) compartment with retries and header decoration, and maps
// the outcome to a final record state and Egress. It is shared by the
// synchronous and asynchronous paths; only the caller's use of the
// returned Egress differs.
func (e *Engine) process(ctx context.Context, route *router.CompiledRoute, in Ingress, requestID string, mode Mode, persistOn bool, callbackURL string) (Egress, error) {
	start := time.Now()
	if persistOn {
		if _, err := e.Store.UpdateState(ctx, requestID, store.InProgress, store.Patch{}); err != nil {
			log.WithField("request_id", requestID).WithError(err).Warn("engine: unable to record IN_PROGRESS")
		}
	}

	res, err := e.resolver(route.Service)
	var egress Egress
	var finalState store.State
	var outErr error

	if err != nil {
		outErr = gwerror.Wrap(gwerror.UpstreamFailure, err, "no resolver configured")
	} else {
		ep, resolveErr := res.Resolve(route.Service)
		if resolveErr != nil {
			outErr = gwerror.Wrap(gwerror.UpstreamFailure, resolveErr, "no healthy endpoint")
		} else {
			comp, ok := e.Bulkheads.Get(route.Service, route.API.Name)
			if !ok {
				outErr = gwerror.New(gwerror.Internal, fmt.Sprintf("no compartment registered for %s.%s", route.Service, route.API.Name))
			} else {
				client, ok := e.Clients.Get(route.Service)
				if !ok {
					outErr = gwerror.New(gwerror.Internal, fmt.Sprintf("no http client configured for %s", route.Service))
				} else {
					result, execErr := comp.Execute(ctx, func(execCtx context.Context) (interface{}, error) {
						resp, callErr := withRetry(execCtx, in.Method, route.API.Retry, func(attemptCtx context.Context) (*http.Response, error) {
							req, buildErr := buildUpstreamRequest(attemptCtx, ep, route, in, requestID, e.ServiceAuth[route.Service])
							if buildErr != nil {
								return nil, buildErr
							}
							return client.Do(req)
						})
						if callErr != nil {
							return nil, gwerror.Wrap(gwerror.UpstreamFailure, callErr, "upstream call failed")
						}
						if resp.StatusCode >= 500 {
							resp.Body.Close()
							return nil, gwerror.New(gwerror.UpstreamFailure, fmt.Sprintf("upstream returned %d", resp.StatusCode))
						}
						return resp, nil
					})
					if execErr == nil {
						resp := result.(*http.Response)
						egress = egressFromResponse(resp, route.API.WhitelistedRespHeaders, requestID)
					} else {
						outErr = execErr
					}
				}
			}
		}
	}

	outcome := "success"
	if outErr != nil {
		if fb := route.API.Fallback; fb != nil && route.API.Runtime.FallbackEnabled {
			egress = egressFromFallback(fb, requestID)
			outErr = nil
			outcome = "fallback"
		} else {
			kind := gwerror.KindOf(outErr)
			egress = Egress{Status: gwerror.Status(kind), RequestID: requestID}
			outcome = string(kind)
		}
	}

	if outErr != nil {
		finalState = store.TimedOut
		if gwerror.KindOf(outErr) != gwerror.Timeout {
			finalState = store.Failed
		}
	} else {
		finalState = store.Completed
	}

	log.WithFields(log.Fields{
		"service":    route.Service,
		"api":        route.API.Name,
		"request_id": requestID,
		"mode":       mode,
		"latency_ms": time.Since(start).Milliseconds(),
		"outcome":    outcome,
	}).Info("engine: invocation complete")

	if persistOn {
		status := egress.Status
		if _, err := e.Store.UpdateState(ctx, requestID, finalState, store.Patch{
			ResponseHeaders: egress.Header,
			ResponseBody:    egress.Body,
			ResponseStatus:  &status,
		}); err != nil {
			log.WithField("request_id", requestID).WithError(err).Warn("engine: unable to record final state")
		}
		if mode == ModeCallback && finalState == store.Completed {
			if _, err := e.Store.UpdateState(ctx, requestID, store.CallbackPending, store.Patch{}); err != nil {
				log.WithField("request_id", requestID).WithError(err).Warn("engine: unable to hand off to callback dispatcher")
			} else if e.Dispatcher != nil {
				e.Dispatcher.Enqueue(requestID)
			}
		}
	}

	return egress, outErr
}

func (e *Engine) resolver(service string) (resolver.Resolver, error) {
	res, ok := e.Resolvers[service]
	if !ok {
		return nil, fmt.Errorf("engine: no resolver configured for service %q", service)
	}
	return res, nil
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// selectMode implements spec §4.3 step 3: SYNC by default, POLLING via
// header or API default, CALLBACK if the caller names a callback URI
// (which takes priority — a client that sets both gets callback delivery).
func selectMode(apiDefault string, header http.Header) Mode {
	mode := ModeSync
	if apiDefault == "polling" {
		mode = ModePolling
	}
	switch header.Get("X-Request-Mode") {
	case "POLLING":
		mode = ModePolling
	case "CALLBACK":
		mode = ModeCallback
	}
	if header.Get("X-Callback-Uri") != "" {
		mode = ModeCallback
	}
	return mode
}

// buildUpstreamRequest decorates the outbound request with the
// whitelisted inbound headers, the service's configured auth, and the
// correlation id, per spec §4.3 step 6a.
func buildUpstreamRequest(ctx context.Context, ep resolver.Endpoint, route *router.CompiledRoute, in Ingress, requestID string, auth *config.AuthSpec) (*http.Request, error) {
	scheme := "http"
	if ep.Secure {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, ep.Host, ep.Port, in.Path)
	req, err := http.NewRequestWithContext(ctx, in.Method, url, bytes.NewReader(in.Body))
	if err != nil {
		return nil, err
	}
	for _, name := range route.API.WhitelistedReqHeaders {
		if values := in.Header.Values(name); len(values) > 0 {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
	}
	req.Header.Set("X-Request-Id", requestID)
	applyAuth(req, auth)
	return req, nil
}

// applyAuth decorates req with a service's configured auth (spec §4.3
// step 6a: basic or bearer-token credentials attached before the
// upstream call).
func applyAuth(req *http.Request, auth *config.AuthSpec) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "token":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}

func egressFromResponse(resp *http.Response, whitelist []string, requestID string) Egress {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	hdr := http.Header{}
	if len(whitelist) == 0 {
		hdr = resp.Header.Clone()
	} else {
		for _, name := range whitelist {
			if values := resp.Header.Values(name); len(values) > 0 {
				hdr[http.CanonicalHeaderKey(name)] = values
			}
		}
	}
	return Egress{Status: resp.StatusCode, Header: hdr, Body: body, RequestID: requestID}
}

// egressFromRecord replays a previously persisted outcome for a
// duplicate request id (spec §8's idempotent-round-trip property): the
// upstream is never called a second time, so the response is whatever
// the store already has, terminal or not.
func egressFromRecord(rec store.Record) Egress {
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusAccepted
	}
	hdr := http.Header{}
	for k, v := range rec.ResponseHeaders {
		hdr[http.CanonicalHeaderKey(k)] = v
	}
	return Egress{Status: status, Header: hdr, Body: rec.ResponseBody, RequestID: rec.RequestID}
}

func egressFromFallback(fb *config.FallbackSpec, requestID string) Egress {
	hdr := http.Header{}
	for k, v := range fb.Headers {
		hdr.Set(k, v)
	}
	status := fb.Status
	if status == 0 {
		status = http.StatusOK
	}
	return Egress{Status: status, Header: hdr, Body: []byte(fb.Body), RequestID: requestID}
}
