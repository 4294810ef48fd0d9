// Package gatewayhttp is the façade of spec §6: the invoke route, the
// mailbox/request lookup routes, the inbound callback-receipt route (for
// an upstream that reports its own result back asynchronously), and the
// admin manage-api endpoints. Its JSON envelope helper follows gizmo's
// server/middleware.go JSONToHTTP (encode-then-write-with-status), and
// the admin envelope shape follows original_source's
// RevolverApiManageResource ({"service":..,"api":..,"status":..}).
package gatewayhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/revolver-gateway/internal/admin"
	"github.com/relaycore/revolver-gateway/internal/callback"
	"github.com/relaycore/revolver-gateway/internal/engine"
	"github.com/relaycore/revolver-gateway/internal/gwerror"
	"github.com/relaycore/revolver-gateway/internal/metrics"
	"github.com/relaycore/revolver-gateway/internal/resolver"
	"github.com/relaycore/revolver-gateway/internal/router"
	"github.com/relaycore/revolver-gateway/internal/store"
)

// maxIngressBody bounds how much of an inbound request body is buffered
// before being forwarded upstream.
const maxIngressBody = 10 << 20 // 10MiB

// Handlers wires the engine, persistence provider, router and admin
// flags into the gateway's public HTTP surface.
type Handlers struct {
	Engine     engine.Invoker
	Store      store.Provider
	Router     *router.Router
	Flags      *admin.Flags
	Dispatcher *callback.Dispatcher
	// Resolvers looks up the currently published resolver for a
	// service, for the /v1/metadata/status instance/health summary. A
	// func rather than a stored map so it stays correct across a
	// Gateway.Reload swap.
	Resolvers func(service string) (resolver.Resolver, bool)
}

// NewMux builds the gorilla/mux router for every route in spec §6.
func (h *Handlers) NewMux() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/apis/{service}/{path:.+}").HandlerFunc(h.invoke)
	r.HandleFunc("/v1/request/{request_id}", h.getRequest).Methods(http.MethodGet)
	r.HandleFunc("/v1/mailbox/{mailbox_id}", h.getMailbox).Methods(http.MethodGet)
	r.HandleFunc("/v1/callback/{request_id}", h.receiveCallback).Methods(http.MethodPost)
	r.HandleFunc("/v1/metadata/status", h.metadataStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/manage/api/status", h.manageStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/v1/manage/api/status/{service}/{api}", h.manageStatusOne).Methods(http.MethodGet)
	r.HandleFunc("/v1/manage/api/status/{service}/{api}/enable", h.manageEnable).Methods(http.MethodPost)
	r.HandleFunc("/v1/manage/api/status/{service}/{api}/disable", h.manageDisable).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// invoke is the `ANY /apis/{service}/{path:.+}` route: it normalizes the
// request into an engine.Ingress, runs the pipeline, and writes back
// whatever Egress (or gwerror) came out.
func (h *Handlers) invoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	apiName := "unknown"
	if route, _, ok := h.Router.Match(vars["service"], "/"+vars["path"]); ok {
		apiName = route.API.Name
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		metrics.Observe(vars["service"], apiName, http.StatusBadRequest, time.Since(start))
		writeError(w, gwerror.Wrap(gwerror.BadRequest, err, "unable to read request body"))
		return
	}

	egress, err := h.Engine.Invoke(r.Context(), engine.Ingress{
		Service: vars["service"],
		Path:    "/" + vars["path"],
		Method:  r.Method,
		Header:  r.Header,
		Body:    body,
	})
	if err != nil {
		metrics.Observe(vars["service"], apiName, gwerror.Status(gwerror.KindOf(err)), time.Since(start))
		writeError(w, err)
		return
	}
	metrics.Observe(vars["service"], apiName, egress.Status, time.Since(start))
	writeEgress(w, egress)
}

func writeEgress(w http.ResponseWriter, egress engine.Egress) {
	for name, values := range egress.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if egress.RequestID != "" {
		w.Header().Set("X-Request-Id", egress.RequestID)
	}
	status := egress.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(egress.Body) > 0 {
		if _, err := w.Write(egress.Body); err != nil {
			log.WithError(err).Warn("gatewayhttp: unable to write response body")
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := gwerror.BodyFor(err)
	w.Header().Set("Content-Type", "application/json")
	if retryAfter, ok := gwerror.RetryAfterOf(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	w.WriteHeader(gwerror.Status(gwerror.KindOf(err)))
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		log.WithError(encErr).Warn("gatewayhttp: unable to encode error body")
	}
}

// getRequest is `GET /v1/request/{request_id}`.
func (h *Handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	rec, err := h.Store.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, mapStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, recordView(rec))
}

// getMailbox is `GET /v1/mailbox/{mailbox_id}`.
func (h *Handlers) getMailbox(w http.ResponseWriter, r *http.Request) {
	mailboxID := mux.Vars(r)["mailbox_id"]
	recs, err := h.Store.ListMailbox(r.Context(), mailboxID)
	if err != nil {
		writeError(w, gwerror.Wrap(gwerror.Internal, err, "unable to list mailbox"))
		return
	}
	views := make([]recordSummary, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recordView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// receiveCallback is `POST /v1/callback/{request_id}`: the inbound half
// of the callback story, for an upstream that is itself asynchronous and
// reports its result back to the gateway instead of returning it inline
// (spec §6: "close the loop when upstream itself calls us back"). The
// posted body/headers become the record's response, the record is
// marked COMPLETED, and — if the original caller asked for CALLBACK mode
// — handed to the outbound dispatcher exactly as a synchronously
// completed upstream call would be.
func (h *Handlers) receiveCallback(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		writeError(w, gwerror.Wrap(gwerror.BadRequest, err, "unable to read callback body"))
		return
	}

	rec, err := h.Store.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, mapStoreErr(err))
		return
	}
	if rec.State != store.InProgress && rec.State != store.Received {
		// Already resolved (retried delivery, or a duplicate callback):
		// idempotent no-op per spec §8's round-trip property.
		w.WriteHeader(http.StatusOK)
		return
	}
	if rec.State == store.Received {
		// COMPLETED is only reachable from IN_PROGRESS.
		if _, err := h.Store.UpdateState(r.Context(), requestID, store.InProgress, store.Patch{}); err != nil {
			writeError(w, gwerror.Wrap(gwerror.Internal, err, "unable to record upstream callback"))
			return
		}
	}

	status := http.StatusOK
	updated, err := h.Store.UpdateState(r.Context(), requestID, store.Completed, store.Patch{
		ResponseHeaders: r.Header,
		ResponseBody:    body,
		ResponseStatus:  &status,
	})
	if err != nil {
		writeError(w, gwerror.Wrap(gwerror.Internal, err, "unable to record upstream callback"))
		return
	}

	if updated.Mode == "CALLBACK" {
		if _, err := h.Store.UpdateState(r.Context(), requestID, store.CallbackPending, store.Patch{}); err != nil {
			log.WithField("request_id", requestID).WithError(err).Warn("gatewayhttp: unable to hand off inbound callback")
		} else if h.Dispatcher != nil {
			h.Dispatcher.Enqueue(requestID)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// serviceStatus is one row of `GET /v1/metadata/status`'s summary, per
// spec.md's literal wire contract for that route: name, type, instance
// count, and a per-status (HEALTHY|UNHEALTHY|UNKNOWN) breakdown.
type serviceStatus struct {
	Service       string         `json:"service"`
	Type          string         `json:"type"`
	InstanceCount int            `json:"instance_count"`
	StatusCounts  map[string]int `json:"status_counts"`
}

// metadataStatus is `GET /v1/metadata/status`.
func (h *Handlers) metadataStatus(w http.ResponseWriter, r *http.Request) {
	var order []string
	seen := map[string]bool{}
	for _, e := range h.Router.List() {
		if !seen[e.Service] {
			seen[e.Service] = true
			order = append(order, e.Service)
		}
	}

	out := make([]serviceStatus, 0, len(order))
	for _, svc := range order {
		out = append(out, h.statusFor(svc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) statusFor(service string) serviceStatus {
	counts := map[string]int{
		string(resolver.HealthHealthy):   0,
		string(resolver.HealthUnhealthy): 0,
		string(resolver.HealthUnknown):   0,
	}
	svcType := "http"
	var instances []resolver.Endpoint
	if h.Resolvers != nil {
		if res, ok := h.Resolvers(service); ok {
			instances = res.Instances(service)
		}
	}
	for i, inst := range instances {
		if i == 0 && inst.Secure {
			svcType = "https"
		}
		counts[string(inst.Status)]++
	}
	return serviceStatus{
		Service:       service,
		Type:          svcType,
		InstanceCount: len(instances),
		StatusCounts:  counts,
	}
}

// manageStatusAll is `GET /v1/manage/api/status`.
func (h *Handlers) manageStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Flags.All())
}

// manageStatusOne is `GET /v1/manage/api/status/{service}/{api}`.
func (h *Handlers) manageStatusOne(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	enabled, ok := h.Flags.Get(vars["service"], vars["api"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"service": vars["service"], "api": vars["api"]})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"service": vars["service"], "api": vars["api"], "status": enabled})
}

// manageEnable is `POST /v1/manage/api/status/{service}/{api}/enable`.
func (h *Handlers) manageEnable(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, true)
}

// manageDisable is `POST /v1/manage/api/status/{service}/{api}/disable`.
func (h *Handlers) manageDisable(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, false)
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request, enabled bool) {
	vars := mux.Vars(r)
	if !h.Flags.Set(vars["service"], vars["api"], enabled) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"service": vars["service"], "api": vars["api"]})
		return
	}
	metrics.SetAPIEnabled(vars["service"], vars["api"], enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"service": vars["service"], "api": vars["api"], "status": enabled})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("gatewayhttp: unable to encode JSON response")
	}
}

func mapStoreErr(err error) error {
	if err == store.ErrNotFound {
		return gwerror.Wrap(gwerror.NotFound, err, "request not found")
	}
	return gwerror.Wrap(gwerror.Internal, err, "store error")
}

// recordSummary is the wire shape returned for a persisted record: the
// original request headers/body are never echoed back, only the
// response side and the bookkeeping fields a caller needs to poll on.
type recordSummary struct {
	RequestID       string              `json:"request_id"`
	MailboxID       string              `json:"mailbox_id,omitempty"`
	Service         string              `json:"service"`
	API             string              `json:"api"`
	Mode            string              `json:"mode"`
	State           string              `json:"state"`
	Status          int                 `json:"status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Attempts        int                 `json:"delivery_attempts,omitempty"`
}

func recordView(rec store.Record) recordSummary {
	return recordSummary{
		RequestID:       rec.RequestID,
		MailboxID:       rec.MailboxID,
		Service:         rec.Service,
		API:             rec.API,
		Mode:            rec.Mode,
		State:           string(rec.State),
		Status:          rec.ResponseStatus,
		ResponseHeaders: rec.ResponseHeaders,
		ResponseBody:    rec.ResponseBody,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		ExpiresAt:       rec.ExpiresAt,
		Attempts:        rec.DeliveryAttempts,
	}
}
