// Package callback is the dispatcher from spec §4.7: a worker pool that
// POSTs completed CALLBACK_PENDING records to their caller-supplied
// callback_uri, with bounded retries and a background rescuer for
// anything the bounded queue had to drop. The delivery loop's shape —
// pick a pending item, attempt delivery, schedule a backoff retry or
// give up — follows hienhoceo-dpsmedia-Cold-Snap's worker.Run/deliver,
// adapted from its Postgres-polling model to pull straight from the
// gateway's own store.Provider.
package callback

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaycore/revolver-gateway/internal/store"
)

// hopByHop lists the header names stripped before forwarding a stored
// response to a callback_uri: the RFC 7230 hop-by-hop headers, plus
// Content-Length, which the outgoing POST sets from its own body.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// Dispatcher owns the bounded delivery queue, the worker pool draining
// it, and a background rescuer that rehydrates CALLBACK_PENDING records
// the queue had no room for.
type Dispatcher struct {
	provider    store.Provider
	client      *http.Client
	timeout     time.Duration
	maxAttempts int

	queue chan string

	rescueInterval time.Duration
	// graceThreshold is how stale a CALLBACK_PENDING record's UpdatedAt
	// must be before the rescuer will re-enqueue it. A record a worker
	// just picked up stays CALLBACK_PENDING for the whole in-flight POST
	// (deliver only calls UpdateState once it resolves), so without this
	// filter a sweep landing mid-delivery would re-enqueue and hand the
	// same record to a second worker, producing a duplicate POST to the
	// caller's callback_uri.
	graceThreshold time.Duration
	stop           chan struct{}
	wg             sync.WaitGroup
}

// NewDispatcher builds a Dispatcher. timeout bounds each callback POST
// (callback_timeout_ms from config, clamped to [1,30000]ms by
// config.Revolver.Validate). maxAttempts bounds delivery attempts
// before a record is marked CALLBACK_FAILED. graceThreshold is the
// minimum age (by UpdatedAt) a CALLBACK_PENDING record must reach before
// the rescuer will re-enqueue it, so an in-flight delivery isn't picked
// up a second time; it should comfortably exceed timeout, since a
// record's UpdatedAt doesn't move again until its delivery attempt
// resolves.
func NewDispatcher(provider store.Provider, timeout time.Duration, maxAttempts, workers, queueSize int, rescueInterval, graceThreshold time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if rescueInterval <= 0 {
		rescueInterval = 30 * time.Second
	}
	if graceThreshold <= 0 {
		graceThreshold = timeout*3 + 10*time.Second
	}
	d := &Dispatcher{
		provider:       provider,
		client:         &http.Client{},
		timeout:        timeout,
		maxAttempts:    maxAttempts,
		queue:          make(chan string, queueSize),
		rescueInterval: rescueInterval,
		graceThreshold: graceThreshold,
		stop:           make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.wg.Add(1)
	go d.rescueLoop()
	return d
}

// Enqueue offers a request id for delivery. It never blocks: if the
// queue is full the record stays CALLBACK_PENDING in the store and the
// background rescuer will pick it up on its next sweep, per spec §4.7's
// backpressure rule ("do not lose them").
func (d *Dispatcher) Enqueue(requestID string) {
	select {
	case d.queue <- requestID:
	default:
		log.WithField("request_id", requestID).Warn("callback: queue full, deferring to rescuer")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case id := <-d.queue:
			d.deliver(id)
		}
	}
}

func (d *Dispatcher) rescueLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.rescueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.rescue()
		}
	}
}

// rescue re-enqueues CALLBACK_PENDING records the bounded queue
// previously dropped. Only records whose UpdatedAt is older than
// graceThreshold are eligible, so a record a worker is still actively
// delivering (still CALLBACK_PENDING, but recently touched) is left
// alone rather than handed to a second worker concurrently.
func (d *Dispatcher) rescue() {
	pending, err := d.provider.ListByState(context.Background(), store.CallbackPending)
	if err != nil {
		log.WithError(err).Warn("callback: rescue sweep failed")
		return
	}
	cutoff := time.Now().Add(-d.graceThreshold)
	for _, rec := range pending {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		d.Enqueue(rec.RequestID)
	}
}

func (d *Dispatcher) deliver(requestID string) {
	ctx := context.Background()
	rec, err := d.provider.Get(ctx, requestID)
	if err != nil {
		return
	}
	if rec.State != store.CallbackPending {
		return
	}
	if rec.CallbackURL == "" {
		log.WithField("request_id", requestID).Error("callback: CALLBACK_PENDING record has no callback_uri")
		_, _ = d.provider.UpdateState(ctx, requestID, store.CallbackFailed, store.Patch{})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rec.CallbackURL, bytes.NewReader(rec.ResponseBody))
	if err != nil {
		log.WithField("request_id", requestID).WithError(err).Error("callback: unable to build request")
		d.retryOrFail(ctx, rec)
		return
	}
	for name, values := range rec.ResponseHeaders {
		if hopByHop[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := d.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := d.provider.UpdateState(ctx, requestID, store.CallbackSent, store.Patch{}); err != nil {
			log.WithField("request_id", requestID).WithError(err).Warn("callback: unable to record CALLBACK_SENT")
		}
		return
	}
	if err != nil {
		log.WithField("request_id", requestID).WithError(err).Warn("callback: delivery attempt failed")
	} else {
		log.WithField("request_id", requestID).WithField("status", resp.StatusCode).Warn("callback: non-2xx from caller")
	}
	d.retryOrFail(ctx, rec)
}

func (d *Dispatcher) retryOrFail(ctx context.Context, rec store.Record) {
	attempts := rec.DeliveryAttempts + 1
	if attempts >= d.maxAttempts {
		if _, err := d.provider.UpdateState(ctx, rec.RequestID, store.CallbackFailed, store.Patch{DeliveryAttempts: &attempts}); err != nil {
			log.WithField("request_id", rec.RequestID).WithError(err).Warn("callback: unable to record CALLBACK_FAILED")
		}
		return
	}
	if _, err := d.provider.UpdateState(ctx, rec.RequestID, store.CallbackPending, store.Patch{DeliveryAttempts: &attempts}); err != nil {
		log.WithField("request_id", rec.RequestID).WithError(err).Warn("callback: unable to record retry attempt")
		return
	}
	delay := backoff(attempts)
	time.AfterFunc(delay, func() { d.Enqueue(rec.RequestID) })
}

// backoff computes the delay before retry number attempt (1-indexed):
// 1s, doubling each attempt, capped at 60s, jittered +/-20% per §4.7.
func backoff(attempt int) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt-1)))
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	jitter := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(base) * jitter)
}

// Stop halts the worker pool and rescue loop. In-flight deliveries are
// allowed to finish; queued-but-unstarted ids are abandoned to the
// store's persisted CALLBACK_PENDING state for the next process's
// rescuer to pick up.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}
