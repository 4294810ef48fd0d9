package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/revolver-gateway/internal/store"
)

func waitForState(t *testing.T, provider store.Provider, requestID string, want store.State, timeout time.Duration) store.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := provider.Get(context.Background(), requestID)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("record %q did not reach state %s within %s", requestID, want, timeout)
	return store.Record{}
}

func TestDispatcherDeliversSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb1",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 5, 2, 10, time.Hour, 0)
	defer d.Stop()
	d.Enqueue("cb1")

	waitForState(t, provider, "cb1", store.CallbackSent, 2*time.Second)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb2",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 2, 2, 10, time.Hour, 0)
	defer d.Stop()
	d.Enqueue("cb2")

	rec := waitForState(t, provider, "cb2", store.CallbackFailed, 5*time.Second)
	if rec.DeliveryAttempts != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", rec.DeliveryAttempts)
	}
}

func TestDispatcherRescuePicksUpOverflowedRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb3",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 5, 1, 10, time.Hour, time.Millisecond)
	defer d.Stop()
	// Never enqueued directly, simulating a queue-overflow drop; rescue
	// must find it via ListByState once it clears the grace threshold.
	time.Sleep(5 * time.Millisecond)
	d.rescue()

	waitForState(t, provider, "cb3", store.CallbackSent, 2*time.Second)
}

// TestRescueSkipsRecentlyTouchedRecord proves the grace-period filter
// itself: a record whose UpdatedAt is fresh (as it is for the whole
// span of an in-flight delivery, since deliver only calls UpdateState
// once the attempt resolves) must not be handed out by rescue.
func TestRescueSkipsRecentlyTouchedRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb-fresh",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 5, 1, 10, time.Hour, time.Hour)
	defer d.Stop()
	// Not enqueued; a freshly-saved record's UpdatedAt is within the
	// hour-long grace threshold, so the sweep must leave it alone.
	d.rescue()

	time.Sleep(50 * time.Millisecond)
	rec, err := provider.Get(ctx, "cb-fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != store.CallbackPending {
		t.Fatalf("expected the fresh record to remain CALLBACK_PENDING, got %s", rec.State)
	}
}

// TestRescueDoesNotDoubleDeliverInFlightRecord is the concurrent
// enqueue-and-rescue case the grace period exists for: a worker picks a
// record up and starts a slow POST, and a rescue sweep fires mid-flight.
// Without the age filter the sweep would re-enqueue the still-
// CALLBACK_PENDING record and a second worker would deliver it again.
func TestRescueDoesNotDoubleDeliverInFlightRecord(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb-race",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 5, 2, 10, time.Hour, time.Second)
	defer d.Stop()
	d.Enqueue("cb-race")

	// Give the worker time to pick the record up and start its POST
	// before the rescue sweep fires, so this exercises the mid-flight
	// window the grace period exists to protect.
	time.Sleep(20 * time.Millisecond)
	d.rescue()

	waitForState(t, provider, "cb-race", store.CallbackSent, 2*time.Second)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 delivery attempt, got %d", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt  int
		wantBase time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 60 * time.Second}, // capped
	}
	for _, c := range cases {
		d := backoff(c.attempt)
		lo := time.Duration(float64(c.wantBase) * 0.8)
		hi := time.Duration(float64(c.wantBase) * 1.2)
		if d < lo || d > hi {
			t.Errorf("backoff(%d) = %s, want within [%s, %s]", c.attempt, d, lo, hi)
		}
	}
}

func TestHopByHopHeadersAreStripped(t *testing.T) {
	var gotConnection, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := store.NewMemory(time.Hour)
	defer provider.Close()
	ctx := context.Background()
	_ = provider.Save(ctx, store.Record{
		RequestID:   "cb4",
		State:       store.CallbackPending,
		CallbackURL: srv.URL,
		ResponseHeaders: map[string][]string{
			"Connection":   {"keep-alive"},
			"Content-Type": {"application/json"},
		},
		ExpiresAt: time.Now().Add(time.Minute),
	})

	d := NewDispatcher(provider, time.Second, 5, 1, 10, time.Hour, 0)
	defer d.Stop()
	d.Enqueue("cb4")

	waitForState(t, provider, "cb4", store.CallbackSent, 2*time.Second)
	if gotConnection != "" {
		t.Fatalf("expected Connection header stripped, got %q", gotConnection)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected Content-Type forwarded, got %q", gotContentType)
	}
}
