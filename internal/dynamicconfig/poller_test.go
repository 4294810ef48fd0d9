package dynamicconfig

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/revolver-gateway/config"
)

func validPayload(service string) []byte {
	cfg := struct {
		Revolver config.Revolver `json:"revolver"`
	}{
		Revolver: config.Revolver{
			Services: []config.ServiceSpec{{
				Service: service,
				APIs:    []config.ApiSpec{{Name: "get_order", Path: "/orders/{id}"}},
			}},
		},
	}
	b, _ := json.Marshal(cfg)
	return b
}

func TestPollerAppliesFirstFetchImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(validPayload("orders"))
	}))
	defer srv.Close()

	var applied int32
	p := New(srv.URL, time.Hour, func(cfg *config.Revolver) error {
		atomic.AddInt32(&applied, 1)
		return nil
	})
	p.Start()
	defer p.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&applied) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&applied) != 1 {
		t.Fatalf("expected 1 apply, got %d", applied)
	}
}

func TestPollerSkipsUnchangedPayload(t *testing.T) {
	payload := validPayload("orders")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	var applied int32
	p := New(srv.URL, 30*time.Millisecond, func(cfg *config.Revolver) error {
		atomic.AddInt32(&applied, 1)
		return nil
	})
	p.Start()
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	if got := atomic.LoadInt32(&applied); got != 1 {
		t.Fatalf("expected exactly 1 apply for an unchanged payload across polls, got %d", got)
	}
}

func TestPollerRejectsInvalidConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"revolver": {"services": []}}`))
	}))
	defer srv.Close()

	var applied int32
	p := New(srv.URL, time.Hour, func(cfg *config.Revolver) error {
		atomic.AddInt32(&applied, 1)
		return nil
	})
	p.Start()
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	if got := atomic.LoadInt32(&applied); got != 0 {
		t.Fatalf("expected 0 applies for a config with zero services, got %d", got)
	}
}
