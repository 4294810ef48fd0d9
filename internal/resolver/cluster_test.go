package resolver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// consulHealthEntry mirrors the subset of consulapi.ServiceEntry's JSON
// shape that Cluster.refresh reads: Node/Service address and port, and
// a Checks array whose aggregated status decides HEALTHY vs UNHEALTHY.
type consulHealthEntry struct {
	Node struct {
		Address string
	}
	Service struct {
		Address string
		Port    int
	}
	Checks []struct {
		Status string
	}
}

func newEntry(addr string, port int, status string) consulHealthEntry {
	e := consulHealthEntry{}
	e.Service.Address = addr
	e.Service.Port = port
	e.Checks = []struct{ Status string }{{Status: status}}
	return e
}

// fakeConsul serves /v1/health/service/<name> with a swappable response,
// standing in for a real Consul agent's health-checked catalog.
type fakeConsul struct {
	srv     *httptest.Server
	entries atomic.Value // map[string][]consulHealthEntry
	fail    atomic.Bool
}

func newFakeConsul(t *testing.T) *fakeConsul {
	t.Helper()
	fc := &fakeConsul{}
	fc.entries.Store(map[string][]consulHealthEntry{})
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fc.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		service := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		byService := fc.entries.Load().(map[string][]consulHealthEntry)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(byService[service])
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeConsul) setEntries(service string, entries []consulHealthEntry) {
	fc.entries.Store(map[string][]consulHealthEntry{service: entries})
}

func (fc *fakeConsul) addr() string {
	return strings.TrimPrefix(fc.srv.URL, "http://")
}

func TestClusterResolveOnlyPicksHealthyEndpoint(t *testing.T) {
	fc := newFakeConsul(t)
	fc.setEntries("orders", []consulHealthEntry{
		newEntry("10.0.0.1", 8080, "passing"),
		newEntry("10.0.0.2", 8080, "critical"),
	})

	c, err := NewCluster(fc.addr(), []string{"orders"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	instances := c.Instances("orders")
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}

	for i := 0; i < 10; i++ {
		ep, err := c.Resolve("orders")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if ep.Host != "10.0.0.1" {
			t.Fatalf("expected only the healthy endpoint to be resolved, got %s", ep.Host)
		}
		if ep.Status != HealthHealthy {
			t.Fatalf("expected resolved endpoint to report HEALTHY, got %s", ep.Status)
		}
	}
}

func TestClusterResolveNoHealthyReturnsErrNoEndpoint(t *testing.T) {
	fc := newFakeConsul(t)
	fc.setEntries("orders", []consulHealthEntry{
		newEntry("10.0.0.1", 8080, "critical"),
	})

	c, err := NewCluster(fc.addr(), []string{"orders"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	if _, err := c.Resolve("orders"); err != ErrNoEndpoint {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestClusterInstancesReportSecureFromServiceMap(t *testing.T) {
	fc := newFakeConsul(t)
	fc.setEntries("orders", []consulHealthEntry{
		newEntry("10.0.0.1", 8443, "passing"),
	})

	c, err := NewCluster(fc.addr(), []string{"orders"}, map[string]bool{"orders": true}, time.Hour)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	instances := c.Instances("orders")
	if len(instances) != 1 || !instances[0].Secure {
		t.Fatalf("expected the sole instance to be marked secure, got %+v", instances)
	}
}

func TestClusterRefreshKeepsStaleSnapshotOnConsulError(t *testing.T) {
	fc := newFakeConsul(t)
	fc.setEntries("orders", []consulHealthEntry{
		newEntry("10.0.0.1", 8080, "passing"),
	})

	c, err := NewCluster(fc.addr(), []string{"orders"}, nil, time.Hour)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	before := c.Instances("orders")
	if len(before) != 1 {
		t.Fatalf("expected 1 instance before the error, got %d", len(before))
	}

	fc.fail.Store(true)
	c.refresh()

	after := c.Instances("orders")
	if len(after) != 1 || after[0].Host != before[0].Host {
		t.Fatalf("expected refresh to keep the stale snapshot on error, got %+v", after)
	}
}

func TestClusterCloseStopsBackgroundRefresh(t *testing.T) {
	fc := newFakeConsul(t)
	fc.setEntries("orders", []consulHealthEntry{newEntry("10.0.0.1", 8080, "passing")})

	c, err := NewCluster(fc.addr(), []string{"orders"}, nil, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Close()
	c.Close() // must tolerate a second Close without panicking
}
