package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveIncrementsCounterByStatusClass(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("orders", "get_order", "2xx"))
	Observe("orders", "get_order", 200, 10*time.Millisecond)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("orders", "get_order", "2xx"))
	if after != before+1 {
		t.Fatalf("expected 2xx counter to increment by 1, went from %v to %v", before, after)
	}
}

func TestObserveBucketsUnknownStatusByItsOwnCode(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("orders", "get_order", "0"))
	Observe("orders", "get_order", 0, time.Millisecond)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("orders", "get_order", "0"))
	if after != before+1 {
		t.Fatalf("expected the zero-status counter to increment by 1, went from %v to %v", before, after)
	}
}

func TestSetAPIEnabledReflectsCurrentState(t *testing.T) {
	SetAPIEnabled("orders", "get_order", false)
	if got := testutil.ToFloat64(apiEnabled.WithLabelValues("orders", "get_order")); got != 0 {
		t.Fatalf("expected api_enabled gauge to be 0, got %v", got)
	}
	SetAPIEnabled("orders", "get_order", true)
	if got := testutil.ToFloat64(apiEnabled.WithLabelValues("orders", "get_order")); got != 1 {
		t.Fatalf("expected api_enabled gauge to be 1, got %v", got)
	}
}
