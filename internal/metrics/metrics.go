// Package metrics instruments the invoke route with Prometheus
// counters and a latency histogram. gizmo's own server/metrics.go
// wraps a handler in a CounterByStatusXX built on a go-kit metrics
// provider; the go-kit indirection existed there to let a deployment
// swap between statsd/expvar/prometheus providers, which this gateway
// has no need for once every non-Prometheus provider package is gone
// (see DESIGN.md), so the counters are registered directly against
// prometheus/client_golang's default registry instead.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revolver",
		Name:      "requests_total",
		Help:      "Invocations handled by the gateway, by service, api and response status class.",
	}, []string{"service", "api", "status_class"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "revolver",
		Name:      "request_duration_seconds",
		Help:      "End-to-end latency of a gateway invocation, by service and api.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "api"})

	apiEnabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "revolver",
		Name:      "api_enabled",
		Help:      "1 if the (service, api) pair is currently enabled via the admin manage endpoints, 0 otherwise.",
	}, []string{"service", "api"})
)

// Observe records one completed invocation's outcome.
func Observe(service, api string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(service, api, statusClass(status)).Inc()
	requestDuration.WithLabelValues(service, api).Observe(elapsed.Seconds())
}

// SetAPIEnabled mirrors an admin.Flags toggle into the api_enabled gauge.
func SetAPIEnabled(service, api string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1.0
	}
	apiEnabled.WithLabelValues(service, api).Set(v)
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return strconv.Itoa(status)
	}
}

// Handler exposes the registered metrics for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}
