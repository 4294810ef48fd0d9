package engine

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/relaycore/revolver-gateway/config"
)

// idempotentMethods is the retry-eligible method set from spec §4.3.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// isTransient reports whether a round trip's outcome qualifies for
// retry: a transport-level error (connection reset, timeout before
// first byte) or a 5xx status.
func isTransient(err error, resp *http.Response) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.StatusCode >= 500
}

// withRetry runs do, making at most retry.MaxAttempts attempts in all
// (the first call included) when the method is idempotent and the
// outcome is transient; other methods get a single attempt. All attempts run
// against ctx, which the bulkhead has already bound to the
// compartment's timeout — retries are counted inside that budget, not
// additive to it, per spec §4.3.
func withRetry(ctx context.Context, method string, retry config.RetryPolicy, do func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !idempotentMethods[method] {
		maxAttempts = 1
	}

	var resp *http.Response
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err = do(ctx)
		if !isTransient(err, resp) {
			return resp, err
		}
		if attempt == maxAttempts {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return resp, err
}

// retryBackoff: 50ms doubling, capped at 500ms, jittered +/-20%.
func retryBackoff(attempt int) time.Duration {
	base := 50 * time.Millisecond * time.Duration(math.Pow(2, float64(attempt-1)))
	if base > 500*time.Millisecond {
		base = 500 * time.Millisecond
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * jitter)
}
