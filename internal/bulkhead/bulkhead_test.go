package bulkhead

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaycore/revolver-gateway/config"
	"github.com/relaycore/revolver-gateway/internal/gwerror"
)

func testRegistry(t *testing.T, name string, rt config.RuntimeConfig) *Compartment {
	t.Helper()
	return testRegistryGen(t, t.Name(), name, rt)
}

func testRegistryGen(t *testing.T, generation, name string, rt config.RuntimeConfig) *Compartment {
	t.Helper()
	reg := NewRegistry(generation, config.RuntimeConfig{}, []config.ServiceSpec{
		{
			Service: "svc",
			APIs: []config.ApiSpec{
				{Name: name, Runtime: rt},
			},
		},
	})
	c, ok := reg.Get("svc", name)
	if !ok {
		t.Fatalf("compartment %q was not registered", name)
	}
	return c
}

func TestExecuteSuccess(t *testing.T) {
	c := testRegistry(t, "ok", config.RuntimeConfig{TimeoutMS: 200, Concurrency: 4})
	v, err := c.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(string) != "hello" {
		t.Fatalf("got %v", v)
	}
}

func TestExecutePropagatesUpstreamError(t *testing.T) {
	c := testRegistry(t, "upstream-err", config.RuntimeConfig{TimeoutMS: 200, Concurrency: 4})
	wantErr := errors.New("boom")
	_, err := c.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	c := testRegistry(t, "slow", config.RuntimeConfig{TimeoutMS: 20, Concurrency: 4})
	_, err := c.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if gwerror.KindOf(err) != gwerror.Timeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestExecuteCapacityExceeded(t *testing.T) {
	c := testRegistry(t, "narrow", config.RuntimeConfig{TimeoutMS: 500, Concurrency: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	go c.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	_, err := c.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	close(release)
	if gwerror.KindOf(err) != gwerror.CapacityExceeded {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %v", err)
	}
	if retryAfter, ok := gwerror.RetryAfterOf(err); !ok || retryAfter != c.SleepWindow {
		t.Fatalf("expected RetryAfter = %s, got %s (ok=%v)", c.SleepWindow, retryAfter, ok)
	}
}

func TestCurrentStateDefaultsToClosed(t *testing.T) {
	c := testRegistry(t, "fresh", config.RuntimeConfig{TimeoutMS: 200, Concurrency: 4})
	if c.CurrentState() != Closed {
		t.Fatalf("expected CLOSED for an untripped circuit")
	}
}

// TestReloadGenerationGetsFreshBreakerState exercises the actual
// Gateway.Reload path this package supports: a rebuilt Registry for the
// same (service, api) must not inherit the outgoing generation's
// tripped circuit, since hystrix-go's command registry is keyed by name
// and process-wide and never resets accumulated state on
// ConfigureCommand alone.
func TestReloadGenerationGetsFreshBreakerState(t *testing.T) {
	rt := config.RuntimeConfig{
		TimeoutMS:   200,
		Concurrency: 10,
		Circuit: config.CircuitSpec{
			ErrorThresholdPercent: 1,
			RequestVolume:         1,
			SleepWindowMS:         60000,
		},
	}

	before := testRegistryGen(t, "gen-1", "reload-target", rt)
	failErr := errors.New("boom")
	for i := 0; i < 10; i++ {
		before.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, failErr
		})
	}
	if before.CurrentState() != Open {
		t.Fatalf("expected generation gen-1's circuit to trip open, got %s", before.CurrentState())
	}

	after := testRegistryGen(t, "gen-2", "reload-target", rt)
	if after.CurrentState() != Closed {
		t.Fatalf("expected generation gen-2's circuit to start CLOSED despite gen-1's history, got %s", after.CurrentState())
	}
}

func TestMergeRuntimeOverridesOnlyNonZero(t *testing.T) {
	global := config.RuntimeConfig{
		TimeoutMS:   1000,
		Concurrency: 10,
		Circuit: config.CircuitSpec{
			ErrorThresholdPercent: 50,
			RequestVolume:         20,
			SleepWindowMS:         5000,
		},
	}
	override := config.RuntimeConfig{TimeoutMS: 250}
	merged := mergeRuntime(global, override)
	if merged.TimeoutMS != 250 {
		t.Fatalf("expected override timeout, got %d", merged.TimeoutMS)
	}
	if merged.Concurrency != 10 {
		t.Fatalf("expected global concurrency preserved, got %d", merged.Concurrency)
	}
}
