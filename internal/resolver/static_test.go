package resolver

import "testing"

func TestStaticResolveRoundRobins(t *testing.T) {
	s, err := NewStatic(map[string][]string{
		"orders": {"10.0.0.1:8080", "10.0.0.2:8080"},
	}, nil)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	first, err := s.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := s.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.Host == second.Host {
		t.Fatalf("expected round-robin to alternate hosts, got %s twice", first.Host)
	}
	third, err := s.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if third.Host != first.Host {
		t.Fatalf("expected round-robin to wrap back to %s, got %s", first.Host, third.Host)
	}
}

func TestStaticResolveUnknownServiceFails(t *testing.T) {
	s, err := NewStatic(map[string][]string{"orders": {"10.0.0.1:8080"}}, nil)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	if _, err := s.Resolve("nope"); err != ErrNoEndpoint {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestStaticInvalidEndpointRejected(t *testing.T) {
	if _, err := NewStatic(map[string][]string{"orders": {"not-a-host-port"}}, nil); err == nil {
		t.Fatal("expected an error for a malformed endpoint")
	}
}

func TestStaticInstancesReportUnknownHealth(t *testing.T) {
	s, err := NewStatic(map[string][]string{
		"orders": {"10.0.0.1:8080", "10.0.0.2:8080"},
	}, map[string]bool{"orders": true})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	instances := s.Instances("orders")
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.Status != HealthUnknown {
			t.Fatalf("expected status UNKNOWN for a static endpoint, got %s", inst.Status)
		}
		if !inst.Secure {
			t.Fatalf("expected secure=true to propagate from the service-level flag")
		}
	}
}
