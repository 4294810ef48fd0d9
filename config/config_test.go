package config

import "testing"

func TestValidateZeroAPIsInvalid(t *testing.T) {
	r := &Revolver{
		Services: []ServiceSpec{{Service: "payments"}},
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for a service with zero APIs")
	}
}

func TestValidateDuplicatePathParamInvalid(t *testing.T) {
	r := &Revolver{
		Services: []ServiceSpec{{
			Service: "payments",
			APIs: []ApiSpec{{
				Name: "getOrder",
				Path: "/orders/{id}/items/{id}",
			}},
		}},
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for a path template reusing {id}")
	}
}

func TestValidateClampsCallbackTimeout(t *testing.T) {
	r := &Revolver{
		Services: []ServiceSpec{{
			Service: "payments",
			APIs:    []ApiSpec{{Name: "getOrder", Path: "/orders/{id}"}},
		}},
		CallbackTimeout: 999999,
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if r.CallbackTimeout != 30000 {
		t.Fatalf("expected callback timeout clamped to 30000, got %d", r.CallbackTimeout)
	}
}

func TestValidateOK(t *testing.T) {
	r := &Revolver{
		Services: []ServiceSpec{{
			Service: "payments",
			APIs: []ApiSpec{
				{Name: "latest", Path: "/orders/latest"},
				{Name: "byID", Path: "/orders/{id}"},
			},
		}},
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.Revolver.ConfigPollIntervalSeconds != 600 {
		t.Fatalf("expected default poll interval of 600, got %d", c.Revolver.ConfigPollIntervalSeconds)
	}
}
