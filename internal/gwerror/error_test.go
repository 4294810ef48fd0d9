package gwerror

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestStatusMapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		NotFound:         http.StatusNotFound,
		APIDisabled:      http.StatusServiceUnavailable,
		Auth:             http.StatusUnauthorized,
		CapacityExceeded: http.StatusTooManyRequests,
		CircuitOpen:      http.StatusTooManyRequests,
		Timeout:          http.StatusGatewayTimeout,
		UpstreamFailure:  http.StatusBadGateway,
		BadRequest:       http.StatusBadRequest,
		Internal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Errorf("Status(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestKindOfDefaultsToInternalForForeignErrors(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Fatalf("KindOf(plain error) = %s, want INTERNAL", got)
	}
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(UpstreamFailure, cause, "upstream unreachable")
	if !errors.Is(err, cause) {
		t.Fatal("expected Wrap to preserve the cause for errors.Is")
	}
	if KindOf(err) != UpstreamFailure {
		t.Fatalf("KindOf = %s, want UPSTREAM_FAILURE", KindOf(err))
	}
}

func TestBodyForUsesMessageNotCauseText(t *testing.T) {
	err := Wrap(BadRequest, errors.New("json: unexpected EOF"), "malformed request body")
	body := BodyFor(err)
	if body.Error != string(BadRequest) {
		t.Fatalf("Error = %q, want %q", body.Error, BadRequest)
	}
	if body.Message != "malformed request body" {
		t.Fatalf("Message = %q, want the short message, not the cause", body.Message)
	}
}

func TestRetryAfterOfReportsOnlyWhenSet(t *testing.T) {
	if _, ok := RetryAfterOf(New(CircuitOpen, "open")); ok {
		t.Fatal("expected no RetryAfter when unset")
	}
	err := &Error{Kind: CapacityExceeded, Message: "full", RetryAfter: 5 * time.Second}
	got, ok := RetryAfterOf(err)
	if !ok || got != 5*time.Second {
		t.Fatalf("RetryAfterOf = %s, %v; want 5s, true", got, ok)
	}
}
