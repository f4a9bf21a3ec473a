package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"bad input", BadInput("Field '%s' is required", "text"), http.StatusBadRequest, "Field 'text' is required"},
		{"misconfigured", Misconfigured("KEY not set"), http.StatusInternalServerError, "KEY not set"},
		{"rejected", Rejected(http.StatusForbidden, "Wrong key"), http.StatusForbidden, "Wrong key"},
		{"rejected odd status", Rejected(302, "moved"), http.StatusBadGateway, "moved"},
		{"unreachable", Unreachable("API unreachable: dial tcp", errors.New("dial tcp")), http.StatusServiceUnavailable, "API unreachable: dial tcp"},
		{"malformed", Malformed("Unexpected response", nil), http.StatusBadGateway, "Unexpected response"},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError, "boom"},
		{"plain error", errors.New("plain"), http.StatusInternalServerError, "plain"},
		{"wrapped", fmt.Errorf("ctx: %w", BadInput("nope")), http.StatusBadRequest, "nope"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, msg := Classify(c.err)
			if status != c.status {
				t.Fatalf("status: expected %d, got %d", c.status, status)
			}
			if msg != c.msg {
				t.Fatalf("message: expected %q, got %q", c.msg, msg)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("x")) != KindInternal {
		t.Fatal("plain error should be internal")
	}
	cause := errors.New("timeout")
	err := fmt.Errorf("call: %w", Unreachable("down", cause))
	if KindOf(err) != KindUpstreamUnreachable {
		t.Fatalf("got %s", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should stay reachable through Unwrap")
	}
}
