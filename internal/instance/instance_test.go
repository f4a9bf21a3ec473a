package instance

import (
	"os"
	"testing"
)

func TestIDOverride(t *testing.T) {
	if got := ID("replica-7"); got != "replica-7" {
		t.Fatalf("expected override, got %q", got)
	}
}

func TestIDHostname(t *testing.T) {
	h, err := os.Hostname()
	if err != nil || h == "" {
		t.Skip("no hostname available")
	}
	if got := ID(""); got != h {
		t.Fatalf("expected %q, got %q", h, got)
	}
}
