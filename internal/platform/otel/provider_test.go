package otel_test

import (
	"context"
	"testing"

	"github.com/briangreenhill/statcache/internal/platform/otel"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	shutdown, err := otel.Setup(context.Background(), "statcache-test", "http://localhost:4318", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := otel.Setup(context.Background(), "statcache-test", "", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// non-routable, nothing is exported before shutdown
	shutdown, err := otel.Setup(context.Background(), "statcache-test", "http://192.0.2.1:4318", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
