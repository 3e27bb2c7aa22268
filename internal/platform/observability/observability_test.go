package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("stockroom", "debug")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("expected debug to be enabled")
	}

	if _, err := NewLogger("stockroom", "loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestSetup_WithoutEndpointInstallsPropagator(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "stockroom"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	carrier := propagation.MapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)

	out := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, out)
	if out["traceparent"] != carrier["traceparent"] {
		t.Fatalf("expected trace context to round-trip, got %q", out["traceparent"])
	}
}

func TestSetup_WithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		ServiceName:    "stockroom",
		ServiceVersion: "test",
		Endpoint:       "localhost:4318",
		Insecure:       true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)

	logger := WithOTelBridge(mustLogger(t), "stockroom", "info")
	logger.Info("bridge smoke test")
}

func mustLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := NewLogger("stockroom", "info")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}
