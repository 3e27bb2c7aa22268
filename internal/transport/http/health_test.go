package http

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_OK(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	HealthHandler(rec, req)

	res := rec.Result()
	if res.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", res.StatusCode)
	}

	body := rec.Body.String()
	if body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		pinger Pinger
		want   int
	}{
		{name: "no store", pinger: nil, want: 200},
		{name: "reachable", pinger: pingFunc(func(context.Context) error { return nil }), want: 200},
		{name: "unreachable", pinger: pingFunc(func(context.Context) error { return errors.New("refused") }), want: 503},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			HandleReady(tt.pinger).ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
