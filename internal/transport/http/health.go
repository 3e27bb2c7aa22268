package http

import (
	"context"
	stdhttp "net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports basic liveness for the service.
func HealthHandler(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(stdhttp.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReady reports readiness. A nil pinger is always ready.
func HandleReady(p Pinger) stdhttp.HandlerFunc {
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeError(w, stdhttp.StatusServiceUnavailable, "not_ready", "store unreachable")
				return
			}
		}
		HealthHandler(w, r)
	}
}
