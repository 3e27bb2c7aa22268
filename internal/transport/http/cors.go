package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	corsAllowMethods  = "GET, POST, PATCH, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Idempotency-Key, Traceparent"
	corsExposeHeaders = "Retry-After"
	corsMaxAge        = 10 * time.Minute
)

// corsPolicy is an origin allow-list. A "*" entry admits every origin.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(origins []string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) admits(origin string) bool {
	if p.any {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func (p corsPolicy) stamp(h http.Header, origin string) {
	if p.any {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// CORS answers preflights for admitted origins and annotates their responses.
// Preflights from other origins get 403; their plain requests pass through unannotated.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			next.ServeHTTP(w, r)
		case !policy.admits(origin):
			if isPreflight(r) {
				writeError(w, http.StatusForbidden, codeForbidden, "origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		case isPreflight(r):
			policy.stamp(w.Header(), origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", maxAge)
			w.WriteHeader(http.StatusNoContent)
		default:
			policy.stamp(w.Header(), origin)
			next.ServeHTTP(w, r)
		}
	})
}
