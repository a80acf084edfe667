// Package admin builds the read-only introspection HTTP surface: health
// and readiness probes, Prometheus metrics, and debug endpoints over
// current target and cache state. This is intentionally separate from
// the raw-TCP data plane in package loadbalancer.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/cache"
	"github.com/edgelb/edgelb/connpool"
	"github.com/edgelb/edgelb/metrics"
)

// TargetGroupStatus summarizes one group's current healthy pool list for
// the /debug/targets endpoint.
type TargetGroupStatus struct {
	Name    string   `json:"name"`
	Healthy []string `json:"healthy_targets"`
}

// cacheStatus is the /debug/cache response: the total entry count plus a
// per-key hit count snapshot.
type cacheStatus struct {
	Entries int                `json:"entries"`
	Keys    []cache.EntryStats `json:"keys"`
}

// NewRouter builds the admin chi.Router.
func NewRouter(log zerolog.Logger, met *metrics.Metrics, groups map[string]*connpool.GroupPools, c *cache.Cache) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if met != nil {
		r.Handle("/metrics", promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/debug/targets", func(w http.ResponseWriter, r *http.Request) {
		out := make([]TargetGroupStatus, 0, len(groups))
		for name, gp := range groups {
			snapshot := gp.Snapshot()
			addrs := make([]string, len(snapshot))
			for i, p := range snapshot {
				addrs[i] = p.Addr()
			}
			out = append(out, TargetGroupStatus{Name: name, Healthy: addrs})
		}
		writeJSON(w, out)
	})

	if c != nil {
		r.Get("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, cacheStatus{Entries: c.Len(), Keys: c.Stats()})
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// securityHeaders sets the standard defensive headers on every admin
// response. The admin surface is read-only and unauthenticated by
// design (bind it to a private interface), so this is hardening rather
// than access control.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per admin request at debug level, in the
// teacher's wrapped-response-writer style.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("admin request")
		})
	}
}
