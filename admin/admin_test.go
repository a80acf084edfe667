package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/cache"
	"github.com/edgelb/edgelb/connpool"
	"github.com/edgelb/edgelb/metrics"
)

func TestHealthzAndReadyzReturnOK(t *testing.T) {
	r := NewRouter(zerolog.Nop(), nil, nil, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	met := metrics.New()
	r := NewRouter(zerolog.Nop(), met, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestDebugTargetsReflectsGroupPools(t *testing.T) {
	gp := &connpool.GroupPools{}
	pool := connpool.NewTargetConnectionPool("127.0.0.1:9", "", 1, time.Second)
	gp.SetPools([]*connpool.TargetConnectionPool{pool})

	r := NewRouter(zerolog.Nop(), nil, map[string]*connpool.GroupPools{"api": gp}, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/targets", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "127.0.0.1:9") {
		t.Errorf("body %q missing expected target addr", rec.Body.String())
	}
}

func TestDebugCacheOmittedWhenCacheDisabled(t *testing.T) {
	r := NewRouter(zerolog.Nop(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/cache", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when cache is nil", rec.Code)
	}
}

func TestDebugCacheReportsEntryCount(t *testing.T) {
	c := cache.New(time.Hour)
	defer c.Close()
	c.Set("/x", http.StatusOK, http.Header{}, []byte("ok"))

	r := NewRouter(zerolog.Nop(), nil, nil, c)

	req := httptest.NewRequest(http.MethodGet, "/debug/cache", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":1`) {
		t.Errorf("body %q missing entry count", rec.Body.String())
	}
}

func TestDebugCacheReportsPerKeyHitCount(t *testing.T) {
	c := cache.New(time.Hour)
	defer c.Close()
	c.Set("/x", http.StatusOK, http.Header{}, []byte("ok"))
	c.Get("/x")
	c.Get("/x")

	r := NewRouter(zerolog.Nop(), nil, nil, c)

	req := httptest.NewRequest(http.MethodGet, "/debug/cache", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"key":"/x"`) {
		t.Errorf("body %q missing key entry", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"hits":2`) {
		t.Errorf("body %q missing hit count, want hits:2", rec.Body.String())
	}
}
