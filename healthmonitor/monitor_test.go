package healthmonitor

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/connpool"
)

func startProbeServer(t *testing.T, status int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func TestDemoteAndPromoteKeepListsIndexAligned(t *testing.T) {
	addrHealthy := startProbeServer(t, http.StatusOK)
	addrDown := startProbeServer(t, http.StatusServiceUnavailable)

	dataPools := []*connpool.TargetConnectionPool{
		connpool.NewTargetConnectionPool(addrHealthy, "", 4, time.Second),
		connpool.NewTargetConnectionPool(addrDown, "", 4, time.Second),
	}
	probePools := []*connpool.TargetConnectionPool{
		dataPools[0].CreateHealthCheckPool(),
		dataPools[1].CreateHealthCheckPool(),
	}

	g := &groupCheck{
		name:             "api",
		source:           &connpool.GroupPools{},
		failureThreshold: 1,
		successThreshold: 1,
		timeout:          500 * time.Millisecond,
		interval:          time.Second,
		log:              zerolog.Nop(),
	}
	g.source.SetPools(append([]*connpool.TargetConnectionPool{}, dataPools...))
	for i := range dataPools {
		g.healthy = append(g.healthy, &target{dataPlanePool: dataPools[i], probe: probePools[i], stats: NewHealthy()})
	}

	ctx := context.Background()

	// First cycle: addrDown should fail enough to cross the failure
	// threshold and be demoted.
	for i := 0; i < 3; i++ {
		toDemote := g.probe(ctx, g.healthy, false)
		g.demote(toDemote)
	}

	if len(g.healthy) != 1 || g.healthy[0].dataPlanePool.Addr() != addrHealthy {
		t.Fatalf("expected only the healthy target to remain healthy, got %+v", g.healthy)
	}
	if len(g.unhealthy) != 1 || g.unhealthy[0].dataPlanePool.Addr() != addrDown {
		t.Fatalf("expected the down target to be demoted, got %+v", g.unhealthy)
	}
	if g.source.Len() != 1 {
		t.Fatalf("expected source pool list to shrink to 1, got %d", g.source.Len())
	}

	// Flip the down server to healthy and run the unhealthy-list probe
	// pass until it crosses the success threshold.
	for i := 0; i < 3; i++ {
		g.unhealthy[0].probe = connpool.NewTargetConnectionPool(addrHealthy, "", 1, time.Second)
		toPromote := g.probe(ctx, g.unhealthy, true)
		g.promote(toPromote)
		if len(g.unhealthy) == 0 {
			break
		}
	}

	if len(g.unhealthy) != 0 {
		t.Fatalf("expected target to be promoted back to healthy, still unhealthy: %+v", g.unhealthy)
	}
	if len(g.healthy) != 2 {
		t.Fatalf("expected both targets healthy again, got %d", len(g.healthy))
	}
	if g.source.Len() != 2 {
		t.Fatalf("expected source pool list restored to 2, got %d", g.source.Len())
	}
}
