// Package healthmonitor implements the control-plane loop that probes
// each health-checked target group on an interval, moving targets
// between a group's healthy and unhealthy partitions as their tagged
// failure/success counters cross the configured thresholds.
package healthmonitor

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/config"
	"github.com/edgelb/edgelb/connpool"
	"github.com/edgelb/edgelb/metrics"
)

// target pairs one data-plane pool with an isolated capacity-1 probe
// pool dialing the same address, plus its tagged health counter. The
// data-plane pool is the exact object the forwarding path selects from;
// demotion/promotion only ever moves this pointer between a group's live
// pool list and the health monitor's own healthy/unhealthy lists, it is
// never recreated.
type target struct {
	dataPlanePool *connpool.TargetConnectionPool
	probe         *connpool.TargetConnectionPool
	stats         HealthCheckStats
}

// groupCheck is one target group's health-check state.
type groupCheck struct {
	name      string
	source    *connpool.GroupPools
	healthy   []*target
	unhealthy []*target

	path             string
	timeout          time.Duration
	interval         time.Duration
	successThreshold int
	failureThreshold int

	log zerolog.Logger
	met *metrics.Metrics
}

// Monitor runs one goroutine per enabled, health-checked target group.
type Monitor struct {
	groups []*groupCheck
	log    zerolog.Logger
}

// New builds a Monitor for every target group whose health check is
// enabled. Groups with health checking disabled, or absent from cfg
// entirely, are silently skipped. If no group has health checking
// enabled, New returns nil — there is nothing to run. met may be nil, in
// which case no metrics are recorded.
func New(probePools map[string]*connpool.GroupPools, dataPlanePools *connpool.TargetGroupsConnectionPools, cfg map[string]config.TargetGroup, log zerolog.Logger, met *metrics.Metrics) *Monitor {
	var groups []*groupCheck

	for name, probe := range probePools {
		tgCfg, ok := cfg[name]
		if !ok || !tgCfg.HealthCheck.Enabled {
			continue
		}

		source := dataPlanePools.GetPoolForGroup(name)
		if source == nil {
			continue
		}

		probeSnapshot := probe.Snapshot()
		dataSnapshot := source.Snapshot()
		if len(probeSnapshot) != len(dataSnapshot) {
			continue
		}

		healthy := make([]*target, len(probeSnapshot))
		for i := range probeSnapshot {
			healthy[i] = &target{
				dataPlanePool: dataSnapshot[i],
				probe:         probeSnapshot[i],
				stats:         NewHealthy(),
			}
		}

		groups = append(groups, &groupCheck{
			name:             name,
			source:           source,
			healthy:          healthy,
			path:             tgCfg.HealthCheck.Path,
			timeout:          tgCfg.HealthCheck.Timeout,
			interval:         tgCfg.HealthCheck.Interval,
			successThreshold: tgCfg.HealthCheck.SuccessThreshold,
			failureThreshold: tgCfg.HealthCheck.FailureThreshold,
			log:              log.With().Str("component", "healthmonitor").Str("target_group", name).Logger(),
			met:              met,
		})
	}

	if len(groups) == 0 {
		return nil
	}

	for _, g := range groups {
		g.reportGauge()
	}

	return &Monitor{groups: groups, log: log.With().Str("component", "healthmonitor").Logger()}
}

func (g *groupCheck) reportGauge() {
	if g.met == nil {
		return
	}
	g.met.TargetsHealthy.WithLabelValues(g.name).Set(float64(len(g.healthy)))
}

// Run starts every group's probe cycle and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	done := make(chan struct{}, len(m.groups))
	for _, g := range m.groups {
		g := g
		go func() {
			g.runCycleLoop(ctx)
			done <- struct{}{}
		}()
	}
	for range m.groups {
		<-done
	}
}

func (g *groupCheck) runCycleLoop(ctx context.Context) {
	for {
		start := time.Now()
		g.runCycle(ctx)
		elapsed := time.Since(start)

		remaining := g.interval - elapsed
		if remaining < 0 {
			remaining = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// runCycle probes the healthy list and demotes any target that crossed
// its failure threshold, then probes the unhealthy list and promotes any
// target that crossed its success threshold. This ordering (probe-then-
// migrate, healthy pass before unhealthy pass) matches the two-pass
// design. A target demoted in this cycle is probed again in the unhealthy
// pass; with a success threshold of at least 1 it cannot be promoted
// within the same cycle.
func (g *groupCheck) runCycle(ctx context.Context) {
	toDemote := g.probe(ctx, g.healthy, false)
	g.demote(toDemote)

	toPromote := g.probe(ctx, g.unhealthy, true)
	g.promote(toPromote)
}

// probe issues one health check against every target in list and
// collects the indices that should migrate: out of the healthy list
// (wantHealthy=false, so a target that just measured unhealthy migrates)
// or out of the unhealthy list (wantHealthy=true, so a target that just
// measured healthy migrates). Indices are returned in ascending order.
func (g *groupCheck) probe(ctx context.Context, list []*target, wantHealthy bool) []int {
	var migrate []int
	for i, t := range list {
		healthyNow := g.probeOne(ctx, t)
		if healthyNow == wantHealthy {
			migrate = append(migrate, i)
		}
	}
	return migrate
}

// probeOne issues one GET probe against t, registers the outcome on its
// tagged counter, and returns whether the counter's threshold evaluation
// now says the target is healthy.
func (g *groupCheck) probeOne(ctx context.Context, t *target) bool {
	success := g.doProbe(ctx, t)
	t.stats.Register(success)
	return t.stats.CheckHealth(g.failureThreshold, g.successThreshold)
}

func (g *groupCheck) doProbe(ctx context.Context, t *target) bool {
	probeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	path := g.path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequest(http.MethodGet, "http://"+t.probe.Addr()+path, nil)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to build health check request")
		return false
	}

	type result struct {
		status int
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := t.probe.Acquire(probeCtx)
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer t.probe.Release(conn)

		resp, err := conn.Do(req)
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		resultCh <- result{status: resp.StatusCode}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			g.log.Debug().Err(r.err).Str("addr", t.probe.Addr()).Msg("health check probe failed")
			return false
		}
		if r.status != http.StatusOK {
			g.log.Debug().Int("status", r.status).Str("addr", t.probe.Addr()).Msg("health check probe returned non-200")
			return false
		}
		return true
	case <-probeCtx.Done():
		g.log.Debug().Str("addr", t.probe.Addr()).Msg("health check probe timed out")
		return false
	}
}

// demote removes each index in indices (healthy list positions) from
// both the healthy list and the live data-plane pool list, in descending
// order so earlier removals never invalidate later indices, and appends
// the removed targets to the unhealthy list with a freshly reset counter.
func (g *groupCheck) demote(indices []int) {
	if len(indices) == 0 {
		return
	}

	g.source.Lock()
	defer g.source.Unlock()
	pools := g.source.Pools()

	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if idx >= len(pools) || idx >= len(g.healthy) {
			continue
		}

		pools = append(pools[:idx], pools[idx+1:]...)

		t := g.healthy[idx]
		g.healthy = append(g.healthy[:idx], g.healthy[idx+1:]...)
		t.stats = NewUnhealthy()
		g.unhealthy = append(g.unhealthy, t)

		g.log.Warn().Str("addr", t.dataPlanePool.Addr()).Msg("target demoted to unhealthy")
		if g.met != nil {
			g.met.TargetTransitionsTotal.WithLabelValues(g.name, "demote").Inc()
		}
	}

	g.source.SetPools(pools)
	g.reportGauge()
}

// promote removes each index in indices (unhealthy list positions) from
// the unhealthy list in descending order and appends the underlying
// data-plane pool back onto the live pool list and the healthy list,
// with a freshly reset counter.
func (g *groupCheck) promote(indices []int) {
	if len(indices) == 0 {
		return
	}

	g.source.Lock()
	defer g.source.Unlock()
	pools := g.source.Pools()

	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if idx >= len(g.unhealthy) {
			continue
		}

		t := g.unhealthy[idx]
		g.unhealthy = append(g.unhealthy[:idx], g.unhealthy[idx+1:]...)
		t.stats = NewHealthy()
		g.healthy = append(g.healthy, t)
		pools = append(pools, t.dataPlanePool)

		g.log.Warn().Str("addr", t.dataPlanePool.Addr()).Msg("target promoted to healthy")
		if g.met != nil {
			g.met.TargetTransitionsTotal.WithLabelValues(g.name, "promote").Inc()
		}
	}

	g.source.SetPools(pools)
	g.reportGauge()
}
