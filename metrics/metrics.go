// Package metrics exposes Prometheus counters and gauges for the data
// and control planes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector registered by edgelb.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	TargetTransitionsTotal *prometheus.CounterVec
	TargetsHealthy         *prometheus.GaugeVec
}

// New builds and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgelb_requests_total",
			Help: "Total forwarded requests by listener rule and outcome status.",
		}, []string{"rule", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgelb_request_duration_seconds",
			Help:    "Time spent forwarding a request to an upstream target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgelb_cache_hits_total",
			Help: "Total requests served from the response cache.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgelb_cache_misses_total",
			Help: "Total requests not found in the response cache.",
		}),
		TargetTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgelb_target_transitions_total",
			Help: "Total target health transitions by target group and direction.",
		}, []string{"group", "direction"}),
		TargetsHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgelb_targets_healthy",
			Help: "Current count of healthy targets by target group.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TargetTransitionsTotal,
		m.TargetsHealthy,
	)

	return m
}
