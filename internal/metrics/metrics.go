// Package metrics exposes the hub's Prometheus collectors and a host-stats
// snapshot for the admin API's /metrics and /healthz endpoints
// (SPEC_FULL.md §3 "Metrics & health").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics holds every Prometheus collector the hub exposes.
type Metrics struct {
	IngressQueueDepth   *prometheus.GaugeVec
	IngressWorkersBusy  *prometheus.GaugeVec
	FlowStoreSize       *prometheus.GaugeVec
	FlowStoreBytes      *prometheus.GaugeVec
	RuleCacheHits       *prometheus.CounterVec
	RuleCacheMisses     *prometheus.CounterVec
	DebugPending        *prometheus.GaugeVec
	DebugTimeoutsTotal  *prometheus.CounterVec
}

// New constructs a Metrics instance and registers its collectors with
// registerer (prometheus.DefaultRegisterer in production, a fresh registry
// in tests).
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngressQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hub_ingress_queue_depth", Help: "Connections queued awaiting an ingress worker"},
			nil,
		),
		IngressWorkersBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hub_ingress_workers_busy", Help: "Ingress workers currently handling a connection"},
			nil,
		),
		FlowStoreSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hub_flowstore_size", Help: "Flows currently held per project"},
			[]string{"project_id"},
		),
		FlowStoreBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hub_flowstore_bytes", Help: "Estimated flow bytes held per project"},
			[]string{"project_id"},
		),
		RuleCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hub_rule_cache_hits_total", Help: "Rule Store match-cache hits per project"},
			[]string{"project_id"},
		),
		RuleCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hub_rule_cache_misses_total", Help: "Rule Store match-cache misses per project"},
			[]string{"project_id"},
		),
		DebugPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hub_debug_pending", Help: "Pending Debug Requests awaiting resolution per project"},
			[]string{"project_id"},
		),
		DebugTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hub_debug_timeouts_total", Help: "Debug Requests that expired unresolved per project"},
			[]string{"project_id"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.IngressQueueDepth,
			m.IngressWorkersBusy,
			m.FlowStoreSize,
			m.FlowStoreBytes,
			m.RuleCacheHits,
			m.RuleCacheMisses,
			m.DebugPending,
			m.DebugTimeoutsTotal,
		)
	}
	return m
}

// HostStats is the host-level snapshot reported alongside the hub's own
// gauges on /healthz.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
}

// ReadHostStats samples instantaneous CPU and memory usage. A sampling
// failure on either dimension is reported back via err but the other
// dimension's result (if any) is still populated.
func ReadHostStats() (HostStats, error) {
	var stats HostStats
	var firstErr error

	if percents, err := cpu.Percent(0, false); err != nil {
		firstErr = err
	} else if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = vm.Used / (1024 * 1024)
		stats.MemoryTotalMB = vm.Total / (1024 * 1024)
	}

	return stats, firstErr
}
