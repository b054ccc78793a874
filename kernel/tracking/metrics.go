package tracking

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the per-ring counters as prometheus metrics. The
// ring stats structs remain the source of truth; the collector only
// snapshots them at scrape time.
type Collector struct {
	registry *Registry

	pushes       *prometheus.Desc
	backpressure *prometheus.Desc
	drains       *prometheus.Desc
	drained      *prometheus.Desc
	reprotects   *prometheus.Desc
	rejected     *prometheus.Desc
	breaches     *prometheus.Desc
	used         *prometheus.Desc
}

// NewCollector creates a collector over the registry's rings.
func NewCollector(registry *Registry) *Collector {
	labels := []string{"context"}
	return &Collector{
		registry: registry,
		pushes: prometheus.NewDesc("pagetrack_pushes_total",
			"Dirty notifications published into the ring.", labels, nil),
		backpressure: prometheus.NewDesc("pagetrack_backpressure_total",
			"Soft-full signals raised and foreign pushes refused.", labels, nil),
		drains: prometheus.NewDesc("pagetrack_drains_total",
			"Drain invocations that visited at least one entry.", labels, nil),
		drained: prometheus.NewDesc("pagetrack_entries_drained_total",
			"Entries consumed by drains.", labels, nil),
		reprotects: prometheus.NewDesc("pagetrack_reprotect_calls_total",
			"Coalesced runs flushed to the reprotect primitive.", labels, nil),
		rejected: prometheus.NewDesc("pagetrack_rejected_fetch_total",
			"Drains refused because the fetch index was out of range.", labels, nil),
		breaches: prometheus.NewDesc("pagetrack_invariant_breaches_total",
			"Pushes observed past hard ring capacity.", labels, nil),
		used: prometheus.NewDesc("pagetrack_ring_used",
			"Entries currently published but not drained.", labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pushes
	ch <- c.backpressure
	ch <- c.drains
	ch <- c.drained
	ch <- c.reprotects
	ch <- c.rejected
	ch <- c.breaches
	ch <- c.used
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.mu.RLock()
	rings := make(map[ContextID]*Ring, len(c.registry.rings))
	for id, ring := range c.registry.rings {
		rings[id] = ring
	}
	c.registry.mu.RUnlock()

	for id, ring := range rings {
		label := strconv.FormatUint(uint64(id), 10)
		s := ring.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.pushes, prometheus.CounterValue, float64(s.Pushes), label)
		ch <- prometheus.MustNewConstMetric(c.backpressure, prometheus.CounterValue, float64(s.Backpressure), label)
		ch <- prometheus.MustNewConstMetric(c.drains, prometheus.CounterValue, float64(s.Drains), label)
		ch <- prometheus.MustNewConstMetric(c.drained, prometheus.CounterValue, float64(s.EntriesDrained), label)
		ch <- prometheus.MustNewConstMetric(c.reprotects, prometheus.CounterValue, float64(s.ReprotectCalls), label)
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.RejectedFetch), label)
		ch <- prometheus.MustNewConstMetric(c.breaches, prometheus.CounterValue, float64(s.Breaches), label)
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(ring.Used()), label)
	}
}
