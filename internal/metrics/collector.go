package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats provides the collector access to the run dispatcher's state.
type QueueStats interface {
	Pending() int
	Active() int64
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats QueueStats

	pendingRuns *prometheus.Desc
	activeRuns  *prometheus.Desc
}

// NewCollector creates a collector that reads dispatcher state at scrape time.
// stats may be nil (one-shot mode); gauges then report 0.
func NewCollector(stats QueueStats) *Collector {
	return &Collector{
		stats: stats,
		pendingRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "pending_runs"),
			"Trigger objects waiting for a worker.",
			nil, nil,
		),
		activeRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "active_runs"),
			"Pipeline runs currently executing.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingRuns
	ch <- c.activeRuns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var pending, active float64
	if c.stats != nil {
		pending = float64(c.stats.Pending())
		active = float64(c.stats.Active())
	}
	ch <- prometheus.MustNewConstMetric(c.pendingRuns, prometheus.GaugeValue, pending)
	ch <- prometheus.MustNewConstMetric(c.activeRuns, prometheus.GaugeValue, active)
}
