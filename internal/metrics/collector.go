package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats reports connection pool counters from the state store backend.
// The in-memory fallback has no pool; callers pass nil and the gauges read 0.
type PoolStats interface {
	PoolStats() (totalConns, idleConns uint32)
}

// Collector implements prometheus.Collector to read pool state at scrape time.
type Collector struct {
	pool PoolStats

	storeTotalConns *prometheus.Desc
	storeIdleConns  *prometheus.Desc
}

func NewCollector(pool PoolStats) *Collector {
	return &Collector{
		pool: pool,
		storeTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store_pool", "total_conns"),
			"Total state store pool connections.",
			nil, nil,
		),
		storeIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store_pool", "idle_conns"),
			"State store pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storeTotalConns
	ch <- c.storeIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var total, idle uint32
	if c.pool != nil {
		total, idle = c.pool.PoolStats()
	}
	ch <- prometheus.MustNewConstMetric(c.storeTotalConns, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.storeIdleConns, prometheus.GaugeValue, float64(idle))
}
