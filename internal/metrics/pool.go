package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector implements prometheus.Collector for pgxpool statistics.
// Stats are read on-demand during each Prometheus scrape — no polling goroutine.
type PoolCollector struct {
	pool *pgxpool.Pool

	acquireCount            *prometheus.Desc
	acquireDuration         *prometheus.Desc
	acquiredConns           *prometheus.Desc
	canceledAcquireCount    *prometheus.Desc
	constructingConns       *prometheus.Desc
	emptyAcquireCount       *prometheus.Desc
	idleConns               *prometheus.Desc
	maxConns                *prometheus.Desc
	maxIdleDestroyCount     *prometheus.Desc
	maxLifetimeDestroyCount *prometheus.Desc
	newConnsCount           *prometheus.Desc
	totalConns              *prometheus.Desc
}

// NewPoolCollector creates a collector that exports pgxpool stats.
func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		acquireCount: prometheus.NewDesc(
			"collab_pgxpool_acquire_count",
			"Cumulative count of successful connection acquires.",
			nil, nil,
		),
		acquireDuration: prometheus.NewDesc(
			"collab_pgxpool_acquire_duration_seconds",
			"Cumulative time spent acquiring connections.",
			nil, nil,
		),
		acquiredConns: prometheus.NewDesc(
			"collab_pgxpool_acquired_conns",
			"Number of currently acquired connections.",
			nil, nil,
		),
		canceledAcquireCount: prometheus.NewDesc(
			"collab_pgxpool_canceled_acquire_count",
			"Cumulative count of acquires canceled by context.",
			nil, nil,
		),
		constructingConns: prometheus.NewDesc(
			"collab_pgxpool_constructing_conns",
			"Number of connections currently being constructed.",
			nil, nil,
		),
		emptyAcquireCount: prometheus.NewDesc(
			"collab_pgxpool_empty_acquire_count",
			"Cumulative count of acquires from an empty pool.",
			nil, nil,
		),
		idleConns: prometheus.NewDesc(
			"collab_pgxpool_idle_conns",
			"Number of idle connections in the pool.",
			nil, nil,
		),
		maxConns: prometheus.NewDesc(
			"collab_pgxpool_max_conns",
			"Maximum number of connections allowed.",
			nil, nil,
		),
		maxIdleDestroyCount: prometheus.NewDesc(
			"collab_pgxpool_max_idle_destroy_count",
			"Cumulative count of connections destroyed due to idle timeout.",
			nil, nil,
		),
		maxLifetimeDestroyCount: prometheus.NewDesc(
			"collab_pgxpool_max_lifetime_destroy_count",
			"Cumulative count of connections destroyed due to max lifetime.",
			nil, nil,
		),
		newConnsCount: prometheus.NewDesc(
			"collab_pgxpool_new_conns_count",
			"Cumulative count of new connections created.",
			nil, nil,
		),
		totalConns: prometheus.NewDesc(
			"collab_pgxpool_total_conns",
			"Total number of connections in the pool.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquireCount
	ch <- c.acquireDuration
	ch <- c.acquiredConns
	ch <- c.canceledAcquireCount
	ch <- c.constructingConns
	ch <- c.emptyAcquireCount
	ch <- c.idleConns
	ch <- c.maxConns
	ch <- c.maxIdleDestroyCount
	ch <- c.maxLifetimeDestroyCount
	ch <- c.newConnsCount
	ch <- c.totalConns
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.GaugeValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.GaugeValue, stat.AcquireDuration().Seconds())
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquireCount, prometheus.GaugeValue, float64(stat.CanceledAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.constructingConns, prometheus.GaugeValue, float64(stat.ConstructingConns()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquireCount, prometheus.GaugeValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.maxIdleDestroyCount, prometheus.GaugeValue, float64(stat.MaxIdleDestroyCount()))
	ch <- prometheus.MustNewConstMetric(c.maxLifetimeDestroyCount, prometheus.GaugeValue, float64(stat.MaxLifetimeDestroyCount()))
	ch <- prometheus.MustNewConstMetric(c.newConnsCount, prometheus.GaugeValue, float64(stat.NewConnsCount()))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
}
