package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// CorrelationStats provides the metrics collector access to the
// correlation engine's live state.
type CorrelationStats interface {
	PendingCount() int
}

// DevLinkStats reports the DevLink3 connection's current lifecycle
// state as its ordinal value (see devlink3.State).
type DevLinkStats interface {
	State() int
}

// Collector implements prometheus.Collector to read live gauges at
// scrape time rather than maintaining them as mutated-in-place state.
type Collector struct {
	pool        *pgxpool.Pool
	correlation CorrelationStats
	devlink     DevLinkStats

	pendingMatches  *prometheus.Desc
	devlinkState    *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape
// time. Any of pool, correlation, or devlink may be nil, in which case
// the corresponding metrics report 0.
func NewCollector(pool *pgxpool.Pool, correlation CorrelationStats, devlink DevLinkStats) *Collector {
	return &Collector{
		pool:        pool,
		correlation: correlation,
		devlink:     devlink,
		pendingMatches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_matches"),
			"Current number of live calls awaiting an SMDR match.",
			nil, nil,
		),
		devlinkState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "devlink3", "connection_state"),
			"Current DevLink3Connection lifecycle state, as its ordinal value.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingMatches
	ch <- c.devlinkState
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.correlation != nil {
		ch <- prometheus.MustNewConstMetric(c.pendingMatches, prometheus.GaugeValue, float64(c.correlation.PendingCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.pendingMatches, prometheus.GaugeValue, 0)
	}

	if c.devlink != nil {
		ch <- prometheus.MustNewConstMetric(c.devlinkState, prometheus.GaugeValue, float64(c.devlink.State()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.devlinkState, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
