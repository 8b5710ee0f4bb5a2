package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc samples database pool statistics. It keeps this package
// free of a pgxpool import; the caller adapts pool.Stat() to this shape.
type DBPoolStatFunc func() (total, idle, acquired int32)

// dbPoolCollector exposes connection-pool gauges sampled at scrape time.
type dbPoolCollector struct {
	stat  DBPoolStatFunc
	descs [3]*prometheus.Desc
}

// NewDBPoolCollector wraps a stat sampler as a prometheus.Collector.
func NewDBPoolCollector(stat DBPoolStatFunc) prometheus.Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("copydesk_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stat: stat,
		descs: [3]*prometheus.Desc{
			mk("total_conns", "Total connections held by the database pool."),
			mk("idle_conns", "Idle connections in the database pool."),
			mk("acquired_conns", "Connections currently checked out of the database pool."),
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.stat()
	for i, v := range []int32{total, idle, acquired} {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.GaugeValue, float64(v))
	}
}
