package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trojan"

// Collector 将StatsManager导出为Prometheus指标
type Collector struct {
	statsManager *StatsManager

	totalSessions  *prometheus.Desc
	activeSessions *prometheus.Desc
	authenticated  *prometheus.Desc
	rejected       *prometheus.Desc
	dialFailures   *prometheus.Desc
	fallbacks      *prometheus.Desc
	bytes          *prometheus.Desc
	avgDuration    *prometheus.Desc
}

// NewCollector 创建Prometheus采集器
func NewCollector(statsManager *StatsManager) *Collector {
	return &Collector{
		statsManager: statsManager,
		totalSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_total"),
			"Total number of accepted sessions", nil, nil),
		activeSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_active"),
			"Current active sessions", nil, nil),
		authenticated: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "authenticated_total"),
			"Sessions that passed authentication", nil, nil),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rejected_total"),
			"Connections rejected by admission control", nil, nil),
		dialFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dial_failures_total"),
			"Outbound connections that failed", nil, nil),
		fallbacks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "fallbacks_total"),
			"Sessions relayed to the fallback address", []string{"reason"}, nil),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_total"),
			"Bytes relayed", []string{"direction"}, nil),
		avgDuration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_avg_duration_seconds"),
			"Average duration of recent sessions", nil, nil),
	}
}

// Describe 实现prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSessions
	ch <- c.activeSessions
	ch <- c.authenticated
	ch <- c.rejected
	ch <- c.dialFailures
	ch <- c.fallbacks
	ch <- c.bytes
	ch <- c.avgDuration
}

// Collect 实现prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsManager.GetStats()

	ch <- prometheus.MustNewConstMetric(c.totalSessions, prometheus.CounterValue, float64(stats.TotalSessions))
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(stats.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.authenticated, prometheus.CounterValue, float64(stats.Authenticated))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(stats.Rejected))
	ch <- prometheus.MustNewConstMetric(c.dialFailures, prometheus.CounterValue, float64(stats.DialFailures))
	for reason, n := range stats.Fallbacks {
		ch <- prometheus.MustNewConstMetric(c.fallbacks, prometheus.CounterValue, float64(n), reason)
	}
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(stats.BytesUp), "up")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(stats.BytesDown), "down")
	ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, stats.AvgDuration.Seconds())
}
