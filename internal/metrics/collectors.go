// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EndpointStats 端点统计数据接口，由服务端/客户端实现
type EndpointStats interface {
	GetActiveConnections() int64
	GetTotalConnections() uint64
	GetPacketsReceived() uint64
	GetPacketsSent() uint64
	GetPacketsResent() uint64
	GetPacketsDropped() uint64
	GetBytesReceivedPerSecond() float64
	GetBytesSentPerSecond() float64
	GetAuthSuccessCount() uint64
	GetAuthFailureCount() uint64
	GetTimeoutEvictions() uint64
}

// EndpointCollector 端点指标收集器
type EndpointCollector struct {
	statsProvider EndpointStats

	activeConnsDesc  *prometheus.Desc
	totalConnsDesc   *prometheus.Desc
	packetsInDesc    *prometheus.Desc
	packetsOutDesc   *prometheus.Desc
	packetsResent    *prometheus.Desc
	packetsDropped   *prometheus.Desc
	bytesInRateDesc  *prometheus.Desc
	bytesOutRateDesc *prometheus.Desc
	authSuccessDesc  *prometheus.Desc
	authFailureDesc  *prometheus.Desc
	evictionsDesc    *prometheus.Desc
}

// NewEndpointCollector 创建端点收集器。role 为 "server" 或 "client"。
func NewEndpointCollector(role string, provider EndpointStats) *EndpointCollector {
	namespace := "reludp"

	return &EndpointCollector{
		statsProvider: provider,

		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "active_connections"),
			"Number of active peer connections",
			nil, nil,
		),
		totalConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "connections_total"),
			"Total peer connections handled",
			nil, nil,
		),
		packetsInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "packets_received_total"),
			"Total packets received",
			nil, nil,
		),
		packetsOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "packets_sent_total"),
			"Total packets sent",
			nil, nil,
		),
		packetsResent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "packets_resent_total"),
			"Total reliable packets retransmitted",
			nil, nil,
		),
		packetsDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "packets_dropped_total"),
			"Total inbound datagrams dropped (decode failure or filter)",
			nil, nil,
		),
		bytesInRateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "receive_bytes_per_second"),
			"Inbound byte rate over the last second",
			nil, nil,
		),
		bytesOutRateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "send_bytes_per_second"),
			"Outbound byte rate over the last second",
			nil, nil,
		),
		authSuccessDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "auth_success_total"),
			"Total successful authentications",
			nil, nil,
		),
		authFailureDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "auth_failure_total"),
			"Total failed authentications",
			nil, nil,
		),
		evictionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, role, "timeout_evictions_total"),
			"Total peers evicted by idle timeout",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *EndpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnsDesc
	ch <- c.totalConnsDesc
	ch <- c.packetsInDesc
	ch <- c.packetsOutDesc
	ch <- c.packetsResent
	ch <- c.packetsDropped
	ch <- c.bytesInRateDesc
	ch <- c.bytesOutRateDesc
	ch <- c.authSuccessDesc
	ch <- c.authFailureDesc
	ch <- c.evictionsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *EndpointCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetActiveConnections()))
	ch <- prometheus.MustNewConstMetric(c.totalConnsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTotalConnections()))
	ch <- prometheus.MustNewConstMetric(c.packetsInDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsReceived()))
	ch <- prometheus.MustNewConstMetric(c.packetsOutDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsSent()))
	ch <- prometheus.MustNewConstMetric(c.packetsResent, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsResent()))
	ch <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsDropped()))
	ch <- prometheus.MustNewConstMetric(c.bytesInRateDesc, prometheus.GaugeValue,
		c.statsProvider.GetBytesReceivedPerSecond())
	ch <- prometheus.MustNewConstMetric(c.bytesOutRateDesc, prometheus.GaugeValue,
		c.statsProvider.GetBytesSentPerSecond())
	ch <- prometheus.MustNewConstMetric(c.authSuccessDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetAuthSuccessCount()))
	ch <- prometheus.MustNewConstMetric(c.authFailureDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetAuthFailureCount()))
	ch <- prometheus.MustNewConstMetric(c.evictionsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTimeoutEvictions()))
}
