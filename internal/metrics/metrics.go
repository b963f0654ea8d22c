// Package metrics 采集管道的 Prometheus 指标，按租户/协议打标签
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scada"

// Metrics 指标集合；nil 接收者上的方法都是空操作
type Metrics struct {
	ReadingsIngested     *prometheus.CounterVec
	ValidationRejections *prometheus.CounterVec
	Anomalies            *prometheus.CounterVec
	BufferReadings       *prometheus.GaugeVec
	FlushBatchSize       *prometheus.HistogramVec
	WriteLatency         *prometheus.HistogramVec
	WriteFailures        *prometheus.CounterVec
	SpilledBatches       *prometheus.CounterVec
	SpilloverPending     prometheus.Gauge
	ActiveConnections    *prometheus.GaugeVec
	ConnectionErrors     *prometheus.CounterVec
	DiscoveryFailures    *prometheus.CounterVec
	BroadcastPublished   *prometheus.CounterVec
	BroadcastDropped     *prometheus.CounterVec
	IsolationViolations  *prometheus.CounterVec
}

// New 创建并注册指标；reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_ingested_total",
			Help: "Readings accepted past validation and appended to a tenant buffer.",
		}, []string{"tenant", "protocol"}),
		ValidationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validation_rejections_total",
			Help: "Readings dropped by validation, by reason.",
		}, []string{"tenant", "reason"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomalies_total",
			Help: "Readings kept with quality downgraded to Uncertain.",
		}, []string{"tenant"}),
		BufferReadings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_readings",
			Help: "Readings currently buffered per tenant.",
		}, []string{"tenant"}),
		FlushBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_batch_size",
			Help:    "Number of readings per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"tenant"}),
		WriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "write_latency_seconds",
			Help:    "Bulk insert latency per batch, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tenant"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_failures_total",
			Help: "Batches that could not be persisted, by error class.",
		}, []string{"tenant", "class"}),
		SpilledBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "spilled_batches_total",
			Help: "Batches moved to the local spillover store.",
		}, []string{"tenant"}),
		SpilloverPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "spillover_pending",
			Help: "Batches waiting in the spillover store.",
		}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Device connections currently connected.",
		}, []string{"tenant", "protocol"}),
		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_errors_total",
			Help: "Connect, subscribe and poll failures.",
		}, []string{"tenant", "protocol"}),
		DiscoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "discovery_failures_total",
			Help: "Tenant databases that could not be read during discovery.",
		}, []string{"tenant"}),
		BroadcastPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_published_total",
			Help: "Readings published to tenant channels.",
		}, []string{"tenant"}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_dropped_total",
			Help: "Readings not published because the queue was full or the publish failed.",
		}, []string{"tenant"}),
		IsolationViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tenant_isolation_violations_total",
			Help: "Readings refused because their tenant did not match the target.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.ReadingsIngested, m.ValidationRejections, m.Anomalies, m.BufferReadings,
		m.FlushBatchSize, m.WriteLatency, m.WriteFailures, m.SpilledBatches,
		m.SpilloverPending, m.ActiveConnections, m.ConnectionErrors, m.DiscoveryFailures,
		m.BroadcastPublished, m.BroadcastDropped, m.IsolationViolations,
	)
	return m
}

func (m *Metrics) IncIngested(tenant, protocol string) {
	if m == nil {
		return
	}
	m.ReadingsIngested.WithLabelValues(tenant, protocol).Inc()
}

func (m *Metrics) IncRejected(tenant, reason string) {
	if m == nil {
		return
	}
	m.ValidationRejections.WithLabelValues(tenant, reason).Inc()
}

func (m *Metrics) IncAnomaly(tenant string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(tenant).Inc()
}

func (m *Metrics) SetBuffered(tenant string, n int) {
	if m == nil {
		return
	}
	m.BufferReadings.WithLabelValues(tenant).Set(float64(n))
}

func (m *Metrics) ObserveBatch(tenant string, n int) {
	if m == nil {
		return
	}
	m.FlushBatchSize.WithLabelValues(tenant).Observe(float64(n))
}

func (m *Metrics) ObserveWrite(tenant string, d time.Duration) {
	if m == nil {
		return
	}
	m.WriteLatency.WithLabelValues(tenant).Observe(d.Seconds())
}

func (m *Metrics) IncWriteFailure(tenant, class string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(tenant, class).Inc()
}

func (m *Metrics) IncSpilled(tenant string) {
	if m == nil {
		return
	}
	m.SpilledBatches.WithLabelValues(tenant).Inc()
}

func (m *Metrics) SetSpilloverPending(n int) {
	if m == nil {
		return
	}
	m.SpilloverPending.Set(float64(n))
}

func (m *Metrics) ConnectionUp(tenant, protocol string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(tenant, protocol).Inc()
}

func (m *Metrics) ConnectionDown(tenant, protocol string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(tenant, protocol).Dec()
}

func (m *Metrics) IncConnectionError(tenant, protocol string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(tenant, protocol).Inc()
}

func (m *Metrics) IncDiscoveryFailure(tenant string) {
	if m == nil {
		return
	}
	m.DiscoveryFailures.WithLabelValues(tenant).Inc()
}

func (m *Metrics) IncPublished(tenant string) {
	if m == nil {
		return
	}
	m.BroadcastPublished.WithLabelValues(tenant).Inc()
}

func (m *Metrics) IncBroadcastDropped(tenant string) {
	if m == nil {
		return
	}
	m.BroadcastDropped.WithLabelValues(tenant).Inc()
}

func (m *Metrics) IncIsolationViolation(component string) {
	if m == nil {
		return
	}
	m.IsolationViolations.WithLabelValues(component).Inc()
}

// ForgetTenant 租户被暂停后删除其带标签的序列
func (m *Metrics) ForgetTenant(tenant string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"tenant": tenant}
	m.BufferReadings.DeletePartialMatch(labels)
	m.ActiveConnections.DeletePartialMatch(labels)
}
