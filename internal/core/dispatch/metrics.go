package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weisyn/httpcore/internal/core/dispatch/connection"
	"github.com/weisyn/httpcore/internal/core/dispatch/pool"
	"github.com/weisyn/httpcore/pkg/types"
)

// 分发层 Prometheus 指标
//
// 池状态快照在每次获取/归还后刷新；计数器由连接池通过 pool.Observer 回调更新。

const metricsNamespace = "httpcore"

// Metrics 分发层指标集合，nil 接收者上的方法均为空操作
type Metrics struct {
	connections     *prometheus.GaugeVec
	gateInUse       prometheus.Gauge
	acquireTotal    *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ pool.Observer = (*Metrics)(nil)

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics 返回注册在默认 Registry 上的指标，首次调用时注册
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Connections tracked by the pool, by state.",
		}, []string{"state"}),
		gateInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "gate",
			Name:      "in_use",
			Help:      "Concurrency permits currently held.",
		}),
		acquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "acquire_total",
			Help:      "Pool acquisitions by result (reused, created, timeout, error, closed).",
		}, []string{"result"}),
		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Connections closed by the pool, by reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to response head (or full body when not streaming).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.gateInUse, m.acquireTotal, m.evictionsTotal, m.requestDuration)
	}
	return m
}

// AcquireDone 实现 pool.Observer
func (m *Metrics) AcquireDone(result string) {
	if m == nil {
		return
	}
	m.acquireTotal.WithLabelValues(result).Inc()
}

// ConnectionEvicted 实现 pool.Observer
func (m *Metrics) ConnectionEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(reason).Inc()
}

// ObserveRequest 记录一次成功交换的耗时
func (m *Metrics) ObserveRequest(protocol types.Protocol, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(protocol.String()).Observe(d.Seconds())
}

// ObservePool 刷新池状态快照
func (m *Metrics) ObservePool(s pool.Stats) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(connection.Idle.String()).Set(float64(s.Idle))
	m.connections.WithLabelValues(connection.Active.String()).Set(float64(s.Active))
	m.connections.WithLabelValues(connection.Draining.String()).Set(float64(s.Draining))
	m.gateInUse.Set(float64(s.GateInUse))
}
