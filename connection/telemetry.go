package connection

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

/*
 * ============================================================================
 * 遥测计数 - Telemetry
 * ============================================================================
 *
 * 连接总数计数器：插入节点时增加，替换时差值调整，移除时减少，
 * 任何时刻等于所有节点记录的连接数之和，永不为负（不变量 I3）。
 * 超时计数只增不减。
 */

// Telemetry 连接与超时遥测
type Telemetry struct {
	connections atomic.Int64

	connGauge    prometheus.Gauge
	timeoutCount prometheus.Counter
}

// NewTelemetry 创建遥测并注册到给定的 registry，registry 为 nil 时不注册
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lingclient",
			Name:      "connections_total",
			Help:      "Number of open connections across all cluster nodes.",
		}),
		timeoutCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lingclient",
			Name:      "request_timeouts_total",
			Help:      "Number of requests that hit the request timeout.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.connGauge, t.timeoutCount)
	}
	return t
}

// IncrConnections 连接数增加 n
func (t *Telemetry) IncrConnections(n int) {
	if n <= 0 {
		return
	}
	t.connections.Add(int64(n))
	t.connGauge.Add(float64(n))
}

// DecrConnections 连接数减少 n
func (t *Telemetry) DecrConnections(n int) {
	if n <= 0 {
		return
	}
	t.connections.Add(-int64(n))
	t.connGauge.Sub(float64(n))
}

// RecordTimeout 记录一次请求超时
func (t *Telemetry) RecordTimeout() {
	t.timeoutCount.Inc()
}

// Connections 当前连接数
func (t *Telemetry) Connections() int64 {
	return t.connections.Load()
}
