package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/client"
)

/*
 * ============================================================================
 * 客户端监控端点 - Client Monitor
 * ============================================================================
 *
 * 从运行中的客户端采样拓扑与遥测，经 HTTP 暴露：
 * - GET /cluster/slots  槽区间分布
 * - GET /cluster/nodes  节点列表
 * - GET /stats          连接数等统计
 * - GET /metrics        Prometheus 指标
 *
 * 监控端点是可选的，永远不在请求路径上。
 */

// SlotRangeInfo 槽区间展示项
type SlotRangeInfo struct {
	Start    uint16   `json:"start"`
	End      uint16   `json:"end"`
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas"`
}

// StatsInfo 统计展示项
type StatsInfo struct {
	Connections int64 `json:"connections"`
	Nodes       int   `json:"nodes"`
	SlotRanges  int   `json:"slot_ranges"`
}

// Monitor 客户端监控器
type Monitor struct {
	client *client.Client
	engine *gin.Engine
}

// NewMonitor 创建监控器
func NewMonitor(c *client.Client) *Monitor {
	gin.SetMode(gin.ReleaseMode)
	m := &Monitor{
		client: c,
		engine: gin.New(),
	}
	m.engine.Use(gin.Recovery())

	m.engine.GET("/cluster/slots", m.handleSlots)
	m.engine.GET("/cluster/nodes", m.handleNodes)
	m.engine.GET("/stats", m.handleStats)
	m.engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})))

	return m
}

// handleSlots 槽区间分布
func (m *Monitor) handleSlots(ctx *gin.Context) {
	snapshot := m.client.TopologySnapshot()
	out := make([]SlotRangeInfo, 0, len(snapshot))
	for _, r := range snapshot {
		out = append(out, SlotRangeInfo{
			Start:    r.Start,
			End:      r.End,
			Primary:  r.Master,
			Replicas: r.Replicas,
		})
	}
	ctx.JSON(http.StatusOK, out)
}

// handleNodes 节点列表
func (m *Monitor) handleNodes(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, m.client.NodeAddresses())
}

// handleStats 统计
func (m *Monitor) handleStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, StatsInfo{
		Connections: m.client.Telemetry().Connections(),
		Nodes:       len(m.client.NodeAddresses()),
		SlotRanges:  len(m.client.TopologySnapshot()),
	})
}

// Run 启动监控端点
func (m *Monitor) Run(addr string) error {
	logrus.WithField("component", "monitor").Infof("monitor listening on %s", addr)
	return m.engine.Run(addr)
}

// Handler 返回 http.Handler，便于挂到既有服务
func (m *Monitor) Handler() http.Handler {
	return m.engine
}
