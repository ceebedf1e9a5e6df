package connection

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/cluster"
)

/*
 * ============================================================================
 * 连接容器 - Connections Container
 * ============================================================================
 *
 * 【核心原理】
 * 按地址索引的活动连接表 + 所属槽位映射 + 每地址重连任务状态。
 * 对外提供"按路由取连接"：先用槽位映射按读策略解析地址，再查连接；
 * ReplicaOptional 解析到无连接的从节点时，换用同槽的主节点重查。
 *
 * 节点表是并发映射，插入/替换/移除与遥测计数在同一操作里配对完成：
 * 插入加、替换按差值调、移除减，计数永不为负（不变量 I3）。
 */

// AddressConn 地址与连接的配对
type AddressConn struct {
	Address string
	Conn    Conn
}

// ConnectionsContainer 集群连接容器
type ConnectionsContainer struct {
	nodes     sync.Map // address → *ClusterNode
	slotMap   atomic.Pointer[cluster.SlotMap]
	telemetry *Telemetry
	refresh   *RefreshConnectionStates
	closed    atomic.Bool
}

// NewConnectionsContainer 创建容器并接管节点记录
func NewConnectionsContainer(
	slotMap *cluster.SlotMap,
	nodes map[string]*ClusterNode,
	telemetry *Telemetry,
) *ConnectionsContainer {
	c := &ConnectionsContainer{
		telemetry: telemetry,
		refresh:   NewRefreshConnectionStates(),
	}

	total := 0
	for addr, node := range nodes {
		c.nodes.Store(addr, node)
		total += node.ConnectionsCount()
	}
	telemetry.IncrConnections(total)

	// 槽位映射的可用区查询走容器的连接元数据
	slotMap.SetAZResolver(c.AZForAddress)
	c.slotMap.Store(slotMap)
	return c
}

// SlotMap 所属槽位映射
func (c *ConnectionsContainer) SlotMap() *cluster.SlotMap {
	return c.slotMap.Load()
}

// SwapSlotMap 拓扑变化时换入新的槽位映射
func (c *ConnectionsContainer) SwapSlotMap(m *cluster.SlotMap) {
	m.SetAZResolver(c.AZForAddress)
	c.slotMap.Store(m)
}

// Telemetry 遥测
func (c *ConnectionsContainer) Telemetry() *Telemetry {
	return c.telemetry
}

// RefreshStates 重连任务表
func (c *ConnectionsContainer) RefreshStates() *RefreshConnectionStates {
	return c.refresh
}

// NodeForAddress 按地址取节点记录
func (c *ConnectionsContainer) NodeForAddress(addr string) *ClusterNode {
	if v, ok := c.nodes.Load(addr); ok {
		return v.(*ClusterNode)
	}
	return nil
}

// ConnectionForAddress 按地址取用户连接
func (c *ConnectionsContainer) ConnectionForAddress(addr string) (Conn, bool) {
	node := c.NodeForAddress(addr)
	if node == nil {
		return nil, false
	}
	return node.User.Conn, true
}

// ManagementConnectionForAddress 按地址取管理连接，缺省回落用户连接
func (c *ConnectionsContainer) ManagementConnectionForAddress(addr string) (Conn, bool) {
	node := c.NodeForAddress(addr)
	if node == nil {
		return nil, false
	}
	return node.GetConnection(ConnectionManagement), true
}

// AZForAddress 按地址查可用区，未知返回空串
func (c *ConnectionsContainer) AZForAddress(addr string) string {
	node := c.NodeForAddress(addr)
	if node == nil {
		return ""
	}
	return node.User.AZ
}

// IsPrimary 地址是否为槽位映射里的主节点
func (c *ConnectionsContainer) IsPrimary(addr string) bool {
	return c.SlotMap().IsPrimary(addr)
}

// ConnectionForRoute 按路由取连接
//
// ReplicaOptional 解析到没有活动连接的从节点时，换用 Master 变体重查。
func (c *ConnectionsContainer) ConnectionForRoute(route cluster.Route) (string, Conn, bool) {
	addr, ok := c.SlotMap().SlotAddrForRoute(route)
	if !ok {
		return "", nil, false
	}

	if conn, found := c.ConnectionForAddress(addr); found {
		return addr, conn, true
	}

	if route.SlotAddr == cluster.SlotAddrReplicaOptional {
		primaryRoute := cluster.Route{Slot: route.Slot, SlotAddr: cluster.SlotAddrMaster}
		if primaryAddr, ok := c.SlotMap().SlotAddrForRoute(primaryRoute); ok {
			if conn, found := c.ConnectionForAddress(primaryAddr); found {
				return primaryAddr, conn, true
			}
		}
	}

	return addr, nil, false
}

// NotifierForRoute 路由主节点有 Reconnecting 任务时返回其通知器
//
// 调用方挂在通知器上等待，而不是对重连做自旋。
func (c *ConnectionsContainer) NotifierForRoute(route cluster.Route) *RefreshTaskNotifier {
	addr, ok := c.SlotMap().SlotAddrForRoute(cluster.Route{Slot: route.Slot, SlotAddr: cluster.SlotAddrMaster})
	if !ok {
		return nil
	}
	return c.NotifierForAddress(addr)
}

// NotifierForAddress 地址有 Reconnecting 任务时返回其通知器
func (c *ConnectionsContainer) NotifierForAddress(addr string) *RefreshTaskNotifier {
	if state, ok := c.refresh.Get(addr); ok {
		return state.Notifier()
	}
	return nil
}

// RandomConnections 均匀选取 n 个不同节点的连接，用于拓扑查询散射
func (c *ConnectionsContainer) RandomConnections(n int, connType ConnectionType) []AddressConn {
	all := make([]AddressConn, 0)
	c.nodes.Range(func(key, value interface{}) bool {
		node := value.(*ClusterNode)
		all = append(all, AddressConn{Address: key.(string), Conn: node.GetConnection(connType)})
		return true
	})

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// AllNodeConnections 所有节点的用户连接
func (c *ConnectionsContainer) AllNodeConnections() []AddressConn {
	out := make([]AddressConn, 0)
	c.nodes.Range(func(key, value interface{}) bool {
		out = append(out, AddressConn{Address: key.(string), Conn: value.(*ClusterNode).User.Conn})
		return true
	})
	return out
}

// AllPrimaryConnections 所有主节点的用户连接
func (c *ConnectionsContainer) AllPrimaryConnections() []AddressConn {
	out := make([]AddressConn, 0)
	c.nodes.Range(func(key, value interface{}) bool {
		addr := key.(string)
		if c.SlotMap().IsPrimary(addr) {
			out = append(out, AddressConn{Address: addr, Conn: value.(*ClusterNode).User.Conn})
		}
		return true
	})
	return out
}

// ReplaceOrAddConnectionForAddress 换入新节点记录，遥测按差值调整
func (c *ConnectionsContainer) ReplaceOrAddConnectionForAddress(addr string, node *ClusterNode) {
	old, loaded := c.nodes.Swap(addr, node)
	newCount := node.ConnectionsCount()
	if loaded {
		oldNode := old.(*ClusterNode)
		oldCount := oldNode.ConnectionsCount()
		switch {
		case newCount > oldCount:
			c.telemetry.IncrConnections(newCount - oldCount)
		case oldCount > newCount:
			c.telemetry.DecrConnections(oldCount - newCount)
		}
		oldNode.Close()
	} else {
		c.telemetry.IncrConnections(newCount)
	}
}

// RemoveNode 移除地址的节点记录并关闭其连接
func (c *ConnectionsContainer) RemoveNode(addr string) {
	if v, loaded := c.nodes.LoadAndDelete(addr); loaded {
		node := v.(*ClusterNode)
		c.telemetry.DecrConnections(node.ConnectionsCount())
		node.Close()
		logrus.WithField("component", "connections").Debugf("removed node %s", addr)
	}
	c.refresh.Remove(addr)
}

// Addresses 当前容器里的所有地址
func (c *ConnectionsContainer) Addresses() []string {
	out := make([]string, 0)
	c.nodes.Range(func(key, _ interface{}) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// Len 节点数
func (c *ConnectionsContainer) Len() int {
	n := 0
	c.nodes.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close 关闭容器：关闭所有连接、唤醒所有等待者、归还遥测计数
func (c *ConnectionsContainer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.refresh.Clear()

	total := 0
	c.nodes.Range(func(key, value interface{}) bool {
		node := value.(*ClusterNode)
		total += node.ConnectionsCount()
		node.Close()
		c.nodes.Delete(key)
		return true
	})
	c.telemetry.DecrConnections(total)
}
