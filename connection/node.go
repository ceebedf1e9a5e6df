package connection

import "net"

/*
 * ============================================================================
 * 集群节点记录 - Cluster Node
 * ============================================================================
 *
 * 每个地址对应一条节点记录：用户连接承载请求流量，可选的管理连接
 * 承载拓扑刷新和遥测流量，避免挤占用户请求路径。
 * IP 来自拓扑元数据而非套接字对端，地址是主机名时仍可做可用区匹配。
 */

// ConnectionDetails 连接与其拓扑元数据
type ConnectionDetails struct {
	Conn Conn
	IP   net.IP // 拓扑元数据里的节点 IP，可为 nil
	AZ   string // 可用区标签，可为空
}

// ConnectionType 连接用途
type ConnectionType int

const (
	// ConnectionUser 用户请求连接
	ConnectionUser ConnectionType = iota
	// ConnectionManagement 管理连接（刷新/遥测）
	ConnectionManagement
)

// ClusterNode 一个地址的连接记录
type ClusterNode struct {
	User       ConnectionDetails
	Management *ConnectionDetails
}

// NewClusterNode 创建节点记录
func NewClusterNode(user ConnectionDetails, management *ConnectionDetails) *ClusterNode {
	return &ClusterNode{User: user, Management: management}
}

// ConnectionsCount 该记录持有的连接数
func (n *ClusterNode) ConnectionsCount() int {
	if n == nil {
		return 0
	}
	if n.Management != nil {
		return 2
	}
	return 1
}

// GetConnection 按用途取连接；没有管理连接时回落到用户连接
func (n *ClusterNode) GetConnection(t ConnectionType) Conn {
	if t == ConnectionManagement && n.Management != nil {
		return n.Management.Conn
	}
	return n.User.Conn
}

// Close 关闭该记录持有的所有连接
func (n *ClusterNode) Close() {
	if n == nil {
		return
	}
	if n.User.Conn != nil {
		n.User.Conn.Close()
	}
	if n.Management != nil && n.Management.Conn != nil {
		n.Management.Conn.Close()
	}
}
