package client

import (
	"time"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/connection"
	"github.com/code-100-precent/LingClient/protocol"
	"github.com/code-100-precent/LingClient/utils"
)

/*
 * ============================================================================
 * 客户端配置 - Client Configuration
 * ============================================================================
 *
 * 连接请求的配置面。默认值可被环境变量覆盖（LINGCLIENT_ 前缀），
 * 显式赋值优先于环境变量。
 */

const (
	// DefaultRequestTimeout 默认请求超时
	DefaultRequestTimeout = 250 * time.Millisecond

	// DefaultConnectionTimeout 默认连接超时
	DefaultConnectionTimeout = 250 * time.Millisecond

	// DefaultPeriodicChecksInterval 默认周期拓扑刷新间隔
	DefaultPeriodicChecksInterval = 60 * time.Second

	// DefaultRefreshRateLimitInterval 两次拓扑刷新之间的最小间隔
	DefaultRefreshRateLimitInterval = 15 * time.Second

	// DefaultRefreshRateLimitJitter 刷新间隔上叠加的最大随机抖动
	DefaultRefreshRateLimitJitter = 15 * time.Second

	// DefaultInflightRequestsLimit 默认在途请求上限
	DefaultInflightRequestsLimit = 1000

	// DefaultClientCreationTimeout 客户端创建的总超时上限
	DefaultClientCreationTimeout = 10 * time.Second

	// DefaultRetries 重定向/连接错误的重试预算
	DefaultRetries = 3
)

// PeriodicChecksMode 周期拓扑刷新模式
type PeriodicChecksMode int

const (
	// PeriodicChecksEnabled 默认间隔开启
	PeriodicChecksEnabled PeriodicChecksMode = iota
	// PeriodicChecksDisabled 关闭
	PeriodicChecksDisabled
	// PeriodicChecksManualInterval 自定义间隔
	PeriodicChecksManualInterval
)

// Config 连接请求配置
type Config struct {
	// Addresses 种子节点，host:port
	Addresses []string

	// TLSMode TLS 模式
	TLSMode connection.TLSMode

	// ClusterModeEnabled 是否集群模式
	ClusterModeEnabled bool

	// DatabaseID 单机模式下握手时 SELECT 的库号，集群模式忽略
	DatabaseID int

	// Auth 认证信息，可为 nil
	Auth *connection.AuthInfo

	// RequestTimeout 请求超时，0 取默认 250ms
	RequestTimeout time.Duration

	// ConnectionTimeout 连接超时，0 取默认 250ms
	ConnectionTimeout time.Duration

	// ClientName 握手时 CLIENT SETNAME 的名字，可为空
	ClientName string

	// ReadFrom 读策略
	ReadFrom cluster.ReadFromStrategy

	// Protocol RESP 协议版本，默认 RESP3
	Protocol connection.Protocol

	// ConnectionRetryStrategy 每地址重连的退避参数
	ConnectionRetryStrategy connection.RetryStrategy

	// PeriodicChecks 周期拓扑刷新模式
	PeriodicChecks PeriodicChecksMode

	// PeriodicChecksInterval ManualInterval 模式下的间隔
	PeriodicChecksInterval time.Duration

	// PubSub 握手期建立的订阅
	PubSub connection.PubSubSubscriptions

	// InflightRequestsLimit 在途请求上限，0 取默认 1000
	InflightRequestsLimit int

	// LazyConnect 延迟到首条命令时建连
	LazyConnect bool

	// ClientAZ 客户端可用区，供 AZ 亲和读策略使用
	ClientAZ string
}

// DefaultConfig 带环境变量默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{
		ClusterModeEnabled:      utils.GetConfigBool("LINGCLIENT_CLUSTER_MODE", true),
		RequestTimeout:          time.Duration(utils.GetConfigInt("LINGCLIENT_REQUEST_TIMEOUT_MS", 250)) * time.Millisecond,
		ConnectionTimeout:       time.Duration(utils.GetConfigInt("LINGCLIENT_CONNECTION_TIMEOUT_MS", 250)) * time.Millisecond,
		ClientName:              utils.GetConfigValue("LINGCLIENT_CLIENT_NAME", ""),
		Protocol:                connection.RESP3,
		ConnectionRetryStrategy: connection.DefaultRetryStrategy(),
		InflightRequestsLimit:   utils.GetConfigInt("LINGCLIENT_INFLIGHT_LIMIT", DefaultInflightRequestsLimit),
		ClientAZ:                utils.GetConfigValue("LINGCLIENT_CLIENT_AZ", ""),
	}
	if utils.GetConfigValue("LINGCLIENT_PROTOCOL", "3") == "2" {
		cfg.Protocol = connection.RESP2
	}
	return cfg
}

// withDefaults 填充零值字段
func (c *Config) withDefaults() *Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.Protocol == 0 {
		c.Protocol = connection.RESP3
	}
	if c.ConnectionRetryStrategy == (connection.RetryStrategy{}) {
		c.ConnectionRetryStrategy = connection.DefaultRetryStrategy()
	}
	if c.InflightRequestsLimit <= 0 {
		c.InflightRequestsLimit = DefaultInflightRequestsLimit
	}
	if c.PeriodicChecks == PeriodicChecksManualInterval && c.PeriodicChecksInterval <= 0 {
		c.PeriodicChecksInterval = DefaultPeriodicChecksInterval
	}
	if c.ReadFrom.Mode == cluster.ReadFromAZAffinity || c.ReadFrom.Mode == cluster.ReadFromAZAffinityReplicasAndPrimary {
		if c.ReadFrom.AZ == "" {
			c.ReadFrom.AZ = c.ClientAZ
		}
	}
	return c
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Addresses) == 0 {
		return protocol.NewClientError(protocol.KindInvalidClientConfig, "no seed addresses configured")
	}
	if c.Protocol != connection.RESP2 && c.Protocol != connection.RESP3 {
		return protocol.NewClientError(protocol.KindInvalidClientConfig, "unsupported protocol version")
	}
	if c.PubSub.HasSharded() && c.Protocol == connection.RESP2 {
		return protocol.NewClientError(protocol.KindInvalidClientConfig, "sharded subscriptions require RESP3")
	}
	return nil
}

// periodicInterval 周期刷新间隔，Disabled 返回 0
func (c *Config) periodicInterval() time.Duration {
	switch c.PeriodicChecks {
	case PeriodicChecksDisabled:
		return 0
	case PeriodicChecksManualInterval:
		return c.PeriodicChecksInterval
	default:
		return DefaultPeriodicChecksInterval
	}
}

// connConfig 派生单连接配置
func (c *Config) connConfig(pushHandler func(*protocol.Value)) connection.ConnConfig {
	return connection.ConnConfig{
		TLSMode:           c.TLSMode,
		Protocol:          c.Protocol,
		Auth:              c.Auth,
		DatabaseID:        c.DatabaseID,
		ClientName:        c.ClientName,
		ClusterMode:       c.ClusterModeEnabled,
		ConnectionTimeout: c.ConnectionTimeout,
		Subscriptions:     c.PubSub,
		PushHandler:       pushHandler,
	}
}
