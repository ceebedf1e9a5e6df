package client

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/connection"
	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 客户端门面 - Client Facade
 * ============================================================================
 *
 * 【超时策略】
 * 默认请求超时 250ms。特定阻塞命令的超时取自命令参数而非客户端配置：
 *
 * | 命令                                            | 位置       | 单位 |
 * |-------------------------------------------------|-----------|------|
 * | BLPOP BRPOP BLMOVE BZPOPMAX BZPOPMIN BRPOPLPUSH | 最后一个   | 秒   |
 * | BLMPOP BZMPOP                                   | 下标 1     | 秒   |
 * | XREAD XREADGROUP                                | BLOCK 之后 | 毫秒 |
 * | WAIT                                            | 下标 2     | 毫秒 |
 *
 * 按浮点数解析。0 禁用超时（无限阻塞）；负数和超过 2^32-1 的值是请求错误。
 * 生效超时 = 解析值 + 0.5s 安全余量，给服务端先行响应的机会。
 *
 * 【在途请求准入】
 * 有符号计数器初始化为上限（默认 1000），派发前减、完成后加。
 * 减之前看到非正值直接拒绝；减之后使计数器为负的取用者在同一临界区
 * 恢复计数再拒绝。完成之间计数器恒 >= 0（不变量 I7）。
 *
 * 【延迟连接】
 * 开启时创建立即返回；首条命令在写锁下做真正初始化，并发的首条命令
 * 观察到完成后的初始化。初始化会把配置上的 lazy_connect 翻成 false，
 * 后续重连一律立即建连。
 */

// blockingTimeoutMargin 阻塞命令超时的安全余量
const blockingTimeoutMargin = 500 * time.Millisecond

// blockingTimeoutSpec 阻塞命令超时参数的位置与单位
type blockingTimeoutSpec struct {
	lastArg    bool // 超时在最后一个参数
	argIndex   int  // lastArg 为 false 时的固定下标
	afterBlock bool // 超时在 BLOCK 关键字之后
	inMillis   bool // 单位毫秒，否则秒
}

// blockingTimeoutTable 阻塞命令超时表
var blockingTimeoutTable = map[string]blockingTimeoutSpec{
	"BLPOP":      {lastArg: true},
	"BRPOP":      {lastArg: true},
	"BLMOVE":     {lastArg: true},
	"BZPOPMAX":   {lastArg: true},
	"BZPOPMIN":   {lastArg: true},
	"BRPOPLPUSH": {lastArg: true},
	"BLMPOP":     {argIndex: 1},
	"BZMPOP":     {argIndex: 1},
	"XREAD":      {afterBlock: true, inMillis: true},
	"XREADGROUP": {afterBlock: true, inMillis: true},
	"WAIT":       {argIndex: 2, inMillis: true},
}

// Client 集群客户端
type Client struct {
	cfg       *Config
	telemetry *connection.Telemetry
	registry  *prometheus.Registry

	initMu sync.RWMutex // 延迟初始化期间跨 await 持有
	mgr    *clusterManager

	inflight atomic.Int64
	scripts  *ScriptManager
	cursors  *CursorRegistry
}

// NewClient 创建客户端
//
// lazy_connect 开启时立即返回延迟标记；否则在 10s 上限内完成首次连接。
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	c := &Client{
		cfg:       cfg,
		telemetry: connection.NewTelemetry(registry),
		registry:  registry,
		scripts:   NewScriptManager(nil),
		cursors:   NewCursorRegistry(),
	}
	c.inflight.Store(int64(cfg.InflightRequestsLimit))

	if cfg.LazyConnect {
		logrus.WithField("component", "client").Debug("created lazy client")
		return c, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, DefaultClientCreationTimeout)
	defer cancel()

	mgr, err := newClusterManager(createCtx, cfg, c.telemetry)
	if err != nil {
		return nil, err
	}
	c.mgr = mgr
	return c, nil
}

// SetScriptStore 注入外部脚本仓库
func (c *Client) SetScriptStore(store ScriptStore) {
	c.scripts = NewScriptManager(store)
}

// Registry 指标注册表，供监控端点暴露
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Telemetry 遥测
func (c *Client) Telemetry() *connection.Telemetry {
	return c.telemetry
}

// Scripts 脚本引用计数管理
func (c *Client) Scripts() *ScriptManager {
	return c.scripts
}

// getOrInitManager 延迟初始化：写锁下建连，并发首条命令等待完成
func (c *Client) getOrInitManager(ctx context.Context) (*clusterManager, error) {
	c.initMu.RLock()
	mgr := c.mgr
	c.initMu.RUnlock()
	if mgr != nil {
		return mgr, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.mgr != nil {
		return c.mgr, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, DefaultClientCreationTimeout)
	defer cancel()

	mgr, err := newClusterManager(createCtx, c.cfg, c.telemetry)
	if err != nil {
		return nil, err
	}

	// 初始化完成后关掉延迟标记，后续重连一律立即建连
	c.cfg.LazyConnect = false
	c.mgr = mgr
	return mgr, nil
}

// reserveInflight 在途请求准入
func (c *Client) reserveInflight() bool {
	if c.inflight.Load() <= 0 {
		return false
	}
	if c.inflight.Add(-1) < 0 {
		// 同一临界区恢复计数
		c.inflight.Add(1)
		return false
	}
	return true
}

// releaseInflight 释放在途名额
func (c *Client) releaseInflight() {
	c.inflight.Add(1)
}

// Send 发送单命令
func (c *Client) Send(ctx context.Context, cmd *protocol.Cmd, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	if !c.reserveInflight() {
		return nil, protocol.NewClientError(protocol.KindClientError, "too many inflight requests")
	}
	defer c.releaseInflight()

	mgr, err := c.getOrInitManager(ctx)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel, err := c.applyRequestTimeout(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if cancel != nil {
		defer cancel()
	}

	return mgr.Send(sendCtx, cmd, routing)
}

// SendPipeline 发送非原子管道
func (c *Client) SendPipeline(ctx context.Context, cmds []*protocol.Cmd, opts PipelineOptions) ([]*protocol.Value, error) {
	if !c.reserveInflight() {
		return nil, protocol.NewClientError(protocol.KindClientError, "too many inflight requests")
	}
	defer c.releaseInflight()

	mgr, err := c.getOrInitManager(ctx)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return mgr.SendPipeline(sendCtx, cmds, opts)
}

// SendTransaction 发送原子事务
func (c *Client) SendTransaction(ctx context.Context, cmds []*protocol.Cmd, routing *cluster.RoutingInfo, raiseOnError bool) (*protocol.Value, error) {
	if !c.reserveInflight() {
		return nil, protocol.NewClientError(protocol.KindClientError, "too many inflight requests")
	}
	defer c.releaseInflight()

	mgr, err := c.getOrInitManager(ctx)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return mgr.SendTransaction(sendCtx, cmds, routing, raiseOnError)
}

// ClusterScan 推进集群扫描
//
// cursorID 为空或 "0" 时开始新扫描；返回的 id 经由游标登记表保活，
// 终止时返回哨兵 "finished"。
func (c *Client) ClusterScan(ctx context.Context, cursorID string, args ScanArgs) (string, []*protocol.Value, error) {
	if cursorID == FinishedScanCursor {
		return FinishedScanCursor, nil, nil
	}

	mgr, err := c.getOrInitManager(ctx)
	if err != nil {
		return "", nil, err
	}

	var state *ScanState
	var id string
	if cursorID == "" || cursorID == "0" {
		state = newScanState(mgr.container.SlotMap().AddressesForAllPrimaries())
		id = c.cursors.Register(state)
	} else {
		var ok bool
		state, ok = c.cursors.Get(cursorID)
		if !ok {
			return "", nil, protocol.NewClientErrorf(protocol.KindUserOperationError,
				"unknown scan cursor %q", cursorID)
		}
		id = cursorID
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	keys, err := mgr.ClusterScan(sendCtx, state, args)
	if err != nil {
		return "", nil, err
	}

	state.mu.Lock()
	done := state.finished()
	state.mu.Unlock()
	if done {
		c.cursors.Remove(id)
		return FinishedScanCursor, keys, nil
	}
	return id, keys, nil
}

// RemoveScanCursor 外部持有者声明不再需要游标
func (c *Client) RemoveScanCursor(cursorID string) {
	c.cursors.Remove(cursorID)
}

// InvokeScript 执行已登记的脚本
func (c *Client) InvokeScript(ctx context.Context, hash string, keys, args [][]byte, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	if !c.reserveInflight() {
		return nil, protocol.NewClientError(protocol.KindClientError, "too many inflight requests")
	}
	defer c.releaseInflight()

	mgr, err := c.getOrInitManager(ctx)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return mgr.InvokeScript(sendCtx, c.scripts, hash, keys, args, routing)
}

// UpdateConnectionPassword 轮换密码
//
// 替换后续握手使用的凭据；immediateAuth 时对所有节点发 AUTH，
// 全部成功才算成功。空密码配 immediateAuth 是请求错误。
func (c *Client) UpdateConnectionPassword(ctx context.Context, newPassword string, immediateAuth bool) error {
	if immediateAuth && newPassword == "" {
		return protocol.NewClientError(protocol.KindUserOperationError,
			"cannot auth immediately with an empty password")
	}

	c.initMu.Lock()
	if c.cfg.Auth == nil {
		c.cfg.Auth = &connection.AuthInfo{}
	}
	username := c.cfg.Auth.Username
	c.cfg.Auth.Password = newPassword
	mgr := c.mgr
	c.initMu.Unlock()

	if !immediateAuth || mgr == nil {
		return nil
	}

	auth := protocol.NewCmd("AUTH")
	if username != "" {
		auth.Arg(username)
	}
	auth.Arg(newPassword)

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	_, err := mgr.Send(sendCtx, auth, &cluster.RoutingInfo{
		Kind:   cluster.RouteAllNodes,
		Policy: cluster.PolicyAllSucceeded,
	})
	return err
}

// applyRequestTimeout 计算命令的生效超时并套到 ctx
//
// 阻塞命令的超时取自命令参数；返回的 cancel 可能为 nil（无限阻塞）。
func (c *Client) applyRequestTimeout(ctx context.Context, cmd *protocol.Cmd) (context.Context, context.CancelFunc, error) {
	timeout, hasTimeout, err := requestTimeoutFor(cmd, c.cfg.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}
	if !hasTimeout {
		return ctx, nil, nil
	}
	newCtx, cancel := context.WithTimeout(ctx, timeout)
	return newCtx, cancel, nil
}

// requestTimeoutFor 命令的生效超时；第二个返回值 false 表示无限阻塞
func requestTimeoutFor(cmd *protocol.Cmd, defaultTimeout time.Duration) (time.Duration, bool, error) {
	spec, blocking := blockingTimeoutTable[cmd.Name()]
	if !blocking {
		return defaultTimeout, true, nil
	}

	raw, found, err := blockingTimeoutArg(cmd, spec)
	if err != nil {
		return 0, false, err
	}
	if !found {
		// XREAD 未带 BLOCK 时不是阻塞调用
		return defaultTimeout, true, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, protocol.NewClientErrorf(protocol.KindUserOperationError,
			"couldn't parse timeout argument %q", raw)
	}
	if value < 0 {
		return 0, false, protocol.NewClientError(protocol.KindUserOperationError,
			"timeout argument must not be negative")
	}
	if value > float64(math.MaxUint32) {
		return 0, false, protocol.NewClientError(protocol.KindUserOperationError,
			"timeout argument exceeds the allowed maximum")
	}
	if value == 0 {
		// 0 禁用超时，阻塞到被打断
		return 0, false, nil
	}

	var parsed time.Duration
	if spec.inMillis {
		parsed = time.Duration(value * float64(time.Millisecond))
	} else {
		parsed = time.Duration(value * float64(time.Second))
	}
	return parsed + blockingTimeoutMargin, true, nil
}

// blockingTimeoutArg 从命令参数里取超时原文
func blockingTimeoutArg(cmd *protocol.Cmd, spec blockingTimeoutSpec) (string, bool, error) {
	if spec.lastArg {
		if cmd.ArgCount() < 2 {
			return "", false, protocol.NewClientErrorf(protocol.KindUserOperationError,
				"%s missing its timeout argument", cmd.Name())
		}
		return string(cmd.ArgAt(cmd.ArgCount() - 1)), true, nil
	}

	if spec.afterBlock {
		for i := 1; i < cmd.ArgCount()-1; i++ {
			if equalsIgnoreCase(cmd.ArgAt(i), "BLOCK") {
				return string(cmd.ArgAt(i + 1)), true, nil
			}
		}
		// 没有 BLOCK：非阻塞调用
		return "", false, nil
	}

	if cmd.ArgCount() <= spec.argIndex {
		return "", false, protocol.NewClientErrorf(protocol.KindUserOperationError,
			"%s missing its timeout argument", cmd.Name())
	}
	return string(cmd.ArgAt(spec.argIndex)), true, nil
}

// equalsIgnoreCase 大小写无关比较
func equalsIgnoreCase(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		ch := b[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if ch != s[i] {
			return false
		}
	}
	return true
}

// TopologySnapshot 当前槽区间快照；延迟客户端未初始化时为空
func (c *Client) TopologySnapshot() []cluster.Slot {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	if c.mgr == nil {
		return nil
	}
	return c.mgr.container.SlotMap().Ranges()
}

// NodeAddresses 当前连接容器里的节点地址
func (c *Client) NodeAddresses() []string {
	c.initMu.RLock()
	defer c.initMu.RUnlock()
	if c.mgr == nil {
		return nil
	}
	return c.mgr.container.Addresses()
}

// Close 关闭客户端
func (c *Client) Close() {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.mgr != nil {
		c.mgr.Close()
		c.mgr = nil
	}
}
