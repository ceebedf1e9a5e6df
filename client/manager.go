package client

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/connection"
	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 集群连接管理器 - Cluster Connection Manager
 * ============================================================================
 *
 * 【核心原理】
 * 管理器负责连接生命周期：
 * 1. 首次连接：并发向种子地址握手，最先成功者执行 CLUSTER SLOTS，
 *    单视图计算拓扑（查询数 1 < 3 必然接受），再向拓扑里的每个节点建连。
 * 2. 周期刷新：按配置间隔（默认 60s）取少量随机连接查询槽视图，
 *    多视图一致性计算；拓扑哈希变化才换表，并扩入新地址、退休消失地址。
 *    刷新有速率限制：两次刷新之间有最小间隔加随机抖动。
 * 3. 响应式刷新：MOVED 触发 (a) 立即的单槽更新 (b) 受速率限制的异步全量刷新。
 * 4. 每地址重连：发送发现传输断开时确保存在后台重连任务，指数退避，
 *    成功装入新连接并广播通知，耗尽则翻转为 ReconnectingTooLong。
 *
 * 【分片订阅版本门禁】
 * 配置了分片订阅时，首连后解析 INFO SERVER 的 redis_version，
 * 低于 7.0 直接判客户端创建失败。
 */

const (
	// refreshTopologyNumNodes 周期刷新采样的节点数
	refreshTopologyNumNodes = 3

	// shardedPubSubMinVersion 分片订阅要求的最低服务端主版本
	shardedPubSubMinVersion = 7
)

// clusterManager 集群连接管理器
type clusterManager struct {
	cfg       *Config
	telemetry *connection.Telemetry
	container *connection.ConnectionsContainer

	topoMu       sync.Mutex // 拓扑换表锁，唯一可能阻塞的锁
	topologyHash uint64
	lastRefresh  time.Time

	refreshRequest chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newClusterManager 建立首次连接并启动后台任务
func newClusterManager(ctx context.Context, cfg *Config, telemetry *connection.Telemetry) (*clusterManager, error) {
	mgrCtx, cancel := context.WithCancel(context.Background())
	m := &clusterManager{
		cfg:            cfg,
		telemetry:      telemetry,
		refreshRequest: make(chan struct{}, 1),
		ctx:            mgrCtx,
		cancel:         cancel,
	}

	seedConn, seedAddr, err := m.connectToSeed(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	if cfg.PubSub.HasSharded() {
		if err := m.checkShardedPubSubSupport(ctx, seedConn); err != nil {
			seedConn.Close()
			cancel()
			return nil, err
		}
	}

	slotMap, hash, err := m.bootstrapTopology(ctx, seedConn, seedAddr)
	if err != nil {
		seedConn.Close()
		cancel()
		return nil, err
	}

	nodes, err := m.connectToTopology(ctx, slotMap, map[string]*connection.ClusterNode{})
	if err != nil {
		seedConn.Close()
		cancel()
		return nil, err
	}
	// 种子连接只用于引导，拓扑连接建好后关闭
	seedConn.Close()

	m.container = connection.NewConnectionsContainer(slotMap, nodes, telemetry)
	m.topologyHash = hash
	m.lastRefresh = time.Now()

	m.startBackground()

	logrus.WithField("component", "manager").
		Infof("connected to cluster, %d nodes, topology %s", m.container.Len(), cluster.TopologyHashString(hash))
	return m, nil
}

// bootstrapTopology 从种子连接得到初始拓扑
//
// 集群模式查询 CLUSTER SLOTS 并以单视图计算（查询数 1 < 3 必然接受）；
// 单机模式把种子节点视为覆盖全部槽的唯一分片。
func (m *clusterManager) bootstrapTopology(ctx context.Context, seedConn connection.Conn, seedAddr string) (*cluster.SlotMap, uint64, error) {
	if !m.cfg.ClusterModeEnabled {
		slots := []cluster.Slot{{Start: 0, End: cluster.ClusterSlots - 1, Master: seedAddr}}
		return cluster.NewSlotMap(slots, nil, m.cfg.ReadFrom), 0, nil
	}

	resp, err := seedConn.SendCommand(ctx, protocol.NewCmd("CLUSTER", "SLOTS"))
	if err != nil {
		return nil, 0, err
	}
	if e := protocol.ErrorFromValue(resp); e != nil {
		return nil, 0, e
	}

	view := cluster.TopologyView{Address: seedAddr, Resp: resp}
	return cluster.CalculateTopology([]cluster.TopologyView{view}, 0, 1, m.cfg.ReadFrom)
}

// connectToSeed 并发向种子地址握手，返回最先成功的连接
func (m *clusterManager) connectToSeed(ctx context.Context) (connection.Conn, string, error) {
	type result struct {
		conn *connection.TCPConn
		addr string
		err  error
	}

	results := make(chan result, len(m.cfg.Addresses))
	for _, addr := range m.cfg.Addresses {
		go func(addr string) {
			conn, err := connection.Dial(ctx, addr, m.cfg.connConfig(nil))
			results <- result{conn: conn, addr: addr, err: err}
		}(addr)
	}

	var lastErr error
	for i := 0; i < len(m.cfg.Addresses); i++ {
		r := <-results
		if r.err == nil {
			// 落选的种子连接由后台回收
			remaining := len(m.cfg.Addresses) - i - 1
			go func() {
				for j := 0; j < remaining; j++ {
					if rr := <-results; rr.conn != nil {
						rr.conn.Close()
					}
				}
			}()
			return r.conn, r.addr, nil
		}
		lastErr = r.err
	}

	if lastErr == nil {
		lastErr = protocol.NewClientError(protocol.KindIoError, "no seed address reachable")
	}
	return nil, "", lastErr
}

// checkShardedPubSubSupport 分片订阅版本门禁
func (m *clusterManager) checkShardedPubSubSupport(ctx context.Context, conn connection.Conn) error {
	resp, err := conn.SendCommand(ctx, protocol.NewCmd("INFO", "SERVER"))
	if err != nil {
		return err
	}

	version := parseRedisVersion(resp.ToString())
	if version != "" && majorVersion(version) < shardedPubSubMinVersion {
		return protocol.NewClientErrorf(protocol.KindInvalidClientConfig,
			"sharded subscriptions require server >= 7.0, got %s", version)
	}
	return nil
}

// parseRedisVersion 从 INFO SERVER 输出解析 redis_version
func parseRedisVersion(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			return v
		}
	}
	return ""
}

// majorVersion 解析主版本号，解析失败返回 0
func majorVersion(version string) int {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return major
}

// connectToTopology 向拓扑里的每个地址建连，复用已有节点记录
func (m *clusterManager) connectToTopology(
	ctx context.Context,
	slotMap *cluster.SlotMap,
	existing map[string]*connection.ClusterNode,
) (map[string]*connection.ClusterNode, error) {
	addrs := slotMap.AllNodeAddresses()
	nodes := make(map[string]*connection.ClusterNode, len(addrs))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range addrs {
		if node, ok := existing[addr]; ok {
			nodes[addr] = node
			continue
		}

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			node, err := m.openNode(ctx, addr, slotMap.IsPrimary(addr), slotMap)
			if err != nil {
				logrus.WithField("component", "manager").
					Warnf("failed to connect %s: %v", addr, err)
				return
			}
			mu.Lock()
			nodes[addr] = node
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	if len(nodes) == 0 {
		return nil, protocol.NewClientError(protocol.KindIoError, "could not connect to any topology node")
	}
	return nodes, nil
}

// openNode 建立一个地址的节点记录；主节点附带管理连接
func (m *clusterManager) openNode(ctx context.Context, addr string, primary bool, slotMap *cluster.SlotMap) (*connection.ClusterNode, error) {
	userConn, err := connection.Dial(ctx, addr, m.cfg.connConfig(nil))
	if err != nil {
		return nil, err
	}

	details := connection.ConnectionDetails{
		Conn: userConn,
		IP:   slotMap.IPForAddress(addr),
		AZ:   m.fetchAZ(ctx, userConn),
	}

	var management *connection.ConnectionDetails
	if primary && m.cfg.PeriodicChecks != PeriodicChecksDisabled {
		// 管理连接承载刷新流量，不配置订阅
		mgmtCfg := m.cfg.connConfig(nil)
		mgmtCfg.Subscriptions = connection.PubSubSubscriptions{}
		if mgmtConn, err := connection.Dial(ctx, addr, mgmtCfg); err == nil {
			management = &connection.ConnectionDetails{Conn: mgmtConn, IP: details.IP, AZ: details.AZ}
		}
	}

	return connection.NewClusterNode(details, management), nil
}

// fetchAZ 读节点的可用区标签，仅 AZ 亲和策略下查询
func (m *clusterManager) fetchAZ(ctx context.Context, conn connection.Conn) string {
	mode := m.cfg.ReadFrom.Mode
	if mode != cluster.ReadFromAZAffinity && mode != cluster.ReadFromAZAffinityReplicasAndPrimary {
		return ""
	}

	resp, err := conn.SendCommand(ctx, protocol.NewCmd("CONFIG", "GET", "availability-zone"))
	if err != nil {
		return ""
	}

	// 响应是 [key, value] 数组或 RESP3 映射
	if resp.Type == protocol.TypeMap && len(resp.Map) > 0 {
		return resp.Map[0].Value.ToString()
	}
	if arr := resp.GetArray(); len(arr) >= 2 {
		return arr[1].ToString()
	}
	return ""
}

// startBackground 启动周期刷新与响应式刷新协程
func (m *clusterManager) startBackground() {
	if !m.cfg.ClusterModeEnabled {
		// 单机模式没有拓扑可刷新
		return
	}

	interval := m.cfg.periodicInterval()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var ticker *time.Ticker
		var tick <-chan time.Time
		if interval > 0 {
			ticker = time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-tick:
				m.refreshTopology(false)
			case <-m.refreshRequest:
				m.refreshTopology(false)
			}
		}
	}()
}

// requestRefresh 请求一次异步拓扑刷新，满了直接丢弃（已有请求在途）
func (m *clusterManager) requestRefresh() {
	select {
	case m.refreshRequest <- struct{}{}:
	default:
	}
}

// refreshTopology 刷新拓扑，受速率限制；force 跳过限制
func (m *clusterManager) refreshTopology(force bool) {
	m.topoMu.Lock()
	defer m.topoMu.Unlock()

	if !force {
		minInterval := DefaultRefreshRateLimitInterval +
			time.Duration(rand.Int63n(int64(DefaultRefreshRateLimitJitter)))
		if time.Since(m.lastRefresh) < minInterval {
			return
		}
	}
	m.lastRefresh = time.Now()

	for retry := 0; retry <= cluster.DefaultRefreshSlotsRetries; retry++ {
		conns := m.container.RandomConnections(refreshTopologyNumNodes, connection.ConnectionManagement)
		views := m.queryViews(conns)

		slotMap, hash, err := cluster.CalculateTopology(views, retry, len(conns), m.cfg.ReadFrom)
		if err != nil {
			if err == cluster.ErrNoMajority || err == cluster.ErrLowAgreement {
				// 无多数/低赞同：退避后换一批节点再试
				select {
				case <-m.ctx.Done():
					return
				case <-time.After(m.cfg.ConnectionRetryStrategy.DelayFor(retry)):
				}
				continue
			}
			logrus.WithField("component", "manager").Warnf("topology refresh failed: %v", err)
			return
		}

		if hash == m.topologyHash {
			return
		}

		m.applyTopology(slotMap, hash)
		return
	}
}

// queryViews 向一组连接查询 CLUSTER SLOTS
func (m *clusterManager) queryViews(conns []connection.AddressConn) []cluster.TopologyView {
	views := make([]cluster.TopologyView, 0, len(conns))
	for _, ac := range conns {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		resp, err := ac.Conn.SendCommand(ctx, protocol.NewCmd("CLUSTER", "SLOTS"))
		cancel()
		if err != nil || resp.IsError() {
			continue
		}
		views = append(views, cluster.TopologyView{Address: ac.Address, Resp: resp})
	}
	return views
}

// applyTopology 换表：换入新槽位映射，扩入新地址，退休消失的地址
func (m *clusterManager) applyTopology(slotMap *cluster.SlotMap, hash uint64) {
	oldAddrs := m.container.Addresses()
	m.container.SwapSlotMap(slotMap)
	m.topologyHash = hash

	wanted := make(map[string]bool)
	for _, addr := range slotMap.AllNodeAddresses() {
		wanted[addr] = true
		if _, ok := m.container.ConnectionForAddress(addr); ok {
			continue
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectionTimeout)
		node, err := m.openNode(ctx, addr, slotMap.IsPrimary(addr), slotMap)
		cancel()
		if err != nil {
			logrus.WithField("component", "manager").Warnf("failed to extend to %s: %v", addr, err)
			continue
		}
		m.container.ReplaceOrAddConnectionForAddress(addr, node)
	}

	for _, addr := range oldAddrs {
		if !wanted[addr] {
			m.container.RemoveNode(addr)
		}
	}

	logrus.WithField("component", "manager").
		Infof("topology updated to %s, %d nodes", cluster.TopologyHashString(hash), m.container.Len())
}

// updateSlotRangeWithMoved MOVED 驱动的单槽更新
//
// 目标地址已在节点表时复用其分片地址组；否则新建仅含主节点的分片，
// 并在重试派发前保证目标地址有连接。
func (m *clusterManager) updateSlotRangeWithMoved(slot uint16, addr string) error {
	slotMap := m.container.SlotMap()

	if _, ok := m.container.ConnectionForAddress(addr); !ok {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectionTimeout)
		node, err := m.openNode(ctx, addr, true, slotMap)
		cancel()
		if err != nil {
			return err
		}
		m.container.ReplaceOrAddConnectionForAddress(addr, node)
	}

	if shard := slotMap.ShardForAddress(addr); shard != nil {
		return slotMap.UpdateSlotRange(slot, shard)
	}
	return slotMap.AddNewPrimary(slot, addr, nil)
}

// ensureReconnectTask 保证地址存在后台重连任务
func (m *clusterManager) ensureReconnectTask(addr string) *connection.RefreshTaskState {
	taskCtx, cancel := context.WithCancel(m.ctx)
	state := connection.NewRefreshTaskState(cancel)

	effective, created := m.container.RefreshStates().SetIfAbsent(addr, state)
	if !created {
		cancel()
		return effective
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop(taskCtx, addr, state)
	}()
	return state
}

// reconnectLoop 按退避计划重试握手
func (m *clusterManager) reconnectLoop(ctx context.Context, addr string, state *connection.RefreshTaskState) {
	strategy := m.cfg.ConnectionRetryStrategy

	for attempt := 0; attempt < strategy.NumberOfRetries; attempt++ {
		slotMap := m.container.SlotMap()
		node, err := m.openNode(ctx, addr, slotMap.IsPrimary(addr), slotMap)
		if err == nil {
			m.container.ReplaceOrAddConnectionForAddress(addr, node)
			state.NotifySuccess()
			m.container.RefreshStates().Remove(addr)
			logrus.WithField("component", "manager").Infof("reconnected to %s", addr)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(strategy.DelayFor(attempt)):
		}
	}

	// 重试耗尽：地址视为死亡，等待者全部唤醒
	state.FlipToTooLong()
	logrus.WithField("component", "manager").Warnf("reconnect to %s gave up", addr)
}

// connectionForAddressOrDial 取地址连接，缺失时现场建连（MOVED/ASK 目标）
func (m *clusterManager) connectionForAddressOrDial(ctx context.Context, addr string) (connection.Conn, error) {
	if conn, ok := m.container.ConnectionForAddress(addr); ok {
		return conn, nil
	}

	slotMap := m.container.SlotMap()
	node, err := m.openNode(ctx, addr, false, slotMap)
	if err != nil {
		return nil, err
	}
	m.container.ReplaceOrAddConnectionForAddress(addr, node)
	return node.User.Conn, nil
}

// Close 关闭管理器
func (m *clusterManager) Close() {
	m.cancel()
	m.container.Close()
	m.wg.Wait()
}
