package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 集群扫描 - Cluster Scan
 * ============================================================================
 *
 * 【核心原理】
 * 在槽迁移、节点故障中仍按 SCAN 语义遍历整个集群的键：
 * 为游标创建时已知的每个主节点维护 (地址, 游标值, 是否完成)，
 * 每次迭代重新快照拓扑、公平地挑下一个未完成的分片、对其主节点发 SCAN。
 * 返回终止游标 0 时标记分片完成；全部完成即扫描结束。
 *
 * 迁移重排区间时同一个键可能被重复返回，引擎不做去重，调用方自理。
 *
 * 【游标登记表】
 * 扫描状态是富状态，不能按值跨外部边界。登记表把短可打印 id 映射到
 * 状态句柄，外部只见 id，登记表负责保活；终止哨兵是字面量 "finished"。
 */

// FinishedScanCursor 终止游标哨兵
const FinishedScanCursor = "finished"

// ScanArgs 集群扫描参数
type ScanArgs struct {
	// MatchPattern glob 匹配模式，可为 nil
	MatchPattern []byte

	// Count 每次迭代的数量提示，0 不传
	Count int64

	// ObjectType 对象类型过滤：string | list | set | zset | hash | stream
	ObjectType string

	// AllowNonCoveredSlots 分片死亡时跳过而不是失败
	AllowNonCoveredSlots bool
}

// shardProgress 单个分片的扫描进度
type shardProgress struct {
	primary string
	cursor  string
	done    bool
}

// ScanState 集群扫描状态
type ScanState struct {
	mu     sync.Mutex
	shards []*shardProgress
	next   int
}

// newScanState 从当前主节点快照创建扫描状态
func newScanState(primaries []string) *ScanState {
	state := &ScanState{}
	for _, p := range primaries {
		state.shards = append(state.shards, &shardProgress{primary: p, cursor: "0"})
	}
	return state
}

// finished 所有分片是否都已完成
func (s *ScanState) finished() bool {
	for _, shard := range s.shards {
		if !shard.done {
			return false
		}
	}
	return true
}

// syncShards 拓扑快照变化时补入新出现的主节点
func (s *ScanState) syncShards(primaries []string) {
	known := make(map[string]bool, len(s.shards))
	for _, shard := range s.shards {
		known[shard.primary] = true
	}
	for _, p := range primaries {
		if !known[p] {
			s.shards = append(s.shards, &shardProgress{primary: p, cursor: "0"})
		}
	}
}

// nextShard 公平挑选下一个未完成的分片
func (s *ScanState) nextShard() *shardProgress {
	n := len(s.shards)
	for i := 0; i < n; i++ {
		shard := s.shards[(s.next+i)%n]
		if !shard.done {
			s.next = (s.next + i + 1) % n
			return shard
		}
	}
	return nil
}

// CursorRegistry 游标登记表：短可打印 id → 扫描状态
type CursorRegistry struct {
	mu      sync.Mutex
	cursors map[string]*ScanState
}

// NewCursorRegistry 创建登记表
func NewCursorRegistry() *CursorRegistry {
	return &CursorRegistry{cursors: make(map[string]*ScanState)}
}

// Register 登记状态，返回新分配的 id
func (r *CursorRegistry) Register(state *ScanState) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// 随机源不可用时退化为计数
		r.mu.Lock()
		id := "cursor-" + strconv.Itoa(len(r.cursors))
		r.cursors[id] = state
		r.mu.Unlock()
		return id
	}

	id := hex.EncodeToString(buf)
	r.mu.Lock()
	r.cursors[id] = state
	r.mu.Unlock()
	return id
}

// Get 按 id 取状态
func (r *CursorRegistry) Get(id string) (*ScanState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.cursors[id]
	return state, ok
}

// Remove 外部持有者声明不再需要后移除
func (r *CursorRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.cursors, id)
	r.mu.Unlock()
}

// Len 登记的游标数
func (r *CursorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

// ClusterScan 推进一次扫描，返回收集到的键
func (m *clusterManager) ClusterScan(ctx context.Context, state *ScanState, args ScanArgs) ([]*protocol.Value, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	// 每次迭代重新快照拓扑
	state.syncShards(m.container.SlotMap().AddressesForAllPrimaries())

	for {
		shard := state.nextShard()
		if shard == nil {
			return nil, nil
		}

		conn, ok := m.container.ConnectionForAddress(shard.primary)
		if !ok {
			if args.AllowNonCoveredSlots {
				// 分片死亡：标记完成继续扫其余分片
				shard.done = true
				logrus.WithField("component", "scan").
					Debugf("skipping unreachable shard %s", shard.primary)
				continue
			}
			return nil, protocol.NewClientErrorf(protocol.KindNotAllSlotsCovered,
				"shard %s is unreachable during cluster scan", shard.primary)
		}

		cmd := protocol.NewCmd("SCAN", shard.cursor)
		if args.MatchPattern != nil {
			cmd.Arg("MATCH").ArgBytes(args.MatchPattern)
		}
		if args.Count > 0 {
			cmd.Arg("COUNT").ArgInt(args.Count)
		}
		if args.ObjectType != "" {
			cmd.Arg("TYPE").Arg(args.ObjectType)
		}

		resp, err := conn.SendCommand(ctx, cmd)
		if err != nil {
			m.ensureReconnectTask(shard.primary)
			if args.AllowNonCoveredSlots {
				shard.done = true
				continue
			}
			return nil, err
		}
		if serverErr := protocol.ErrorFromValue(resp); serverErr != nil {
			if serverErr.Kind == protocol.KindMoved {
				// 拓扑变了：请求刷新并重新快照，下轮迭代重挑分片
				m.requestRefresh()
				state.syncShards(m.container.SlotMap().AddressesForAllPrimaries())
				continue
			}
			return nil, serverErr
		}

		arr := resp.GetArray()
		if len(arr) != 2 {
			return nil, protocol.NewClientError(protocol.KindFatalReceiveError, "malformed SCAN reply")
		}

		shard.cursor = arr[0].ToString()
		if shard.cursor == "0" {
			shard.done = true
		}
		return arr[1].GetArray(), nil
	}
}
