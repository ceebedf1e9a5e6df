package cluster

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

/*
 * ============================================================================
 * 槽位映射 - Slot Map
 * ============================================================================
 *
 * 【核心原理】
 * 以区间终点为键的有序映射：end → SlotMapValue{start, addrs, lastUsedReplica}。
 * 查找槽 s 时取第一个 end >= s 的条目，若其 start <= s 则命中。
 * 未覆盖是合法状态（节点死亡且无替代后），调用方观察到"无可用连接"。
 *
 * 【更新规则】
 * MOVED 重定向触发单槽更新 UpdateSlotRange，六种场景按序判定：
 * 同分片无操作 / 单槽区间换指针 / 区间尾 / 区间头 / 区间内部三分 / 未覆盖槽，
 * 合并只做"把相邻区间延长一个槽"，保证区间互不重叠（不变量 I1）。
 *
 * 【并发约定】
 * 区间表由读写锁保护，唯一写者；lastUsedReplica 在读锁内用 CAS 无锁推进，
 * CAS 失败静默容忍（其他协程已推进，轮询语义下可接受）。
 * 节点表是并发映射，插入/删除/查询无锁。
 */

// SlotAddr 路由目标类型
type SlotAddr int

const (
	// SlotAddrMaster 只读主节点
	SlotAddrMaster SlotAddr = iota
	// SlotAddrReplicaOptional 优先从节点，不可用时回落主节点
	SlotAddrReplicaOptional
	// SlotAddrReplicaRequired 必须从节点
	SlotAddrReplicaRequired
)

// Route 单槽路由
type Route struct {
	Slot     uint16
	SlotAddr SlotAddr
}

// ReadFromMode 读策略模式
type ReadFromMode int

const (
	// ReadFromPrimary 总是读主节点
	ReadFromPrimary ReadFromMode = iota
	// ReadFromRoundRobin 从节点轮询
	ReadFromRoundRobin
	// ReadFromAZAffinity 优先同可用区从节点
	ReadFromAZAffinity
	// ReadFromAZAffinityReplicasAndPrimary 优先同可用区从节点，其次同可用区主节点
	ReadFromAZAffinityReplicasAndPrimary
)

// ReadFromStrategy 读策略
type ReadFromStrategy struct {
	Mode ReadFromMode
	AZ   string // AZAffinity 模式下的客户端可用区
}

// SlotMapValue 槽区间的值，区间终点是有序表的键
type SlotMapValue struct {
	Start uint16
	Addrs *ShardAddrs

	// lastUsedReplica 轮询读从节点的游标，CAS 推进
	lastUsedReplica atomic.Uint32
}

// advanceReplica 推进轮询游标并返回下一个下标
//
// CAS 接受最近观察到的值；失败说明其他协程已推进，静默容忍。
func (v *SlotMapValue) advanceReplica(n int) int {
	last := v.lastUsedReplica.Load()
	next := (last + 1) % uint32(n)
	v.lastUsedReplica.CompareAndSwap(last, next)
	return int(next)
}

// slotEntry 有序区间表的条目
type slotEntry struct {
	end uint16
	val *SlotMapValue
}

// nodeEntry 节点表条目：节点 IP（可选）与所属分片
type nodeEntry struct {
	ip    net.IP
	shard *ShardAddrs
}

// SlotMap 槽位到分片的映射
type SlotMap struct {
	mu       sync.RWMutex
	slots    []slotEntry // 按 end 升序
	nodes    sync.Map    // address → *nodeEntry
	readFrom ReadFromStrategy

	// azResolver 由连接容器注入，按地址查可用区
	azResolver func(addr string) string
}

// NewSlotMap 从解析出的槽区间构造槽位映射
func NewSlotMap(slots []Slot, ipMappings map[string]net.IP, readFrom ReadFromStrategy) *SlotMap {
	m := &SlotMap{readFrom: readFrom}

	for _, slot := range slots {
		// 同一主节点的所有区间共享同一个分片地址组
		var shard *ShardAddrs
		if e, ok := m.nodes.Load(slot.Master); ok {
			shard = e.(*nodeEntry).shard
		} else {
			shard = NewShardAddrs(slot.Master, slot.Replicas)
			m.nodes.Store(slot.Master, &nodeEntry{ip: ipMappings[slot.Master], shard: shard})
		}

		for _, replica := range shard.Replicas() {
			if _, ok := m.nodes.Load(replica); !ok {
				m.nodes.Store(replica, &nodeEntry{ip: ipMappings[replica], shard: shard})
			}
		}

		m.insertEntryLocked(slot.End, &SlotMapValue{Start: slot.Start, Addrs: shard})
	}

	return m
}

// SetAZResolver 注入按地址查询可用区的回调
func (m *SlotMap) SetAZResolver(resolver func(addr string) string) {
	m.mu.Lock()
	m.azResolver = resolver
	m.mu.Unlock()
}

// ReadFrom 返回读策略
func (m *SlotMap) ReadFrom() ReadFromStrategy {
	return m.readFrom
}

// findCovering 返回覆盖 slot 的条目下标；未覆盖返回 (插入点, false)
// 调用方须持锁。
func (m *SlotMap) findCovering(slot uint16) (int, bool) {
	idx := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].end >= slot })
	if idx < len(m.slots) && m.slots[idx].val.Start <= slot {
		return idx, true
	}
	return idx, false
}

// SlotValueForRoute 返回覆盖路由槽号的区间值，未覆盖返回 nil
func (m *SlotMap) SlotValueForRoute(route Route) *SlotMapValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.findCovering(route.Slot)
	if !ok {
		return nil
	}
	return m.slots[idx].val
}

// SlotAddrForRoute 按读策略解析路由对应的节点地址
func (m *SlotMap) SlotAddrForRoute(route Route) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.findCovering(route.Slot)
	if !ok {
		return "", false
	}
	return m.addressFromSlotValue(m.slots[idx].val, route.SlotAddr), true
}

// addressFromSlotValue 应用读策略选择节点，调用方须持读锁
func (m *SlotMap) addressFromSlotValue(v *SlotMapValue, slotAddr SlotAddr) string {
	addrs := v.Addrs
	replicas := addrs.Replicas()

	if slotAddr == SlotAddrMaster || len(replicas) == 0 {
		return addrs.Primary()
	}

	switch m.readFrom.Mode {
	case ReadFromPrimary:
		if slotAddr == SlotAddrReplicaRequired {
			// 显式要求从节点时强制轮询
			return replicas[v.advanceReplica(len(replicas))]
		}
		return addrs.Primary()

	case ReadFromRoundRobin:
		return replicas[v.advanceReplica(len(replicas))]

	case ReadFromAZAffinity:
		if addr := m.azRoundRobin(v, replicas); addr != "" {
			return addr
		}
		return replicas[v.advanceReplica(len(replicas))]

	case ReadFromAZAffinityReplicasAndPrimary:
		if addr := m.azRoundRobin(v, replicas); addr != "" {
			return addr
		}
		if m.azResolver != nil && m.azResolver(addrs.Primary()) == m.readFrom.AZ {
			return addrs.Primary()
		}
		return replicas[v.advanceReplica(len(replicas))]
	}

	return addrs.Primary()
}

// azRoundRobin 在客户端可用区内轮询从节点，无匹配返回空串
func (m *SlotMap) azRoundRobin(v *SlotMapValue, replicas []string) string {
	if m.azResolver == nil || m.readFrom.AZ == "" {
		return ""
	}

	matched := make([]string, 0, len(replicas))
	for _, r := range replicas {
		if m.azResolver(r) == m.readFrom.AZ {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return ""
	}
	return matched[v.advanceReplica(len(matched))]
}

// ShardAddrsForSlot 返回覆盖该槽的分片地址组
func (m *SlotMap) ShardAddrsForSlot(slot uint16) *ShardAddrs {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.findCovering(slot)
	if !ok {
		return nil
	}
	return m.slots[idx].val.Addrs
}

// ShardForAddress 返回地址所属的分片地址组
func (m *SlotMap) ShardForAddress(addr string) *ShardAddrs {
	if e, ok := m.nodes.Load(addr); ok {
		return e.(*nodeEntry).shard
	}
	return nil
}

// IsPrimary 地址是否为主节点
func (m *SlotMap) IsPrimary(addr string) bool {
	if e, ok := m.nodes.Load(addr); ok {
		return e.(*nodeEntry).shard.Primary() == addr
	}
	return false
}

// NodeAddressForIP 按 IP 反查节点地址，线性扫描，仅用于慢路径
func (m *SlotMap) NodeAddressForIP(ip net.IP) (string, bool) {
	var found string
	m.nodes.Range(func(key, value interface{}) bool {
		if e := value.(*nodeEntry); e.ip != nil && e.ip.Equal(ip) {
			found = key.(string)
			return false
		}
		return true
	})
	return found, found != ""
}

// IPForAddress 返回节点的 IP，未知返回 nil
func (m *SlotMap) IPForAddress(addr string) net.IP {
	if e, ok := m.nodes.Load(addr); ok {
		return e.(*nodeEntry).ip
	}
	return nil
}

// AddressesForAllPrimaries 枚举所有主节点地址
//
// 基于节点表而非区间表扫描，节点拥有不连续区间时也只出现一次。
func (m *SlotMap) AddressesForAllPrimaries() []string {
	seen := make(map[string]struct{})
	m.nodes.Range(func(_, value interface{}) bool {
		seen[value.(*nodeEntry).shard.Primary()] = struct{}{}
		return true
	})
	return sortedKeys(seen)
}

// AllNodeAddresses 枚举所有节点地址（主+从）
func (m *SlotMap) AllNodeAddresses() []string {
	seen := make(map[string]struct{})
	m.nodes.Range(func(key, _ interface{}) bool {
		seen[key.(string)] = struct{}{}
		return true
	})
	return sortedKeys(seen)
}

// AddressesForMultiSlot 批量解析多槽路由，保持输入顺序，未覆盖处为空串
func (m *SlotMap) AddressesForMultiSlot(routes []Route) []string {
	out := make([]string, len(routes))
	for i, route := range routes {
		if addr, ok := m.SlotAddrForRoute(route); ok {
			out[i] = addr
		}
	}
	return out
}

// GetSlotsOfNode 返回分配给该节点的所有槽号
func (m *SlotMap) GetSlotsOfNode(addr string) []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uint16
	for _, e := range m.slots {
		if e.val.Addrs.Contains(addr) {
			for s := e.val.Start; ; s++ {
				out = append(out, s)
				if s == e.end {
					break
				}
			}
		}
	}
	return out
}

// AddNewPrimary 为槽创建仅含主节点的新分片并更新区间
func (m *SlotMap) AddNewPrimary(slot uint16, addr string, ip net.IP) error {
	shard := NewShardAddrsWithPrimary(addr)
	m.nodes.Store(addr, &nodeEntry{ip: ip, shard: shard})
	return m.UpdateSlotRange(slot, shard)
}

// insertEntryLocked 按 end 有序插入条目，调用方须持写锁
func (m *SlotMap) insertEntryLocked(end uint16, val *SlotMapValue) {
	idx := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].end >= end })
	m.slots = append(m.slots, slotEntry{})
	copy(m.slots[idx+1:], m.slots[idx:])
	m.slots[idx] = slotEntry{end: end, val: val}
}

// tryMergeToNext 尝试把槽并入右邻区间：右邻 start == slot+1 且同分片时左延一个槽
func (m *SlotMap) tryMergeToNext(slot uint16, newAddrs *ShardAddrs) bool {
	if slot == ClusterSlots-1 {
		return false
	}
	idx := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].end >= slot+1 })
	if idx < len(m.slots) && m.slots[idx].val.Start == slot+1 && SameShard(m.slots[idx].val.Addrs, newAddrs) {
		m.slots[idx].val.Start = slot
		return true
	}
	return false
}

// tryMergeToPrev 尝试把槽并入左邻区间：左邻 end == slot-1 且同分片时右延一个槽
func (m *SlotMap) tryMergeToPrev(slot uint16, newAddrs *ShardAddrs) bool {
	if slot == 0 {
		return false
	}
	idx := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].end >= slot-1 })
	if idx < len(m.slots) && m.slots[idx].end == slot-1 && SameShard(m.slots[idx].val.Addrs, newAddrs) {
		// 区间右端点从 slot-1 改为 slot，此时 slot 未被覆盖，顺序不变
		m.slots[idx].end = slot
		return true
	}
	return false
}

// UpdateSlotRange 单槽更新：把槽指向新的分片地址组
//
// 六种场景按序判定：
// 1. 同分片持有     —— 无操作
// 2. 单槽区间       —— 原地换指针
// 3. 槽在区间尾     —— 区间缩一，槽独立成区间或并入右邻
// 4. 槽在区间头     —— 对称处理，尝试并入左邻
// 5. 槽在区间内部   —— 三分：[start,slot-1] / [slot,slot] / [slot+1,end]
// 6. 槽未被覆盖     —— 尝试并入任一同分片邻居，否则独立插入
func (m *SlotMap) UpdateSlotRange(slot uint16, newAddrs *ShardAddrs) error {
	if newAddrs == nil {
		return errors.New("slotmap: nil shard addrs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx, covered := m.findCovering(slot)
	if !covered {
		// 场景 6：未覆盖
		if !m.tryMergeToPrev(slot, newAddrs) && !m.tryMergeToNext(slot, newAddrs) {
			m.insertEntryLocked(slot, &SlotMapValue{Start: slot, Addrs: newAddrs})
		}
		return nil
	}

	curEnd := m.slots[idx].end
	cur := m.slots[idx].val

	switch {
	// 场景 1：同分片持有
	case SameShard(cur.Addrs, newAddrs):
		return nil

	// 场景 2：单槽区间
	case cur.Start == curEnd && cur.Start == slot:
		cur.Addrs = newAddrs

	// 场景 3：槽在区间尾
	case slot == curEnd:
		if m.tryMergeToNext(slot, newAddrs) {
			m.slots[idx].end = curEnd - 1
		} else {
			m.slots[idx].end = curEnd - 1
			m.insertEntryLocked(slot, &SlotMapValue{Start: slot, Addrs: newAddrs})
		}

	// 场景 4：槽在区间头
	case slot == cur.Start:
		cur.Start++
		if !m.tryMergeToPrev(slot, newAddrs) {
			m.insertEntryLocked(slot, &SlotMapValue{Start: slot, Addrs: newAddrs})
		}

	// 场景 5：槽在区间内部，三分
	default:
		start := cur.Start
		oldAddrs := cur.Addrs

		// 当前条目变为右段 [slot+1, end]
		cur.Start = slot + 1
		// 左段 [start, slot-1] 保留旧分片
		m.insertEntryLocked(slot-1, &SlotMapValue{Start: start, Addrs: oldAddrs})
		// 中段 [slot, slot] 归新分片
		m.insertEntryLocked(slot, &SlotMapValue{Start: slot, Addrs: newAddrs})
	}

	return nil
}

// Ranges 返回区间快照（start、end、分片），用于监控展示
func (m *SlotMap) Ranges() []Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Slot, 0, len(m.slots))
	for _, e := range m.slots {
		out = append(out, Slot{
			Start:    e.val.Start,
			End:      e.end,
			Master:   e.val.Addrs.Primary(),
			Replicas: e.val.Addrs.Replicas(),
		})
	}
	return out
}

// String 调试输出
func (m *SlotMap) String() string {
	var sb strings.Builder
	for _, s := range m.Ranges() {
		fmt.Fprintf(&sb, "[%d-%d] %s\n", s.Start, s.End, s.Master)
	}
	return sb.String()
}

// sortedKeys 集合键排序输出，保证枚举结果稳定
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
