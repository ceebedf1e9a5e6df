package cluster

import (
	"sort"
	"strings"
)

/*
 * ============================================================================
 * 分片地址组 - Shard Addresses
 * ============================================================================
 *
 * 一个分片 = 一个主节点 + 零或多个从节点。
 * 多个槽区间可以共享同一个分片地址组，以指针相等作为"同一分片"的判定，
 * 区间合并逻辑依赖这个判定。地址组构造后不可变；拓扑变化时构造新组并替换指针。
 */

// ShardAddrs 分片地址组，构造后不可变
type ShardAddrs struct {
	primary  string
	replicas []string
}

// NewShardAddrs 创建分片地址组，从节点地址排序以便跨视图比较
func NewShardAddrs(primary string, replicas []string) *ShardAddrs {
	sorted := make([]string, len(replicas))
	copy(sorted, replicas)
	sort.Strings(sorted)
	return &ShardAddrs{primary: primary, replicas: sorted}
}

// NewShardAddrsWithPrimary 创建只含主节点的地址组
func NewShardAddrsWithPrimary(primary string) *ShardAddrs {
	return &ShardAddrs{primary: primary}
}

// Primary 主节点地址
func (s *ShardAddrs) Primary() string {
	return s.primary
}

// Replicas 从节点地址
func (s *ShardAddrs) Replicas() []string {
	return s.replicas
}

// Contains 地址是否属于该分片
func (s *ShardAddrs) Contains(addr string) bool {
	if s.primary == addr {
		return true
	}
	for _, r := range s.replicas {
		if r == addr {
			return true
		}
	}
	return false
}

// SameShard 判定两个地址组是否为同一分片（指针相等，不比较内容）
func SameShard(a, b *ShardAddrs) bool {
	return a == b
}

// String 返回 "primary [replica1 replica2]"
func (s *ShardAddrs) String() string {
	if len(s.replicas) == 0 {
		return s.primary
	}
	return s.primary + " [" + strings.Join(s.replicas, " ") + "]"
}

// Slot 解析出的槽区间及其归属
type Slot struct {
	Start    uint16
	End      uint16
	Master   string
	Replicas []string
}
