package cluster

import (
	"net"
	"testing"
)

// buildSlotMap 构造三分片的测试槽位映射
func buildSlotMap(readFrom ReadFromStrategy) *SlotMap {
	slots := []Slot{
		{Start: 0, End: 1000, Master: "node1:6379", Replicas: []string{"replica1:6379"}},
		{Start: 1001, End: 2000, Master: "node2:6379", Replicas: []string{"replica2:6379", "replica3:6379"}},
		{Start: 2001, End: 3000, Master: "node3:6379"},
	}
	return NewSlotMap(slots, nil, readFrom)
}

// ownerOf 查询槽的主节点地址
func ownerOf(t *testing.T, m *SlotMap, slot uint16) string {
	t.Helper()
	addrs := m.ShardAddrsForSlot(slot)
	if addrs == nil {
		return ""
	}
	return addrs.Primary()
}

// TestSlotMapLookup 测试槽查找
func TestSlotMapLookup(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})

	if owner := ownerOf(t, m, 500); owner != "node1:6379" {
		t.Fatalf("Slot 500 should belong to node1, got %s", owner)
	}
	if owner := ownerOf(t, m, 1001); owner != "node2:6379" {
		t.Fatalf("Slot 1001 should belong to node2, got %s", owner)
	}
	if owner := ownerOf(t, m, 3000); owner != "node3:6379" {
		t.Fatalf("Slot 3000 should belong to node3, got %s", owner)
	}

	// 未覆盖是合法状态
	if v := m.SlotValueForRoute(Route{Slot: 5000}); v != nil {
		t.Fatal("Slot 5000 should not be covered")
	}
}

// TestSlotMapMasterRoute 测试主节点路由
func TestSlotMapMasterRoute(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{Mode: ReadFromRoundRobin})

	addr, ok := m.SlotAddrForRoute(Route{Slot: 500, SlotAddr: SlotAddrMaster})
	if !ok || addr != "node1:6379" {
		t.Fatalf("Master route should return primary, got %s", addr)
	}
}

// TestSlotMapRoundRobinReplicas 测试从节点轮询
func TestSlotMapRoundRobinReplicas(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{Mode: ReadFromRoundRobin})

	// 两个从节点交替出现
	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		addr, ok := m.SlotAddrForRoute(Route{Slot: 1500, SlotAddr: SlotAddrReplicaOptional})
		if !ok {
			t.Fatal("Route should resolve")
		}
		seen[addr]++
	}
	if seen["replica2:6379"] != 2 || seen["replica3:6379"] != 2 {
		t.Fatalf("Round robin should alternate evenly, got %v", seen)
	}
}

// TestSlotMapAlwaysFromPrimary 测试总是读主策略
func TestSlotMapAlwaysFromPrimary(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{Mode: ReadFromPrimary})

	addr, _ := m.SlotAddrForRoute(Route{Slot: 1500, SlotAddr: SlotAddrReplicaOptional})
	if addr != "node2:6379" {
		t.Fatalf("AlwaysFromPrimary should return primary, got %s", addr)
	}

	// 显式要求从节点时强制轮询
	addr, _ = m.SlotAddrForRoute(Route{Slot: 1500, SlotAddr: SlotAddrReplicaRequired})
	if addr != "replica2:6379" && addr != "replica3:6379" {
		t.Fatalf("ReplicaRequired should force a replica, got %s", addr)
	}
}

// TestSlotMapNoReplicasFallsBack 测试无从节点回落主节点
func TestSlotMapNoReplicasFallsBack(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{Mode: ReadFromRoundRobin})

	addr, _ := m.SlotAddrForRoute(Route{Slot: 2500, SlotAddr: SlotAddrReplicaOptional})
	if addr != "node3:6379" {
		t.Fatalf("No replicas should fall back to primary, got %s", addr)
	}
}

// TestSlotMapAZAffinity 测试可用区亲和轮询
func TestSlotMapAZAffinity(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 1000, Master: "p:6379", Replicas: []string{"r1:6379", "r2:6379", "r3:6379"}},
	}
	m := NewSlotMap(slots, nil, ReadFromStrategy{Mode: ReadFromAZAffinity, AZ: "zone-a"})
	m.SetAZResolver(func(addr string) string {
		switch addr {
		case "r1:6379", "r3:6379":
			return "zone-a"
		case "r2:6379":
			return "zone-b"
		}
		return ""
	})

	// 连续四次读只落在同区的 r1/r3，各两次
	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		addr, ok := m.SlotAddrForRoute(Route{Slot: 100, SlotAddr: SlotAddrReplicaOptional})
		if !ok {
			t.Fatal("Route should resolve")
		}
		seen[addr]++
	}
	if len(seen) != 2 || seen["r1:6379"] != 2 || seen["r3:6379"] != 2 {
		t.Fatalf("AZ affinity should rotate within the zone, got %v", seen)
	}
}

// TestSlotMapAZAffinityFallsThrough 测试无同区从节点时退回普通轮询
func TestSlotMapAZAffinityFallsThrough(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 1000, Master: "p:6379", Replicas: []string{"r1:6379"}},
	}
	m := NewSlotMap(slots, nil, ReadFromStrategy{Mode: ReadFromAZAffinity, AZ: "zone-x"})
	m.SetAZResolver(func(string) string { return "zone-y" })

	addr, _ := m.SlotAddrForRoute(Route{Slot: 1, SlotAddr: SlotAddrReplicaOptional})
	if addr != "r1:6379" {
		t.Fatalf("Should fall through to generic round robin, got %s", addr)
	}
}

// TestSlotMapAZAffinityReplicasAndPrimary 测试同区主节点优先级
func TestSlotMapAZAffinityReplicasAndPrimary(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 1000, Master: "p:6379", Replicas: []string{"r1:6379"}},
	}
	m := NewSlotMap(slots, nil, ReadFromStrategy{Mode: ReadFromAZAffinityReplicasAndPrimary, AZ: "zone-a"})
	m.SetAZResolver(func(addr string) string {
		if addr == "p:6379" {
			return "zone-a"
		}
		return "zone-b"
	})

	// 从节点都不同区，主节点同区 → 选主节点
	addr, _ := m.SlotAddrForRoute(Route{Slot: 1, SlotAddr: SlotAddrReplicaOptional})
	if addr != "p:6379" {
		t.Fatalf("Same-zone primary should win, got %s", addr)
	}
}

// TestSlotMapEnumerations 测试节点枚举
func TestSlotMapEnumerations(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})

	primaries := m.AddressesForAllPrimaries()
	if len(primaries) != 3 {
		t.Fatalf("Expected 3 primaries, got %v", primaries)
	}

	all := m.AllNodeAddresses()
	if len(all) != 6 {
		t.Fatalf("Expected 6 nodes, got %v", all)
	}

	// 不变量 I2：地址是主节点当且仅当 IsPrimary 为真
	if !m.IsPrimary("node1:6379") || m.IsPrimary("replica1:6379") {
		t.Fatal("IsPrimary mismatch")
	}
}

// TestSlotMapSingleShardDisjointRanges 测试同一节点的多个不连续区间只枚举一次
func TestSlotMapSingleShardDisjointRanges(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 100, Master: "node1:6379"},
		{Start: 200, End: 300, Master: "node1:6379"},
		{Start: 101, End: 199, Master: "node2:6379"},
	}
	m := NewSlotMap(slots, nil, ReadFromStrategy{})

	if primaries := m.AddressesForAllPrimaries(); len(primaries) != 2 {
		t.Fatalf("Expected 2 primaries, got %v", primaries)
	}

	// 两个区间共享同一个分片地址组
	if !SameShard(m.ShardAddrsForSlot(50), m.ShardAddrsForSlot(250)) {
		t.Fatal("Disjoint ranges of one primary should share the shard handle")
	}
}

// TestSlotMapMultiSlotAddresses 测试多槽批量解析
func TestSlotMapMultiSlotAddresses(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})

	routes := []Route{
		{Slot: 500, SlotAddr: SlotAddrMaster},
		{Slot: 1500, SlotAddr: SlotAddrMaster},
		{Slot: 500, SlotAddr: SlotAddrMaster}, // 重复地址要重复出现
		{Slot: 9999, SlotAddr: SlotAddrMaster},
	}
	addrs := m.AddressesForMultiSlot(routes)
	if len(addrs) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(addrs))
	}
	if addrs[0] != "node1:6379" || addrs[1] != "node2:6379" || addrs[2] != "node1:6379" {
		t.Fatalf("Address resolution mismatch: %v", addrs)
	}
	if addrs[3] != "" {
		t.Fatalf("Uncovered slot should resolve to empty, got %s", addrs[3])
	}
}

// TestSlotMapIPReverseLookup 测试 IP 反查地址
func TestSlotMapIPReverseLookup(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 100, Master: "host-a:6379"},
	}
	ips := map[string]net.IP{"host-a:6379": net.ParseIP("10.0.0.5")}
	m := NewSlotMap(slots, ips, ReadFromStrategy{})

	addr, ok := m.NodeAddressForIP(net.ParseIP("10.0.0.5"))
	if !ok || addr != "host-a:6379" {
		t.Fatalf("IP reverse lookup failed: %s ok=%v", addr, ok)
	}
	if _, ok := m.NodeAddressForIP(net.ParseIP("10.9.9.9")); ok {
		t.Fatal("Unknown IP should not resolve")
	}
}

// TestUpdateSlotRangeSameOwner 测试同分片更新是无操作（R1）
func TestUpdateSlotRangeSameOwner(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	before := len(m.Ranges())

	owner := m.ShardAddrsForSlot(500)
	if err := m.UpdateSlotRange(500, owner); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(m.Ranges()) != before {
		t.Fatal("Same-owner update must be a no-op")
	}
	if !SameShard(m.ShardAddrsForSlot(500), owner) {
		t.Fatal("Owner changed unexpectedly")
	}
}

// TestUpdateSlotRangeSingleSlotRange 测试单槽区间换指针
func TestUpdateSlotRangeSingleSlotRange(t *testing.T) {
	slots := []Slot{
		{Start: 0, End: 0, Master: "a:6379"},
		{Start: 1, End: 100, Master: "b:6379"},
	}
	m := NewSlotMap(slots, nil, ReadFromStrategy{})
	newShard := NewShardAddrsWithPrimary("c:6379")

	if err := m.UpdateSlotRange(0, newShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 0) != "c:6379" {
		t.Fatal("Single slot range should swap in place")
	}
	if ownerOf(t, m, 1) != "b:6379" {
		t.Fatal("Neighbor range must be untouched")
	}
}

// TestUpdateSlotRangeEndOfRange 测试区间尾更新（独立成区间）
func TestUpdateSlotRangeEndOfRange(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	newShard := NewShardAddrsWithPrimary("new:6379")

	if err := m.UpdateSlotRange(1000, newShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 999) != "node1:6379" {
		t.Fatal("Shrunk range should keep its owner")
	}
	if ownerOf(t, m, 1000) != "new:6379" {
		t.Fatal("Updated slot should belong to the new shard")
	}
	if ownerOf(t, m, 1001) != "node2:6379" {
		t.Fatal("Right neighbor must be untouched")
	}
}

// TestUpdateSlotRangeEndOfRangeMerges 测试区间尾更新并入右邻
func TestUpdateSlotRangeEndOfRangeMerges(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	rightShard := m.ShardAddrsForSlot(1001)
	before := len(m.Ranges())

	// 槽 1000 改为右邻 node2 的分片：右邻区间左延一个槽
	if err := m.UpdateSlotRange(1000, rightShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 1000) != "node2:6379" {
		t.Fatal("Slot should join the right neighbor")
	}
	if len(m.Ranges()) != before {
		t.Fatalf("Merge should not add ranges: before=%d after=%d", before, len(m.Ranges()))
	}
	if !SameShard(m.ShardAddrsForSlot(1000), m.ShardAddrsForSlot(1500)) {
		t.Fatal("Merged slot must share the neighbor's shard handle")
	}
}

// TestUpdateSlotRangeStartOfRange 测试区间头更新并入左邻
func TestUpdateSlotRangeStartOfRange(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	leftShard := m.ShardAddrsForSlot(500)
	before := len(m.Ranges())

	// 槽 1001 改为左邻 node1 的分片：左邻区间右延一个槽
	if err := m.UpdateSlotRange(1001, leftShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 1001) != "node1:6379" {
		t.Fatal("Slot should join the left neighbor")
	}
	if ownerOf(t, m, 1002) != "node2:6379" {
		t.Fatal("Rest of the range keeps its owner")
	}
	if len(m.Ranges()) != before {
		t.Fatal("Merge should not add ranges")
	}
}

// TestUpdateSlotRangeInterior 测试区间内部三分
func TestUpdateSlotRangeInterior(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	newShard := NewShardAddrsWithPrimary("new:6379")
	before := len(m.Ranges())

	if err := m.UpdateSlotRange(1500, newShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 1499) != "node2:6379" || ownerOf(t, m, 1501) != "node2:6379" {
		t.Fatal("Flanks must keep the old shard")
	}
	if ownerOf(t, m, 1500) != "new:6379" {
		t.Fatal("Middle slot must move to the new shard")
	}
	if len(m.Ranges()) != before+2 {
		t.Fatalf("Split should add two ranges: before=%d after=%d", before, len(m.Ranges()))
	}

	// 两侧翼保持同一个分片句柄
	if !SameShard(m.ShardAddrsForSlot(1499), m.ShardAddrsForSlot(1501)) {
		t.Fatal("Flanks must share the old shard handle")
	}
}

// TestUpdateSlotRangeSplitAndRestore 测试三分后还原（R2）
func TestUpdateSlotRangeSplitAndRestore(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	original := m.ShardAddrsForSlot(1500)
	newShard := NewShardAddrsWithPrimary("new:6379")

	if err := m.UpdateSlotRange(1500, newShard); err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if err := m.UpdateSlotRange(1500, original); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// 覆盖关系还原：每个槽都回到原主
	for _, slot := range []uint16{1001, 1499, 1500, 1501, 2000} {
		if ownerOf(t, m, slot) != "node2:6379" {
			t.Fatalf("Slot %d should be restored to node2", slot)
		}
	}
}

// TestUpdateSlotRangeUncovered 测试未覆盖槽
func TestUpdateSlotRangeUncovered(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	newShard := NewShardAddrsWithPrimary("new:6379")

	// 远离现有区间：独立插入
	if err := m.UpdateSlotRange(5000, newShard); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 5000) != "new:6379" {
		t.Fatal("Uncovered slot should get a standalone range")
	}

	// 紧邻现有区间且同分片：并入
	owner3 := m.ShardAddrsForSlot(2500)
	before := len(m.Ranges())
	if err := m.UpdateSlotRange(3001, owner3); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ownerOf(t, m, 3001) != "node3:6379" {
		t.Fatal("Adjacent uncovered slot should merge into the neighbor")
	}
	if len(m.Ranges()) != before {
		t.Fatal("Merge should not add a range")
	}
}

// TestAddNewPrimary 测试新增主节点
func TestAddNewPrimary(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})

	if err := m.AddNewPrimary(5000, "fresh:6379", net.ParseIP("10.1.1.1")); err != nil {
		t.Fatalf("AddNewPrimary failed: %v", err)
	}
	if ownerOf(t, m, 5000) != "fresh:6379" {
		t.Fatal("New primary should own the slot")
	}
	if !m.IsPrimary("fresh:6379") {
		t.Fatal("New address should be a primary")
	}

	addr, ok := m.NodeAddressForIP(net.ParseIP("10.1.1.1"))
	if !ok || addr != "fresh:6379" {
		t.Fatal("New primary's IP should be registered")
	}
}

// TestUpdateSlotRangeOverlapInvariant 测试更新序列后的区间不重叠（I1）
func TestUpdateSlotRangeOverlapInvariant(t *testing.T) {
	m := buildSlotMap(ReadFromStrategy{})
	shardA := NewShardAddrsWithPrimary("a:6379")
	shardB := m.ShardAddrsForSlot(0)

	updates := []struct {
		slot  uint16
		shard *ShardAddrs
	}{
		{500, shardA}, {501, shardA}, {499, shardB}, {1000, shardA},
		{0, shardA}, {3000, shardA}, {1500, shardB},
	}
	for _, u := range updates {
		if err := m.UpdateSlotRange(u.slot, u.shard); err != nil {
			t.Fatalf("Update %d failed: %v", u.slot, err)
		}
	}

	ranges := m.Ranges()
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start <= ranges[i-1].End {
			t.Fatalf("Ranges overlap: [%d-%d] then [%d-%d]",
				ranges[i-1].Start, ranges[i-1].End, ranges[i].Start, ranges[i].End)
		}
		if ranges[i].Start > ranges[i].End {
			t.Fatalf("Inverted range [%d-%d]", ranges[i].Start, ranges[i].End)
		}
	}
}
