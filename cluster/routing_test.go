package cluster

import (
	"testing"

	"github.com/code-100-precent/LingClient/protocol"
)

// TestRouteReadCommand 测试单键读命令路由到可选从节点
func TestRouteReadCommand(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("GET", "foo"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteSpecificNode {
		t.Fatalf("Expected SpecificNode, got %v", routing.Kind)
	}
	if routing.Route.Slot != HashSlotString("foo") {
		t.Fatal("Slot mismatch")
	}
	if routing.Route.SlotAddr != SlotAddrReplicaOptional {
		t.Fatal("Read command should prefer replicas")
	}
}

// TestRouteWriteCommand 测试单键写命令路由到主节点
func TestRouteWriteCommand(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("SET", "foo", "bar"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Route.SlotAddr != SlotAddrMaster {
		t.Fatal("Write command must go to the primary")
	}
}

// TestRouteMultiKeySameSlot 测试同槽多键命令单一路由
func TestRouteMultiKeySameSlot(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("MGET", "{tag}a", "{tag}b"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteSpecificNode {
		t.Fatalf("Same-slot multi-key should be a single route, got %v", routing.Kind)
	}
	if routing.Route.Slot != HashSlotString("tag") {
		t.Fatal("Slot mismatch")
	}
}

// TestRouteMultiKeySpanningSlots 测试跨槽多键命令生成子路由
func TestRouteMultiKeySpanningSlots(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("MGET", "foo", "bar"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteMultiSlot {
		t.Fatalf("Expected MultiSlot, got %v", routing.Kind)
	}
	if len(routing.Multi) != 2 {
		t.Fatalf("Expected 2 sub-routes, got %d", len(routing.Multi))
	}
	// 原始参数下标归属
	if routing.Multi[0].ArgIndices[0] != 1 || routing.Multi[1].ArgIndices[0] != 2 {
		t.Fatalf("Arg indices mismatch: %+v", routing.Multi)
	}
}

// TestRouteMSETKeyStep 测试 MSET 的键值成对归属
func TestRouteMSETKeyStep(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("MSET", "foo", "1", "bar", "2"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteMultiSlot {
		t.Fatalf("Expected MultiSlot, got %v", routing.Kind)
	}
	// 每个子路由带上键和值两个下标
	if len(routing.Multi[0].ArgIndices) != 2 || routing.Multi[0].ArgIndices[1] != 2 {
		t.Fatalf("MSET value index should follow its key: %+v", routing.Multi[0])
	}
}

// TestRouteMultiSlotPolicies 测试跨槽命令携带的重组策略
func TestRouteMultiSlotPolicies(t *testing.T) {
	cases := []struct {
		cmd    *protocol.Cmd
		policy ResponsePolicy
	}{
		{protocol.NewCmd("MGET", "foo", "bar"), PolicyCombineArrays},
		{protocol.NewCmd("DEL", "foo", "bar"), PolicyAggregateSum},
		{protocol.NewCmd("EXISTS", "foo", "bar"), PolicyAggregateSum},
		{protocol.NewCmd("UNLINK", "foo", "bar"), PolicyAggregateSum},
		{protocol.NewCmd("TOUCH", "foo", "bar"), PolicyAggregateSum},
		{protocol.NewCmd("MSET", "foo", "1", "bar", "2"), PolicyAllSucceeded},
	}
	for _, c := range cases {
		routing, err := RouteForCommand(c.cmd)
		if err != nil {
			t.Fatalf("%s routing failed: %v", c.cmd.Name(), err)
		}
		if routing.Kind != RouteMultiSlot {
			t.Fatalf("%s: expected MultiSlot, got %v", c.cmd.Name(), routing.Kind)
		}
		if routing.Policy != c.policy {
			t.Fatalf("%s: expected policy %v, got %v", c.cmd.Name(), c.policy, routing.Policy)
		}
	}
}

// TestRouteAdminCommands 测试管理命令的多节点路由
func TestRouteAdminCommands(t *testing.T) {
	cases := []struct {
		cmd    *protocol.Cmd
		kind   RoutingKind
		policy ResponsePolicy
	}{
		{protocol.NewCmd("FLUSHALL"), RouteAllPrimaries, PolicyAllSucceeded},
		{protocol.NewCmd("DBSIZE"), RouteAllPrimaries, PolicyAggregateSum},
		{protocol.NewCmd("CONFIG", "SET", "maxmemory", "0"), RouteAllNodes, PolicyAllSucceeded},
		{protocol.NewCmd("PING"), RouteAllNodes, PolicyAllSucceeded},
		{protocol.NewCmd("KEYS", "*"), RouteAllPrimaries, PolicyCombineArrays},
		{protocol.NewCmd("SCRIPT", "EXISTS", "digest"), RouteAllPrimaries, PolicySpecial},
	}
	for _, c := range cases {
		routing, err := RouteForCommand(c.cmd)
		if err != nil {
			t.Fatalf("%s routing failed: %v", c.cmd.Name(), err)
		}
		if routing.Kind != c.kind || routing.Policy != c.policy {
			t.Fatalf("%s: got kind=%v policy=%v", c.cmd.Name(), routing.Kind, routing.Policy)
		}
	}
}

// TestRouteKeylessCommand 测试无键命令随机路由
func TestRouteKeylessCommand(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("TIME"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteRandom {
		t.Fatalf("Keyless command should route Random, got %v", routing.Kind)
	}
}

// TestRouteCustomCommand 测试 CUSTOM 用第一个参数分类
func TestRouteCustomCommand(t *testing.T) {
	routing, err := RouteForCommand(protocol.NewCmd("CUSTOM", "GET", "foo"))
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}
	if routing.Kind != RouteSpecificNode {
		t.Fatalf("CUSTOM GET should route by key, got %v", routing.Kind)
	}
	if routing.Route.Slot != HashSlotString("foo") {
		t.Fatal("CUSTOM key argument offset mismatch")
	}
}

// TestNormalizeRoutingRewritesRandomWrite 测试写命令 Random 改写
func TestNormalizeRoutingRewritesRandomWrite(t *testing.T) {
	routing := NormalizeRouting(protocol.NewCmd("SET", "k", "v"), &RoutingInfo{Kind: RouteRandom})
	if routing.Kind != RouteRandomPrimary {
		t.Fatalf("Write + Random should rewrite to RandomPrimary, got %v", routing.Kind)
	}

	// 读命令不改写
	routing = NormalizeRouting(protocol.NewCmd("GET", "k"), &RoutingInfo{Kind: RouteRandom})
	if routing.Kind != RouteRandom {
		t.Fatal("Read + Random must be kept")
	}
}

// TestIsBlockingCommand 测试阻塞命令分类
func TestIsBlockingCommand(t *testing.T) {
	if !IsBlockingCommand("BLPOP") || !IsBlockingCommand("XREADGROUP") {
		t.Fatal("Blocking commands misclassified")
	}
	if IsBlockingCommand("GET") {
		t.Fatal("GET is not blocking")
	}
}

// TestCombineAggregate 测试整数聚合
func TestCombineAggregate(t *testing.T) {
	responses := []*protocol.Value{
		protocol.NewInteger(5),
		protocol.NewInteger(3),
		protocol.NewInteger(9),
	}

	sum, err := CombineResponses(PolicyAggregateSum, responses)
	if err != nil || sum.ToInt() != 17 {
		t.Fatalf("Sum mismatch: %v (err=%v)", sum, err)
	}

	min, err := CombineResponses(PolicyAggregateMin, responses)
	if err != nil || min.ToInt() != 3 {
		t.Fatalf("Min mismatch: %v (err=%v)", min, err)
	}

	max, err := CombineResponses(PolicyAggregateMax, responses)
	if err != nil || max.ToInt() != 9 {
		t.Fatalf("Max mismatch: %v (err=%v)", max, err)
	}
}

// TestCombineArrays 测试数组拼接
func TestCombineArrays(t *testing.T) {
	responses := []*protocol.Value{
		protocol.NewArray([]*protocol.Value{protocol.NewBulkString("a")}),
		protocol.NewArray([]*protocol.Value{protocol.NewBulkString("b"), protocol.NewBulkString("c")}),
	}
	combined, err := CombineResponses(PolicyCombineArrays, responses)
	if err != nil || len(combined.GetArray()) != 3 {
		t.Fatalf("CombineArrays mismatch: %v (err=%v)", combined, err)
	}
}

// TestCombineScriptExists 测试 SCRIPT EXISTS 按位与
func TestCombineScriptExists(t *testing.T) {
	responses := []*protocol.Value{
		protocol.NewArray([]*protocol.Value{protocol.NewInteger(1), protocol.NewInteger(1)}),
		protocol.NewArray([]*protocol.Value{protocol.NewInteger(1), protocol.NewInteger(0)}),
	}
	combined, err := CombineScriptExists(responses)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	arr := combined.GetArray()
	if arr[0].ToInt() != 1 || arr[1].ToInt() != 0 {
		t.Fatalf("Positional AND mismatch: %v", arr)
	}
}

// TestCombineMultiSlotResponses 测试跨槽响应按原始顺序重组
func TestCombineMultiSlotResponses(t *testing.T) {
	routes := []SlotRoute{
		{Route: Route{Slot: 1}, ArgIndices: []int{2}},
		{Route: Route{Slot: 2}, ArgIndices: []int{1, 3}},
	}
	responses := []*protocol.Value{
		protocol.NewArray([]*protocol.Value{protocol.NewBulkString("v2")}),
		protocol.NewArray([]*protocol.Value{protocol.NewBulkString("v1"), protocol.NewBulkString("v3")}),
	}

	combined, err := CombineMultiSlotResponses(routes, responses, 1)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	arr := combined.GetArray()
	if arr[0].ToString() != "v1" || arr[1].ToString() != "v2" || arr[2].ToString() != "v3" {
		t.Fatalf("Reassembly order mismatch: %v", arr)
	}
}
