package cluster

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 路由推导 - Routing Resolver
 * ============================================================================
 *
 * 【核心原理】
 * 为每条命令推导一个路由：
 * - 单键读命令 → SpecificNode(槽号, ReplicaOptional)
 * - 单键写命令 → SpecificNode(槽号, Master)
 * - 多键命令同槽 → 单一路由；跨槽 → MultiSlot 子路由列表（带原始参数下标），
 *   并携带按命令定的重组策略：MGET 按原始参数顺序拼接，
 *   DEL/EXISTS/UNLINK/TOUCH 对各子路由的计数求和，MSET/WATCH 全部成功回 OK
 * - 管理命令（FLUSHALL、DBSIZE、CONFIG SET、PING 等）→ AllPrimaries / AllNodes
 *   加相应的响应合并策略
 * - CUSTOM 的第一个参数是真实命令名，按它分类
 *
 * 复合命令到路由策略的对应关系集中在本文件的表里，不要散落到各处。
 */

// RoutingKind 路由类别
type RoutingKind int

const (
	// RouteRandom 随机节点
	RouteRandom RoutingKind = iota
	// RouteRandomPrimary 随机主节点
	RouteRandomPrimary
	// RouteSpecificNode 指定槽路由
	RouteSpecificNode
	// RouteByAddress 指定地址
	RouteByAddress
	// RouteAllNodes 所有节点
	RouteAllNodes
	// RouteAllPrimaries 所有主节点
	RouteAllPrimaries
	// RouteMultiSlot 跨槽多子路由
	RouteMultiSlot
)

// ResponsePolicy 多节点响应合并策略
type ResponsePolicy int

const (
	// PolicyNone 无合并策略（取任意一个响应）
	PolicyNone ResponsePolicy = iota
	// PolicyAllSucceeded 全部成功才算成功
	PolicyAllSucceeded
	// PolicyOneSucceeded 任一成功即成功
	PolicyOneSucceeded
	// PolicyCombineArrays 数组拼接
	PolicyCombineArrays
	// PolicyAggregateSum 整数求和
	PolicyAggregateSum
	// PolicyAggregateMin 取最小
	PolicyAggregateMin
	// PolicyAggregateMax 取最大
	PolicyAggregateMax
	// PolicySpecial 按命令特判（如 SCRIPT EXISTS 按位与）
	PolicySpecial
)

// SlotRoute 多槽路由的子路由：路由 + 归属的原始参数下标
type SlotRoute struct {
	Route      Route
	ArgIndices []int
}

// RoutingInfo 命令路由信息
type RoutingInfo struct {
	Kind   RoutingKind
	Route  Route          // RouteSpecificNode
	Host   string         // RouteByAddress
	Port   int            // RouteByAddress
	Policy ResponsePolicy // RouteAllNodes / RouteAllPrimaries
	Multi  []SlotRoute    // RouteMultiSlot
}

// IsMultiNode 是否为多节点路由
func (r *RoutingInfo) IsMultiNode() bool {
	return r != nil && (r.Kind == RouteAllNodes || r.Kind == RouteAllPrimaries)
}

// commandSpec 命令分类表条目
type commandSpec struct {
	readonly bool
	blocking bool
	firstKey int // 第一个键参数下标，0 表示无键
	keyStep  int // 相邻键的步长，0 表示单键
	lastKey  int // 最后一个键相对末尾的偏移，-1 表示直到末尾
}

// multiNodeSpec 管理命令的多节点路由表条目
type multiNodeSpec struct {
	kind   RoutingKind
	policy ResponsePolicy
}

// commandTable 编译期内置的命令分类表
var commandTable = map[string]commandSpec{
	// 单键读命令
	"GET":       {readonly: true, firstKey: 1},
	"GETRANGE":  {readonly: true, firstKey: 1},
	"STRLEN":    {readonly: true, firstKey: 1},
	"TTL":       {readonly: true, firstKey: 1},
	"PTTL":      {readonly: true, firstKey: 1},
	"TYPE":      {readonly: true, firstKey: 1},
	"DUMP":      {readonly: true, firstKey: 1},
	"HGET":      {readonly: true, firstKey: 1},
	"HGETALL":   {readonly: true, firstKey: 1},
	"HEXISTS":   {readonly: true, firstKey: 1},
	"HKEYS":     {readonly: true, firstKey: 1},
	"HVALS":     {readonly: true, firstKey: 1},
	"HLEN":      {readonly: true, firstKey: 1},
	"HMGET":     {readonly: true, firstKey: 1},
	"LLEN":      {readonly: true, firstKey: 1},
	"LRANGE":    {readonly: true, firstKey: 1},
	"LINDEX":    {readonly: true, firstKey: 1},
	"SCARD":     {readonly: true, firstKey: 1},
	"SMEMBERS":  {readonly: true, firstKey: 1},
	"SISMEMBER": {readonly: true, firstKey: 1},
	"SRANDMEMBER": {readonly: true, firstKey: 1},
	"ZCARD":     {readonly: true, firstKey: 1},
	"ZSCORE":    {readonly: true, firstKey: 1},
	"ZRANGE":    {readonly: true, firstKey: 1},
	"ZRANK":     {readonly: true, firstKey: 1},
	"ZCOUNT":    {readonly: true, firstKey: 1},
	"XRANGE":    {readonly: true, firstKey: 1},
	"XLEN":      {readonly: true, firstKey: 1},
	"GETEX":     {firstKey: 1},
	"GETDEL":    {firstKey: 1},

	// 单键写命令
	"SET":          {firstKey: 1},
	"SETNX":        {firstKey: 1},
	"SETEX":        {firstKey: 1},
	"PSETEX":       {firstKey: 1},
	"APPEND":       {firstKey: 1},
	"INCR":         {firstKey: 1},
	"DECR":         {firstKey: 1},
	"INCRBY":       {firstKey: 1},
	"DECRBY":       {firstKey: 1},
	"INCRBYFLOAT":  {firstKey: 1},
	"EXPIRE":       {firstKey: 1},
	"PEXPIRE":      {firstKey: 1},
	"PERSIST":      {firstKey: 1},
	"HSET":         {firstKey: 1},
	"HSETNX":       {firstKey: 1},
	"HDEL":         {firstKey: 1},
	"HINCRBY":      {firstKey: 1},
	"HINCRBYFLOAT": {firstKey: 1},
	"LPUSH":        {firstKey: 1},
	"RPUSH":        {firstKey: 1},
	"LPOP":         {firstKey: 1},
	"RPOP":         {firstKey: 1},
	"LSET":         {firstKey: 1},
	"LREM":         {firstKey: 1},
	"LTRIM":        {firstKey: 1},
	"SADD":         {firstKey: 1},
	"SREM":         {firstKey: 1},
	"SPOP":         {firstKey: 1},
	"ZADD":         {firstKey: 1},
	"ZREM":         {firstKey: 1},
	"ZINCRBY":      {firstKey: 1},
	"ZPOPMIN":      {firstKey: 1},
	"ZPOPMAX":      {firstKey: 1},
	"XADD":         {firstKey: 1},
	"SETRANGE":     {firstKey: 1},
	"RESTORE":      {firstKey: 1},

	// 多键命令
	"MGET":   {readonly: true, firstKey: 1, keyStep: 1, lastKey: -1},
	"EXISTS": {readonly: true, firstKey: 1, keyStep: 1, lastKey: -1},
	"MSET":   {firstKey: 1, keyStep: 2, lastKey: -1},
	"DEL":    {firstKey: 1, keyStep: 1, lastKey: -1},
	"UNLINK": {firstKey: 1, keyStep: 1, lastKey: -1},
	"TOUCH":  {firstKey: 1, keyStep: 1, lastKey: -1},
	"WATCH":  {firstKey: 1, keyStep: 1, lastKey: -1},

	// 阻塞命令（连接错误时不可重试）
	"BLPOP":      {blocking: true, firstKey: 1},
	"BRPOP":      {blocking: true, firstKey: 1},
	"BLMOVE":     {blocking: true, firstKey: 1},
	"BRPOPLPUSH": {blocking: true, firstKey: 1},
	"BZPOPMAX":   {blocking: true, firstKey: 1},
	"BZPOPMIN":   {blocking: true, firstKey: 1},
	"BLMPOP":     {blocking: true, firstKey: 2},
	"BZMPOP":     {blocking: true, firstKey: 2},
	"WAIT":       {blocking: true},
	"XREAD":      {blocking: true, readonly: true},
	"XREADGROUP": {blocking: true},
}

// multiNodeTable 管理命令的多节点路由表（含复合命令）
var multiNodeTable = map[string]multiNodeSpec{
	"FLUSHALL":         {kind: RouteAllPrimaries, policy: PolicyAllSucceeded},
	"FLUSHDB":          {kind: RouteAllPrimaries, policy: PolicyAllSucceeded},
	"DBSIZE":           {kind: RouteAllPrimaries, policy: PolicyAggregateSum},
	"KEYS":             {kind: RouteAllPrimaries, policy: PolicyCombineArrays},
	"PING":             {kind: RouteAllNodes, policy: PolicyAllSucceeded},
	"AUTH":             {kind: RouteAllNodes, policy: PolicyAllSucceeded},
	"CONFIG SET":       {kind: RouteAllNodes, policy: PolicyAllSucceeded},
	"CONFIG RESETSTAT": {kind: RouteAllNodes, policy: PolicyAllSucceeded},
	"CONFIG REWRITE":   {kind: RouteAllNodes, policy: PolicyAllSucceeded},
	"SCRIPT LOAD":      {kind: RouteAllPrimaries, policy: PolicyAllSucceeded},
	"SCRIPT FLUSH":     {kind: RouteAllPrimaries, policy: PolicyAllSucceeded},
	"SCRIPT EXISTS":    {kind: RouteAllPrimaries, policy: PolicySpecial},
	"FUNCTION FLUSH":   {kind: RouteAllPrimaries, policy: PolicyAllSucceeded},
	"FUNCTION KILL":    {kind: RouteAllPrimaries, policy: PolicyOneSucceeded},
	"SCRIPT KILL":      {kind: RouteAllPrimaries, policy: PolicyOneSucceeded},
	"CLIENT SETNAME":   {kind: RouteAllNodes, policy: PolicyAllSucceeded},
}

// multiSlotPolicyTable 跨槽多键命令的响应重组策略
//
// 未列出的多键命令按原始参数顺序做位置拼接（MGET 形态）。
var multiSlotPolicyTable = map[string]ResponsePolicy{
	"MGET":   PolicyCombineArrays,
	"DEL":    PolicyAggregateSum,
	"EXISTS": PolicyAggregateSum,
	"UNLINK": PolicyAggregateSum,
	"TOUCH":  PolicyAggregateSum,
	"MSET":   PolicyAllSucceeded,
	"WATCH":  PolicyAllSucceeded,
}

// randomRewriteOnce 写命令 Random → RandomPrimary 改写只告警一次
var randomRewriteOnce sync.Once

// effectiveName 取路由分类用的命令名；CUSTOM 用第一个参数
func effectiveName(cmd *protocol.Cmd) (string, int) {
	name := cmd.Name()
	if name == "CUSTOM" && cmd.ArgCount() > 1 {
		return strings.ToUpper(string(cmd.ArgAt(1))), 1
	}
	return name, 0
}

// lookupMultiNode 查多节点路由表，先查 "名 子命令" 再查命令名
func lookupMultiNode(cmd *protocol.Cmd, name string, offset int) (multiNodeSpec, bool) {
	if cmd.ArgCount() > offset+1 {
		sub := name + " " + strings.ToUpper(string(cmd.ArgAt(offset+1)))
		if spec, ok := multiNodeTable[sub]; ok {
			return spec, true
		}
	}
	spec, ok := multiNodeTable[name]
	return spec, ok
}

// IsReadOnlyCommand 命令是否只读
func IsReadOnlyCommand(cmd *protocol.Cmd) bool {
	name, _ := effectiveName(cmd)
	return commandTable[name].readonly
}

// IsBlockingCommand 命令是否阻塞（连接错误时不可重试）
func IsBlockingCommand(name string) bool {
	return commandTable[strings.ToUpper(name)].blocking
}

// RouteForCommand 按默认规则推导命令路由
func RouteForCommand(cmd *protocol.Cmd) (*RoutingInfo, error) {
	if cmd.ArgCount() == 0 {
		return nil, errors.New("routing: empty command")
	}

	name, offset := effectiveName(cmd)

	if spec, ok := lookupMultiNode(cmd, name, offset); ok {
		return &RoutingInfo{Kind: spec.kind, Policy: spec.policy}, nil
	}

	spec, known := commandTable[name]
	if !known || spec.firstKey == 0 {
		// 无键命令随机路由
		return &RoutingInfo{Kind: RouteRandom}, nil
	}

	firstKey := spec.firstKey + offset
	if spec.keyStep == 0 {
		// 单键命令
		key := cmd.ArgAt(firstKey)
		if key == nil {
			return nil, errors.Errorf("routing: %s missing key argument", name)
		}
		return &RoutingInfo{
			Kind:  RouteSpecificNode,
			Route: Route{Slot: HashSlot(key), SlotAddr: slotAddrFor(spec)},
		}, nil
	}

	// 多键命令：按槽分组
	return multiKeyRoute(cmd, name, spec, firstKey)
}

// slotAddrFor 只读命令优先从节点
func slotAddrFor(spec commandSpec) SlotAddr {
	if spec.readonly {
		return SlotAddrReplicaOptional
	}
	return SlotAddrMaster
}

// multiKeyRoute 多键命令路由：同槽单路由，跨槽生成 MultiSlot
func multiKeyRoute(cmd *protocol.Cmd, name string, spec commandSpec, firstKey int) (*RoutingInfo, error) {
	slotAddr := slotAddrFor(spec)

	// 槽号 → 归属参数下标（保持出现顺序）
	order := make([]uint16, 0, 4)
	bySlot := make(map[uint16][]int)
	for i := firstKey; i < cmd.ArgCount(); i += spec.keyStep {
		slot := HashSlot(cmd.ArgAt(i))
		if _, seen := bySlot[slot]; !seen {
			order = append(order, slot)
		}
		// step > 1 时值参数跟随键参数
		for j := 0; j < spec.keyStep && i+j < cmd.ArgCount(); j++ {
			bySlot[slot] = append(bySlot[slot], i+j)
		}
	}

	if len(bySlot) == 0 {
		return nil, errors.Errorf("routing: %s missing key arguments", name)
	}

	if len(bySlot) == 1 {
		return &RoutingInfo{
			Kind:  RouteSpecificNode,
			Route: Route{Slot: order[0], SlotAddr: slotAddr},
		}, nil
	}

	multi := make([]SlotRoute, 0, len(bySlot))
	for _, slot := range order {
		multi = append(multi, SlotRoute{
			Route:      Route{Slot: slot, SlotAddr: slotAddr},
			ArgIndices: bySlot[slot],
		})
	}
	return &RoutingInfo{
		Kind:   RouteMultiSlot,
		Multi:  multi,
		Policy: multiSlotPolicyTable[name],
	}, nil
}

// NormalizeRouting 校验调用方指定的路由并做必要改写
//
// 写命令配 Random 改写为 RandomPrimary，只告警一次。
func NormalizeRouting(cmd *protocol.Cmd, routing *RoutingInfo) *RoutingInfo {
	if routing == nil {
		return nil
	}
	if routing.Kind == RouteRandom && !IsReadOnlyCommand(cmd) {
		randomRewriteOnce.Do(func() {
			logrus.WithField("component", "routing").
				Warn("write command routed Random, rewriting to RandomPrimary")
		})
		return &RoutingInfo{Kind: RouteRandomPrimary}
	}
	return routing
}

// CombineResponses 按策略合并多节点响应
//
// responses 按节点顺序给出；错误值已在上层剥离，这里只做值合并。
func CombineResponses(policy ResponsePolicy, responses []*protocol.Value) (*protocol.Value, error) {
	if len(responses) == 0 {
		return nil, errors.New("routing: no responses to combine")
	}

	switch policy {
	case PolicyNone, PolicyAllSucceeded, PolicyOneSucceeded:
		// 成功/失败判定在上层完成，这里返回最后一个值
		return responses[len(responses)-1], nil

	case PolicyCombineArrays:
		combined := make([]*protocol.Value, 0)
		for _, r := range responses {
			if !r.IsArray() {
				return nil, errors.New("routing: CombineArrays got non-array response")
			}
			combined = append(combined, r.GetArray()...)
		}
		return protocol.NewArray(combined), nil

	case PolicyAggregateSum:
		var sum int64
		for _, r := range responses {
			sum += r.ToInt()
		}
		return protocol.NewInteger(sum), nil

	case PolicyAggregateMin, PolicyAggregateMax:
		best := responses[0].ToInt()
		for _, r := range responses[1:] {
			v := r.ToInt()
			if (policy == PolicyAggregateMin && v < best) || (policy == PolicyAggregateMax && v > best) {
				best = v
			}
		}
		return protocol.NewInteger(best), nil

	case PolicySpecial:
		return CombineScriptExists(responses)
	}

	return responses[len(responses)-1], nil
}

// CombineScriptExists SCRIPT EXISTS 的多节点合并：按位与
//
// 脚本存在当且仅当每个被查询的节点都报告存在。
func CombineScriptExists(responses []*protocol.Value) (*protocol.Value, error) {
	var combined []*protocol.Value
	for _, r := range responses {
		arr := r.GetArray()
		if combined == nil {
			combined = make([]*protocol.Value, len(arr))
			copy(combined, arr)
			continue
		}
		if len(arr) != len(combined) {
			return nil, errors.New("routing: SCRIPT EXISTS responses length mismatch")
		}
		for i, v := range arr {
			if !scriptExistsTruthy(v) {
				combined[i] = protocol.NewInteger(0)
			}
		}
	}
	return protocol.NewArray(combined), nil
}

// scriptExistsTruthy 解析单个 SCRIPT EXISTS 位
func scriptExistsTruthy(v *protocol.Value) bool {
	if v == nil {
		return false
	}
	if v.Type == protocol.TypeBoolean {
		return v.Bool
	}
	return v.ToInt() != 0
}

// CombineMultiSlotResponses 跨槽命令的响应重组：按原始参数顺序拼回
//
// 每个子路由的响应是数组（一键一项）；按参数下标排序还原调用方顺序。
func CombineMultiSlotResponses(routes []SlotRoute, responses []*protocol.Value, keyStep int) (*protocol.Value, error) {
	type positioned struct {
		argIdx int
		value  *protocol.Value
	}

	var items []positioned
	for i, route := range routes {
		if i >= len(responses) {
			return nil, errors.New("routing: missing multi-slot sub-response")
		}
		arr := responses[i].GetArray()
		// step > 1 时每 step 个参数对应一个响应项
		keys := len(route.ArgIndices) / maxInt(keyStep, 1)
		if len(arr) != keys {
			return nil, errors.Errorf("routing: sub-response length %d, want %d", len(arr), keys)
		}
		for j, v := range arr {
			items = append(items, positioned{argIdx: route.ArgIndices[j*maxInt(keyStep, 1)], value: v})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].argIdx < items[j].argIdx })
	out := make([]*protocol.Value, len(items))
	for i, item := range items {
		out[i] = item.value
	}
	return protocol.NewArray(out), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
