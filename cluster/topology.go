package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 拓扑计算 - Topology Calculator
 * ============================================================================
 *
 * 【核心原理】
 * 向多个节点查询 CLUSTER SLOTS，不同节点的视图可能不一致（迁移中、
 * 刚故障转移）。按视图结构哈希分组投票：
 * - 票数最多的视图获胜，平票时偏向槽覆盖更大的视图
 * - 查询节点数 < 3 或重试已到上限（3 次）时无条件接受胜者
 * - 多个视图并列第一（无唯一多数）→ 可区分的"无多数"错误，提示调用方重试
 * - 否则要求赞同率 >= 0.2，不足返回"低赞同"错误
 *
 * 拓扑哈希是视图结构的 64 位摘要，相等即拓扑相等，用于判断是否需要换表。
 */

const (
	// DefaultRefreshSlotsRetries 拓扑刷新最大重试次数
	DefaultRefreshSlotsRetries = 3

	// MinTopologyAgreementRate 接受胜出视图所需的最低赞同率
	MinTopologyAgreementRate = 0.2
)

var (
	// ErrNoTopologyViews 没有任何可用的拓扑视图
	ErrNoTopologyViews = errors.New("topology: no topology views to calculate from")

	// ErrEmptySlotsView 所有视图的槽列表都为空
	ErrEmptySlotsView = errors.New("topology: all topology views hold empty slot lists")

	// ErrNoMajority 多个视图并列第一，无唯一多数
	ErrNoMajority = errors.New("topology: no majority topology view, retry needed")

	// ErrLowAgreement 胜出视图的赞同率低于阈值
	ErrLowAgreement = errors.New("topology: topology agreement rate below threshold")
)

// TopologyView 一个节点返回的原始槽视图
type TopologyView struct {
	Address string          // 响应节点地址 host:port
	Resp    *protocol.Value // CLUSTER SLOTS 原始响应
}

// parsedView 解析后的视图与结构哈希
type parsedView struct {
	hash       uint64
	slots      []Slot
	ipMappings map[string]net.IP
	coverage   int
	votes      int
}

// viewSignature 参与结构哈希的视图内容
type viewSignature struct {
	Count uint64
	Slots []Slot
}

// ParseSlotsResponse 解析一个 CLUSTER SLOTS 响应
//
// 每条槽记录形如 [start, end, 主节点, 从节点...]，
// 节点记录形如 [address, port, node_id, metadata?]，metadata 是
// 键值交替数组或映射。地址规整规则：
// - address 为空或缺失 → 用响应节点的主机名
// - address == "?" → 跳过该节点（未知节点）
// - address 是 IP → 取 metadata 的 hostname（非空时）作为规范地址，否则用 IP
// - address 是主机名 → 取 metadata 的 ip（可解析时）记入 IP 映射
func ParseSlotsResponse(view TopologyView) ([]Slot, map[string]net.IP, error) {
	if view.Resp == nil || !view.Resp.IsArray() {
		return nil, nil, errors.Errorf("topology: malformed CLUSTER SLOTS response from %s", view.Address)
	}

	responderHost := view.Address
	if idx := strings.LastIndex(responderHost, ":"); idx >= 0 {
		responderHost = responderHost[:idx]
	}

	slots := make([]Slot, 0, len(view.Resp.Array))
	ipMappings := make(map[string]net.IP)

	for _, record := range view.Resp.GetArray() {
		fields := record.GetArray()
		if len(fields) < 3 {
			continue
		}

		start := uint16(fields[0].ToInt())
		end := uint16(fields[1].ToInt())

		var master string
		var replicas []string
		for i, nodeVal := range fields[2:] {
			addr, ip, ok := parseNodeRecord(nodeVal, responderHost)
			if !ok {
				continue
			}
			if ip != nil {
				ipMappings[addr] = ip
			}
			if i == 0 {
				master = addr
			} else {
				replicas = append(replicas, addr)
			}
		}
		if master == "" {
			continue
		}

		// 从节点排序，保证视图结构可跨节点比较
		sort.Strings(replicas)
		slots = append(slots, Slot{Start: start, End: end, Master: master, Replicas: replicas})
	}

	return slots, ipMappings, nil
}

// parseNodeRecord 解析单个节点记录，返回规范地址和可选 IP
func parseNodeRecord(v *protocol.Value, responderHost string) (string, net.IP, bool) {
	fields := v.GetArray()
	if len(fields) < 2 {
		return "", nil, false
	}

	rawAddr := fields[0].ToString()
	port := fields[1].ToInt()

	if rawAddr == "?" {
		// 未知节点
		return "", nil, false
	}

	hostname, ipStr := metadataFields(fields)

	var host string
	var ip net.IP
	if rawAddr == "" {
		host = responderHost
	} else if parsed := net.ParseIP(rawAddr); parsed != nil {
		// 主标识是 IP，规范地址优先取 metadata 的 hostname
		ip = parsed
		if hostname != "" {
			host = hostname
		} else {
			host = rawAddr
		}
	} else {
		// 主标识是主机名，metadata 的 ip 记入映射
		host = rawAddr
		if ipStr != "" {
			ip = net.ParseIP(ipStr)
		}
	}

	addr := host + ":" + strconv.FormatInt(port, 10)
	return addr, ip, true
}

// metadataFields 从节点记录的第 4 个元素取 hostname 和 ip
func metadataFields(fields []*protocol.Value) (hostname, ip string) {
	if len(fields) < 4 {
		return "", ""
	}
	meta := fields[3]

	get := func(key, val *protocol.Value) {
		switch key.ToString() {
		case "hostname":
			hostname = val.ToString()
		case "ip":
			ip = val.ToString()
		}
	}

	switch {
	case meta.Type == protocol.TypeMap:
		for _, e := range meta.Map {
			get(e.Key, e.Value)
		}
	case meta.IsArray():
		arr := meta.GetArray()
		for i := 0; i+1 < len(arr); i += 2 {
			get(arr[i], arr[i+1])
		}
	}
	return hostname, ip
}

// CalculateTopology 从多节点视图计算一致拓扑
//
// 返回新构造的槽位映射和 64 位拓扑哈希。
func CalculateTopology(
	views []TopologyView,
	curRetry int,
	numOfQueriedNodes int,
	readFrom ReadFromStrategy,
) (*SlotMap, uint64, error) {
	if len(views) == 0 {
		return nil, 0, ErrNoTopologyViews
	}

	// 按结构哈希分组投票
	grouped := make(map[uint64]*parsedView)
	for _, view := range views {
		slots, ipMappings, err := ParseSlotsResponse(view)
		if err != nil || len(slots) == 0 {
			logrus.WithField("component", "topology").
				WithField("node", view.Address).
				Debug("skipping unusable topology view")
			continue
		}

		coverage := 0
		for _, s := range slots {
			coverage += int(s.End) - int(s.Start) + 1
		}

		hash, err := hashstructure.Hash(viewSignature{Count: uint64(len(slots)), Slots: slots}, nil)
		if err != nil {
			return nil, 0, errors.Wrap(err, "topology: hashing view failed")
		}

		if existing, ok := grouped[hash]; ok {
			existing.votes++
			// 同构视图的 IP 映射取并集
			for k, v := range ipMappings {
				existing.ipMappings[k] = v
			}
		} else {
			grouped[hash] = &parsedView{
				hash:       hash,
				slots:      slots,
				ipMappings: ipMappings,
				coverage:   coverage,
				votes:      1,
			}
		}
	}

	if len(grouped) == 0 {
		return nil, 0, ErrEmptySlotsView
	}

	// 票数最多的视图获胜，平票偏向覆盖更大的
	candidates := make([]*parsedView, 0, len(grouped))
	for _, pv := range grouped {
		candidates = append(candidates, pv)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].votes != candidates[j].votes {
			return candidates[i].votes > candidates[j].votes
		}
		return candidates[i].coverage > candidates[j].coverage
	})
	winner := candidates[0]
	hasTie := len(candidates) > 1 && candidates[1].votes == winner.votes

	if numOfQueriedNodes >= 3 && curRetry < DefaultRefreshSlotsRetries {
		if hasTie {
			return nil, 0, ErrNoMajority
		}
		rate := float64(winner.votes) / float64(numOfQueriedNodes)
		if rate < MinTopologyAgreementRate {
			logrus.WithField("component", "topology").
				Warnf("agreement rate %.2f below %.2f (%d/%d nodes)",
					rate, MinTopologyAgreementRate, winner.votes, numOfQueriedNodes)
			return nil, 0, ErrLowAgreement
		}
	}

	slotMap := NewSlotMap(winner.slots, winner.ipMappings, readFrom)
	return slotMap, winner.hash, nil
}

// TopologyHashString 哈希的十六进制形式，用于日志
func TopologyHashString(hash uint64) string {
	return fmt.Sprintf("%016x", hash)
}
