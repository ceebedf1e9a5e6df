package client

import (
	"context"
	"sync"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 脚本执行 - Script Execution
 * ============================================================================
 *
 * 脚本按服务端计算的摘要寻址。本地只保存每摘要的引用计数，
 * 字节源在外部脚本仓库里，NOSCRIPT 回退时取回并 SCRIPT LOAD 后重试。
 * 本地计数为零时直接以 NoScript 失败，不发任何请求。
 */

// ScriptStore 外部脚本仓库
type ScriptStore interface {
	// Get 按摘要取脚本源，不存在返回 nil
	Get(hash string) []byte

	// Remove 删除脚本源
	Remove(hash string)
}

// ScriptManager 每摘要引用计数
type ScriptManager struct {
	mu        sync.RWMutex
	refCounts map[string]int
	store     ScriptStore
}

// NewScriptManager 创建脚本管理器
func NewScriptManager(store ScriptStore) *ScriptManager {
	return &ScriptManager{
		refCounts: make(map[string]int),
		store:     store,
	}
}

// AddScript 登记脚本引用
func (s *ScriptManager) AddScript(hash string) {
	s.mu.Lock()
	s.refCounts[hash]++
	s.mu.Unlock()
}

// DropScript 释放脚本引用，归零时同时清掉外部仓库的源
func (s *ScriptManager) DropScript(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.refCounts[hash]
	if !ok {
		return
	}
	if count <= 1 {
		delete(s.refCounts, hash)
		if s.store != nil {
			s.store.Remove(hash)
		}
		return
	}
	s.refCounts[hash] = count - 1
}

// IsKnown 摘要是否有活跃引用
func (s *ScriptManager) IsKnown(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refCounts[hash] > 0
}

// evalShaCmd 构造 EVALSHA 命令
func evalShaCmd(hash string, keys [][]byte, args [][]byte) *protocol.Cmd {
	cmd := protocol.NewCmd("EVALSHA", hash)
	cmd.ArgInt(int64(len(keys)))
	for _, k := range keys {
		cmd.ArgBytes(k)
	}
	for _, a := range args {
		cmd.ArgBytes(a)
	}
	return cmd
}

// InvokeScript 执行脚本
//
// 路由取调用方的 RoutingInfo；未给时带键脚本发往首键所在槽的主节点，
// 无键脚本随机路由。服务端回 NOSCRIPT 时
// 从外部仓库取源、在合适的节点（多节点路由时所有主节点）SCRIPT LOAD，
// 再重试一次 EVALSHA。
func (m *clusterManager) InvokeScript(
	ctx context.Context,
	scripts *ScriptManager,
	hash string,
	keys [][]byte,
	args [][]byte,
	routing *cluster.RoutingInfo,
) (*protocol.Value, error) {
	if !scripts.IsKnown(hash) {
		return nil, protocol.NewClientErrorf(protocol.KindNoScript,
			"script %s is not held by this client", hash)
	}

	if routing == nil {
		if len(keys) > 0 {
			// 带键脚本按首键槽路由而不是随机：键最终归属该槽的主节点，
			// 随机路由只会换来一次 MOVED 往返
			routing = &cluster.RoutingInfo{
				Kind:  cluster.RouteSpecificNode,
				Route: cluster.Route{Slot: cluster.HashSlot(keys[0]), SlotAddr: cluster.SlotAddrMaster},
			}
		} else {
			routing = &cluster.RoutingInfo{Kind: cluster.RouteRandom}
		}
	}

	cmd := evalShaCmd(hash, keys, args)
	resp, err := m.Send(ctx, cmd, routing)
	if err == nil {
		return resp, nil
	}

	serverErr := protocol.AsError(err)
	if serverErr == nil || serverErr.Kind != protocol.KindNoScript {
		return nil, err
	}

	// NOSCRIPT 回退：取源、装载、重试一次
	if scripts.store == nil {
		return nil, protocol.NewClientErrorf(protocol.KindNoScript,
			"script %s needs reloading but no script store is configured", hash)
	}
	source := scripts.store.Get(hash)
	if source == nil {
		return nil, protocol.NewClientErrorf(protocol.KindNoScript,
			"script %s missing from the script store", hash)
	}

	loadCmd := protocol.NewCmd("SCRIPT", "LOAD")
	loadCmd.ArgBytes(source)

	loadRouting := routing
	if routing.IsMultiNode() {
		loadRouting = &cluster.RoutingInfo{Kind: cluster.RouteAllPrimaries, Policy: cluster.PolicyAllSucceeded}
	}
	if _, err := m.Send(ctx, loadCmd, loadRouting); err != nil {
		return nil, err
	}

	return m.Send(ctx, evalShaCmd(hash, keys, args), routing)
}
