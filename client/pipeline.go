package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 管道与事务执行 - Pipeline / Transaction
 * ============================================================================
 *
 * 【核心原理】
 * 非原子管道：按路由把命令拆成每槽子管道，各自整批发给归属节点，
 * 逐条分类子响应（MOVED/ASK/TRYAGAIN 仅在 retry_server_error 开启时单条重试、
 * 连接错误看 retry_connection_error），最后按调用方原始顺序重组结果。
 *
 * 原子事务：必须落在单槽。线上形态 MULTI + 命令 + EXEC，
 * 偏移 = 命令数 + 1（MULTI 的 OK 加每条命令的 QUEUED）。
 * EXEC 回 null 表示事务中止，原样返回 null。
 *
 * raise_on_error=true 时任一位置的服务端错误带下标中止整个批次；
 * false 时错误作为内联值留在结果数组里。
 */

// PipelineOptions 管道执行选项
type PipelineOptions struct {
	// RaiseOnError 任一服务端错误是否中止整个管道
	RaiseOnError bool

	// RetryServerError MOVED/TRYAGAIN 等服务端错误是否重试
	RetryServerError bool

	// RetryConnectionError 连接错误是否重试子管道
	RetryConnectionError bool

	// Routing 调用方指定的单节点路由，跳过按槽拆分
	Routing *cluster.RoutingInfo
}

// subPipeline 一个目标节点的子管道
type subPipeline struct {
	route   cluster.Route
	indices []int // 原始命令下标
	cmds    []*protocol.Cmd
}

// pipelineMismatchError 响应数量不匹配的结构化错误
func pipelineMismatchError(expected, actual int, atomic, raiseOnError bool) *protocol.Error {
	return protocol.NewClientErrorf(protocol.KindFatalReceiveError,
		"pipeline response count mismatch: expected %d, got %d (atomic=%v, raise_on_error=%v)",
		expected, actual, atomic, raiseOnError)
}

// SendPipeline 非原子管道执行
func (m *clusterManager) SendPipeline(ctx context.Context, cmds []*protocol.Cmd, opts PipelineOptions) ([]*protocol.Value, error) {
	if len(cmds) == 0 {
		return nil, protocol.NewClientError(protocol.KindUserOperationError, "empty pipeline")
	}

	subs, err := m.splitPipeline(cmds, opts.Routing)
	if err != nil {
		return nil, err
	}

	results := make([]*protocol.Value, len(cmds))
	for _, sub := range subs {
		if err := m.runSubPipeline(ctx, sub, results, opts); err != nil {
			return nil, err
		}
	}

	if opts.RaiseOnError {
		for i, r := range results {
			if serverErr := protocol.ErrorFromValue(r); serverErr != nil {
				return nil, protocol.NewClientErrorf(serverErr.Kind,
					"pipeline command %d failed: %s", i, serverErr.Error())
			}
		}
	}
	return results, nil
}

// splitPipeline 把命令按槽路由拆成子管道
func (m *clusterManager) splitPipeline(cmds []*protocol.Cmd, override *cluster.RoutingInfo) ([]*subPipeline, error) {
	if override != nil && override.Kind == cluster.RouteSpecificNode {
		// 调用方指定路由：整个管道发往该节点，路由错了由 MOVED 重试兜底
		sub := &subPipeline{route: override.Route}
		for i, cmd := range cmds {
			sub.indices = append(sub.indices, i)
			sub.cmds = append(sub.cmds, cmd)
		}
		return []*subPipeline{sub}, nil
	}

	order := make([]cluster.Route, 0, 4)
	grouped := make(map[cluster.Route]*subPipeline)
	for i, cmd := range cmds {
		routing, err := cluster.RouteForCommand(cmd)
		if err != nil {
			return nil, err
		}

		var route cluster.Route
		switch routing.Kind {
		case cluster.RouteSpecificNode:
			route = routing.Route
		case cluster.RouteRandom, cluster.RouteRandomPrimary:
			// 无键命令归入槽 0 的子管道
			route = cluster.Route{Slot: 0, SlotAddr: cluster.SlotAddrMaster}
		default:
			return nil, protocol.NewClientErrorf(protocol.KindUserOperationError,
				"command %s cannot be used inside a pipeline", cmd.Name())
		}

		sub, ok := grouped[route]
		if !ok {
			sub = &subPipeline{route: route}
			grouped[route] = sub
			order = append(order, route)
		}
		sub.indices = append(sub.indices, i)
		sub.cmds = append(sub.cmds, cmd)
	}

	out := make([]*subPipeline, 0, len(order))
	for _, route := range order {
		out = append(out, grouped[route])
	}
	return out, nil
}

// runSubPipeline 执行一个子管道并把结果填回原始位置
func (m *clusterManager) runSubPipeline(ctx context.Context, sub *subPipeline, results []*protocol.Value, opts PipelineOptions) error {
	replies, err := m.sendSubPipeline(ctx, sub, opts)
	if err != nil {
		return err
	}

	if len(replies) != len(sub.cmds) {
		return pipelineMismatchError(len(sub.cmds), len(replies), false, opts.RaiseOnError)
	}

	for i, reply := range replies {
		serverErr := protocol.ErrorFromValue(reply)
		if serverErr != nil && serverErr.IsRedirect() && opts.RetryServerError {
			// MOVED/ASK：该条命令单独重试，槽位映射更新在单发路径里完成
			retried, retryErr := m.sendSingleNode(ctx, sub.cmds[i], &cluster.RoutingInfo{
				Kind:  cluster.RouteSpecificNode,
				Route: sub.route,
			})
			if retryErr == nil {
				results[sub.indices[i]] = retried
				continue
			}
			if e := protocol.AsError(retryErr); e != nil {
				results[sub.indices[i]] = protocol.NewError(e.Error())
				continue
			}
			return retryErr
		}

		if serverErr != nil && serverErr.Kind == protocol.KindTryAgain && opts.RetryServerError {
			retried, retryErr := m.sendSingleNode(ctx, sub.cmds[i], &cluster.RoutingInfo{
				Kind:  cluster.RouteSpecificNode,
				Route: sub.route,
			})
			if retryErr == nil {
				results[sub.indices[i]] = retried
				continue
			}
		}

		results[sub.indices[i]] = reply
	}
	return nil
}

// sendSubPipeline 发送子管道，连接错误按 retry_connection_error 重试
func (m *clusterManager) sendSubPipeline(ctx context.Context, sub *subPipeline, opts PipelineOptions) ([]*protocol.Value, error) {
	for attempt := 0; ; attempt++ {
		conn, addr, err := m.acquireForRoute(ctx, sub.route)
		if err != nil {
			return nil, err
		}

		replies, err := conn.SendPipeline(ctx, sub.cmds, 0, len(sub.cmds))
		if err == nil {
			return replies, nil
		}

		if protocol.KindOf(err) == protocol.KindTimeout {
			m.telemetry.RecordTimeout()
			return nil, err
		}

		m.ensureReconnectTask(addr)
		if !opts.RetryConnectionError || attempt >= DefaultRetries {
			return nil, err
		}
		logrus.WithField("component", "pipeline").
			Debugf("retrying sub-pipeline after connection error: %v", err)
	}
}

// SendTransaction 原子事务执行
//
// 返回值是 EXEC 的响应：null 表示事务被中止；否则是命令数长度的数组。
func (m *clusterManager) SendTransaction(ctx context.Context, cmds []*protocol.Cmd, routing *cluster.RoutingInfo, raiseOnError bool) (*protocol.Value, error) {
	if len(cmds) == 0 {
		return nil, protocol.NewClientError(protocol.KindUserOperationError, "empty transaction")
	}

	route, err := m.transactionRoute(cmds, routing)
	if err != nil {
		return nil, err
	}

	wire := make([]*protocol.Cmd, 0, len(cmds)+2)
	wire = append(wire, protocol.NewCmd("MULTI"))
	wire = append(wire, cmds...)
	wire = append(wire, protocol.NewCmd("EXEC"))

	// 偏移 = MULTI 的 OK + 每条命令的 QUEUED
	offset := len(cmds) + 1

	var execReply *protocol.Value
	for attempt := 0; ; attempt++ {
		conn, addr, err := m.acquireForRoute(ctx, route)
		if err != nil {
			return nil, err
		}

		replies, sendErr := conn.SendPipeline(ctx, wire, offset, 1)
		if sendErr != nil {
			if protocol.KindOf(sendErr) == protocol.KindTimeout {
				m.telemetry.RecordTimeout()
				return nil, sendErr
			}
			m.ensureReconnectTask(addr)
			if attempt < DefaultRetries {
				continue
			}
			return nil, sendErr
		}
		if len(replies) != 1 {
			return nil, pipelineMismatchError(1, len(replies), true, raiseOnError)
		}

		execReply = replies[0]
		serverErr := protocol.ErrorFromValue(execReply)
		if serverErr != nil && serverErr.Kind == protocol.KindMoved && attempt < DefaultRetries {
			if err := m.updateSlotRangeWithMoved(uint16(serverErr.Slot), serverErr.Addr); err == nil {
				m.requestRefresh()
				continue
			}
		}
		if serverErr != nil {
			return nil, serverErr
		}
		break
	}

	return m.shapeTransactionReply(execReply, len(cmds), raiseOnError)
}

// transactionRoute 事务路由：调用方指定或从命令推导，必须单槽
func (m *clusterManager) transactionRoute(cmds []*protocol.Cmd, routing *cluster.RoutingInfo) (cluster.Route, error) {
	if routing != nil && routing.Kind == cluster.RouteSpecificNode {
		return routing.Route, nil
	}

	var route cluster.Route
	found := false
	for _, cmd := range cmds {
		derived, err := cluster.RouteForCommand(cmd)
		if err != nil {
			return cluster.Route{}, err
		}
		if derived.Kind != cluster.RouteSpecificNode {
			continue
		}
		slotRoute := cluster.Route{Slot: derived.Route.Slot, SlotAddr: cluster.SlotAddrMaster}
		if !found {
			route = slotRoute
			found = true
		} else if route.Slot != slotRoute.Slot {
			return cluster.Route{}, protocol.NewClientError(protocol.KindUserOperationError,
				"transaction spans multiple slots")
		}
	}

	if !found {
		return cluster.Route{}, protocol.NewClientError(protocol.KindUserOperationError,
			"transaction has no routable command")
	}
	return route, nil
}

// shapeTransactionReply EXEC 响应整形
func (m *clusterManager) shapeTransactionReply(reply *protocol.Value, cmdCount int, raiseOnError bool) (*protocol.Value, error) {
	// null：事务被中止（WATCH 失败等）
	if reply.IsNull() {
		return protocol.NewNull(), nil
	}

	if !reply.IsArray() {
		// 单命令事务的响应可能不是数组，包装成单元素数组
		if cmdCount == 1 {
			reply = protocol.NewArray([]*protocol.Value{reply})
		} else {
			return nil, pipelineMismatchError(cmdCount, 1, true, raiseOnError)
		}
	}

	arr := reply.GetArray()
	if len(arr) != cmdCount {
		return nil, pipelineMismatchError(cmdCount, len(arr), true, raiseOnError)
	}

	if raiseOnError {
		for i, v := range arr {
			if serverErr := protocol.ErrorFromValue(v); serverErr != nil {
				return nil, protocol.NewClientErrorf(serverErr.Kind,
					"atomic transaction command %d failed: %s", i, serverErr.Error())
			}
		}
	}
	return reply, nil
}
