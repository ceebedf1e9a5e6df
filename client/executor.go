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
 * 请求执行器 - Request Executor
 * ============================================================================
 *
 * 【核心原理】
 * 单命令发送流程：
 * 1. 解析路由（调用方未指定时按默认规则推导）
 * 2. 向容器取连接；不可用时看重连任务：Reconnecting 挂通知器等待，
 *    ReconnectingTooLong 视地址死亡返回连接错误
 * 3. 发送并分类响应：
 *    - MOVED：单槽更新指向公布地址（新地址先建连）、异步请求全量刷新、
 *      改向公布地址重试，受全局重试预算约束
 *    - ASK：一次性重定向，ASKING 前缀 + 原命令，不改槽位映射
 *    - TRYAGAIN：可重试命令退避后重试
 *    - 连接断开：触发每地址重连；非阻塞命令重试，阻塞命令直接返回错误
 * 4. 超时触发记录遥测并返回超时错误；在途命令不做线上取消
 *
 * 重试始终复用原始参数字节。
 */

// Send 发送单命令
func (m *clusterManager) Send(ctx context.Context, cmd *protocol.Cmd, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	routing = cluster.NormalizeRouting(cmd, routing)
	if routing == nil {
		derived, err := cluster.RouteForCommand(cmd)
		if err != nil {
			return nil, err
		}
		routing = derived
	}

	switch routing.Kind {
	case cluster.RouteAllNodes, cluster.RouteAllPrimaries:
		return m.sendMultiNode(ctx, cmd, routing)
	case cluster.RouteMultiSlot:
		return m.sendMultiSlot(ctx, cmd, routing)
	case cluster.RouteByAddress:
		return m.sendToAddress(ctx, cmd, joinHostPort(routing.Host, routing.Port))
	default:
		return m.sendSingleNode(ctx, cmd, routing)
	}
}

// sendSingleNode 单节点发送与重试循环
func (m *clusterManager) sendSingleNode(ctx context.Context, cmd *protocol.Cmd, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	retryable := !cluster.IsBlockingCommand(cmd.Name())

	var redirect string // MOVED/ASK 公布的地址，优先于路由解析
	var asking bool

	for retry := 0; ; retry++ {
		conn, addr, err := m.acquireConnection(ctx, routing, redirect)
		if err != nil {
			return nil, err
		}

		resp, err := m.transmit(ctx, conn, cmd, asking)
		asking = false

		if err != nil {
			if protocol.KindOf(err) == protocol.KindTimeout {
				m.telemetry.RecordTimeout()
				return nil, err
			}
			// 连接层错误：触发重连，可重试命令换路由再来
			m.ensureReconnectTask(addr)
			if retryable && retry < DefaultRetries {
				redirect = ""
				continue
			}
			return nil, err
		}

		serverErr := protocol.ErrorFromValue(resp)
		if serverErr == nil {
			return resp, nil
		}

		switch serverErr.Kind {
		case protocol.KindMoved:
			if err := m.updateSlotRangeWithMoved(uint16(serverErr.Slot), serverErr.Addr); err != nil {
				logrus.WithField("component", "executor").
					Warnf("slot update after MOVED failed: %v", err)
			}
			m.requestRefresh()
			if retry < DefaultRetries {
				redirect = serverErr.Addr
				continue
			}
			return nil, serverErr

		case protocol.KindAsk:
			// 一次性重定向，不更新槽位映射
			if retry < DefaultRetries {
				redirect = serverErr.Addr
				asking = true
				continue
			}
			return nil, serverErr

		case protocol.KindTryAgain, protocol.KindClusterDown:
			if serverErr.Kind == protocol.KindClusterDown {
				m.requestRefresh()
			}
			if retryable && retry < DefaultRetries {
				if err := sleepCtx(ctx, m.cfg.ConnectionRetryStrategy.DelayFor(retry)); err != nil {
					return nil, err
				}
				redirect = ""
				continue
			}
			return nil, serverErr

		default:
			return nil, serverErr
		}
	}
}

// acquireConnection 按路由或显式地址取连接，必要时挂通知器等待重连
func (m *clusterManager) acquireConnection(ctx context.Context, routing *cluster.RoutingInfo, redirect string) (connection.Conn, string, error) {
	if redirect != "" {
		conn, err := m.connectionForAddressOrDial(ctx, redirect)
		if err != nil {
			return nil, redirect, err
		}
		return conn, redirect, nil
	}

	switch routing.Kind {
	case cluster.RouteRandom:
		conns := m.container.RandomConnections(1, connection.ConnectionUser)
		if len(conns) == 0 {
			return nil, "", protocol.NewClientError(protocol.KindConnectionNotFound, "no available connections")
		}
		return conns[0].Conn, conns[0].Address, nil

	case cluster.RouteRandomPrimary:
		primaries := m.container.AllPrimaryConnections()
		if len(primaries) == 0 {
			return nil, "", protocol.NewClientError(protocol.KindConnectionNotFound, "no primary connections")
		}
		pick := primaries[randIntn(len(primaries))]
		return pick.Conn, pick.Address, nil

	default:
		return m.acquireForRoute(ctx, routing.Route)
	}
}

// acquireForRoute 按槽路由取连接；地址在重连中时挂通知器等待
func (m *clusterManager) acquireForRoute(ctx context.Context, route cluster.Route) (connection.Conn, string, error) {
	for {
		addr, conn, ok := m.container.ConnectionForRoute(route)
		if ok {
			return conn, addr, nil
		}
		if addr == "" {
			// 槽未被覆盖
			return nil, "", protocol.NewClientErrorf(protocol.KindConnectionNotFound,
				"no connection for slot %d", route.Slot)
		}

		state, exists := m.container.RefreshStates().Get(addr)
		if !exists {
			state = m.ensureReconnectTask(addr)
		}

		if state.Status() == connection.ReconnectingTooLong {
			return nil, "", protocol.NewClientErrorf(protocol.KindConnectionNotFound,
				"connection to %s is unavailable", addr)
		}

		notifier := state.Notifier()
		if notifier == nil {
			// 状态刚翻转，重新评估
			continue
		}

		select {
		case <-ctx.Done():
			return nil, "", protocol.NewClientError(protocol.KindTimeout, "timed out waiting for reconnection")
		case <-notifier.Wait():
			// 重连结束（成功或放弃），重新取连接
		}
	}
}

// transmit 发送命令；ASK 重定向时带 ASKING 前缀
func (m *clusterManager) transmit(ctx context.Context, conn connection.Conn, cmd *protocol.Cmd, asking bool) (*protocol.Value, error) {
	if asking {
		replies, err := conn.SendPipeline(ctx, []*protocol.Cmd{protocol.NewCmd("ASKING"), cmd}, 1, 1)
		if err != nil {
			return nil, err
		}
		if len(replies) != 1 {
			return nil, protocol.NewClientError(protocol.KindFatalReceiveError, "ASKING redirect returned no reply")
		}
		return replies[0], nil
	}
	return conn.SendCommand(ctx, cmd)
}

// sendToAddress 发送到指定地址
func (m *clusterManager) sendToAddress(ctx context.Context, cmd *protocol.Cmd, addr string) (*protocol.Value, error) {
	conn, err := m.connectionForAddressOrDial(ctx, addr)
	if err != nil {
		return nil, err
	}

	resp, err := conn.SendCommand(ctx, cmd)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindTimeout {
			m.telemetry.RecordTimeout()
		} else {
			m.ensureReconnectTask(addr)
		}
		return nil, err
	}
	if serverErr := protocol.ErrorFromValue(resp); serverErr != nil {
		return nil, serverErr
	}
	return resp, nil
}

// sendMultiNode 多节点扇出与响应合并
func (m *clusterManager) sendMultiNode(ctx context.Context, cmd *protocol.Cmd, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	var targets []connection.AddressConn
	if routing.Kind == cluster.RouteAllPrimaries {
		targets = m.container.AllPrimaryConnections()
	} else {
		targets = m.container.AllNodeConnections()
	}
	if len(targets) == 0 {
		return nil, protocol.NewClientError(protocol.KindConnectionNotFound, "no nodes to fan out to")
	}

	type nodeResult struct {
		resp *protocol.Value
		err  error
	}

	results := make([]nodeResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target connection.AddressConn) {
			defer wg.Done()
			resp, err := target.Conn.SendCommand(ctx, cmd)
			if err == nil {
				if serverErr := protocol.ErrorFromValue(resp); serverErr != nil {
					err = serverErr
				}
			}
			results[i] = nodeResult{resp: resp, err: err}
		}(i, target)
	}
	wg.Wait()

	responses := make([]*protocol.Value, 0, len(results))
	var firstErr error
	var firstSuccess *protocol.Value
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if firstSuccess == nil {
			firstSuccess = r.resp
		}
		responses = append(responses, r.resp)
	}

	switch routing.Policy {
	case cluster.PolicyOneSucceeded:
		if firstSuccess != nil {
			return firstSuccess, nil
		}
		return nil, firstErr

	default:
		// AllSucceeded 及聚合策略都要求全部成功
		if firstErr != nil {
			return nil, firstErr
		}
		return cluster.CombineResponses(routing.Policy, responses)
	}
}

// sendMultiSlot 跨槽命令拆分执行并按命令的重组策略合并
//
// 子路由各自发送后按路由携带的策略收口：
// - AggregateSum（DEL/EXISTS/UNLINK/TOUCH）：各子路由的计数求和
// - AllSucceeded（MSET/WATCH）：全部成功回 OK
// - 其余（MGET 形态）：按原始参数顺序做位置拼接
func (m *clusterManager) sendMultiSlot(ctx context.Context, cmd *protocol.Cmd, routing *cluster.RoutingInfo) (*protocol.Value, error) {
	name := cmd.Name()
	if name == "CUSTOM" && cmd.ArgCount() > 1 {
		name = strings.ToUpper(string(cmd.ArgAt(1)))
	}
	keyStep := 1
	if name == "MSET" {
		keyStep = 2
	}

	responses := make([]*protocol.Value, len(routing.Multi))
	for i, sub := range routing.Multi {
		subCmd := protocol.NewCmd(name)
		for _, argIdx := range sub.ArgIndices {
			subCmd.ArgBytes(cmd.ArgAt(argIdx))
		}

		resp, err := m.sendSingleNode(ctx, subCmd, &cluster.RoutingInfo{
			Kind:  cluster.RouteSpecificNode,
			Route: sub.Route,
		})
		if err != nil {
			return nil, err
		}
		responses[i] = resp
	}

	switch routing.Policy {
	case cluster.PolicyAggregateSum:
		return cluster.CombineResponses(cluster.PolicyAggregateSum, responses)

	case cluster.PolicyAllSucceeded:
		return protocol.NewSimpleString("OK"), nil

	default:
		// 位置拼接要求每个子响应是数组（一键一项）
		for i, resp := range responses {
			if !resp.IsArray() {
				responses[i] = protocol.NewArray([]*protocol.Value{resp})
			}
		}
		return cluster.CombineMultiSlotResponses(routing.Multi, responses, keyStep)
	}
}

// sleepCtx 可被取消的退避等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return protocol.NewClientError(protocol.KindTimeout, "cancelled during backoff")
	case <-time.After(d):
		return nil
	}
}

// joinHostPort 拼接 host:port
func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// randIntn 均匀随机下标
func randIntn(n int) int {
	return rand.Intn(n)
}
